package http

import (
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/gofiber/fiber/v2"
)

// Respond sends body as JSON with status.
func Respond(c *fiber.Ctx, status int, body any) error {
	return c.Status(status).JSON(body)
}

// RespondError sends a Response body with a code, a title and a message.
func RespondError(c *fiber.Ctx, status int, code, title, message string) error {
	return c.Status(status).JSON(tokenstandard.Response{
		Code:    code,
		Title:   title,
		Message: message,
	})
}

// OK sends an HTTP 200 OK response with a custom body.
func OK(c *fiber.Ctx, body any) error {
	return Respond(c, fiber.StatusOK, body)
}

// Created sends an HTTP 201 Created response with a custom body.
func Created(c *fiber.Ctx, body any) error {
	return Respond(c, fiber.StatusCreated, body)
}

// NoContent sends an HTTP 204 No Content response.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// Page is the envelope of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	Limit      int    `json:"limit"`
}
