package http

import (
	"errors"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version returns HTTP Status 200 with the VERSION of the running binary.
func Version(c *fiber.Ctx) error {
	return OK(c, fiber.Map{
		"version":     tokenstandard.GetenvOrDefault("VERSION", "0.0.0"),
		"requestDate": time.Now().UTC(),
	})
}

// FiberErrorHandler is the Fiber error handler of the off-ledger API.
// Unexpected errors are logged through the request logger before RenderError
// hides them behind a generic 500.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()

	span := trace.SpanFromContext(ctx)
	opentelemetry.HandleSpanError(span, "handler error", err)

	var fe *fiber.Error
	if !errors.As(err, &fe) {
		tokenstandard.NewLoggerFromContext(ctx).Log(ctx, log.LevelError, "handler error",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Err(err),
		)
	}

	return RenderError(c, err)
}
