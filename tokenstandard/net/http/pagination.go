package http

import (
	"errors"
	"fmt"
	"strconv"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/gofiber/fiber/v2"
)

// ErrContextNotFound is returned when a helper receives a nil fiber context.
var ErrContextNotFound = errors.New("fiber context not found")

// ErrInvalidLimit is returned when the limit query parameter is not a number.
var ErrInvalidLimit = errors.New("invalid limit value")

// ParseOpaqueCursorPagination reads the limit and cursor query parameters.
// The limit is clamped to [1, MaxLimit] and defaults to DefaultLimit. The
// cursor is decoded, so an empty position means the first page.
func ParseOpaqueCursorPagination(c *fiber.Ctx) (Cursor, int, error) {
	if c == nil {
		return Cursor{}, 0, ErrContextNotFound
	}

	limit := constant.DefaultLimit

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Cursor{}, 0, fmt.Errorf("%w: %w", ErrInvalidLimit, err)
		}

		limit = parsed
	}

	if limit <= 0 {
		limit = constant.DefaultLimit
	}

	limit = min(limit, constant.MaxLimit)

	token := c.Query("cursor")
	if token == "" {
		return Cursor{}, limit, nil
	}

	cur, err := DecodeCursor(token)
	if err != nil {
		return Cursor{}, 0, err
	}

	return cur, limit, nil
}
