package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor is returned when a cursor token cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor format")

// Cursor points past the last item of a page.
type Cursor struct {
	After string `json:"after"`
}

// EncodeCursor encodes a Cursor as an opaque url-safe token.
func EncodeCursor(cursor Cursor) (string, error) {
	if cursor.After == "" {
		return "", ErrInvalidCursor
	}

	raw, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor decodes a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: decode failed: %w", ErrInvalidCursor, err)
	}

	var cur Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return Cursor{}, fmt.Errorf("%w: unmarshal failed: %w", ErrInvalidCursor, err)
	}

	if cur.After == "" {
		return Cursor{}, fmt.Errorf("%w: missing position", ErrInvalidCursor)
	}

	return cur, nil
}
