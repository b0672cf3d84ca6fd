//go:build unit

package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mintRequest struct {
	Owner  string `json:"owner"  validate:"required,max=64"`
	Amount string `json:"amount" validate:"required,positive_amount"`
	Kind   string `json:"kind"   validate:"omitempty,oneof=free locked"`
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  mintRequest
		want error
	}{
		{name: "valid", req: mintRequest{Owner: "alice", Amount: "1.5"}},
		{name: "missing owner", req: mintRequest{Amount: "1"}, want: ErrFieldRequired},
		{name: "owner too long", req: mintRequest{Owner: strings.Repeat("a", 65), Amount: "1"}, want: ErrFieldMaxLength},
		{name: "zero amount", req: mintRequest{Owner: "alice", Amount: "0"}, want: ErrFieldPositiveAmount},
		{name: "garbage amount", req: mintRequest{Owner: "alice", Amount: "abc"}, want: ErrFieldPositiveAmount},
		{name: "bad kind", req: mintRequest{Owner: "alice", Amount: "1", Kind: "other"}, want: ErrFieldOneOf},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateStruct(tt.req)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseBodyAndValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{name: "valid", contentType: fiber.MIMEApplicationJSON, body: `{"owner":"alice","amount":"2"}`, status: http.StatusOK},
		{name: "invalid json", contentType: fiber.MIMEApplicationJSON, body: `{"owner":`, status: http.StatusBadRequest},
		{name: "fails validation", contentType: fiber.MIMEApplicationJSON, body: `{"owner":"alice"}`, status: http.StatusBadRequest},
		{name: "wrong content type", contentType: fiber.MIMETextPlain, body: `owner=alice`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
			app.Post("/", func(c *fiber.Ctx) error {
				var req mintRequest
				if err := ParseBodyAndValidate(c, &req); err != nil {
					return err
				}

				return OK(c, req)
			})

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(fiber.HeaderContentType, tt.contentType)

			resp, err := app.Test(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
