package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is a transport error with an explicit HTTP status.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Error allows ErrorResponse to satisfy the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// statusByCode maps business codes to HTTP statuses. Codes not listed are
// business rule violations and render as 422.
var statusByCode = map[string]int{
	constant.ErrInstrumentNotFound.Error():     http.StatusNotFound,
	constant.ErrStaleReference.Error():         http.StatusConflict,
	constant.ErrContention.Error():             http.StatusConflict,
	constant.ErrContextExpired.Error():         http.StatusConflict,
	constant.ErrStaleNonce.Error():             http.StatusConflict,
	constant.ErrNonceAhead.Error():             http.StatusConflict,
	constant.ErrInvalidSpecification.Error():   http.StatusBadRequest,
	constant.ErrInvalidAmount.Error():          http.StatusBadRequest,
	constant.ErrMissingContext.Error():         http.StatusBadRequest,
	constant.ErrDuplicateHolding.Error():       http.StatusBadRequest,
	constant.ErrMetadataTooManyEntries.Error(): http.StatusBadRequest,
	constant.ErrMetadataTooLarge.Error():       http.StatusBadRequest,
}

// StatusForCode returns the HTTP status a business code renders with.
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}

	if constant.ErrorByCode(code) != nil {
		return http.StatusUnprocessableEntity
	}

	return http.StatusInternalServerError
}

// RenderError writes err through a single, stable contract. Business errors
// keep their code. Validation and transport errors become 400 or their
// own status. Anything else is an opaque 500.
func RenderError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	var business tokenstandard.Response
	if !errors.As(err, &business) {
		mapped := tokenstandard.ValidateBusinessError(err, "")
		if !errors.As(mapped, &business) {
			business = tokenstandard.Response{}
		}
	}

	if business.Code != "" {
		business.Err = nil

		return c.Status(StatusForCode(business.Code)).JSON(business)
	}

	var resp ErrorResponse
	if errors.As(err, &resp) {
		status := resp.Code
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusInternalServerError
		}

		message := resp.Message
		if message == "" {
			message = http.StatusText(status)
		}

		return RespondError(c, status, strconv.Itoa(status), titleOr(resp.Title), message)
	}

	if isValidationError(err) {
		return RespondError(c, http.StatusBadRequest, strconv.Itoa(http.StatusBadRequest), "invalid_request", err.Error())
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return RespondError(c, fiberErr.Code, strconv.Itoa(fiberErr.Code), constant.DefaultErrorTitle, fiberErr.Message)
	}

	return RespondError(c, http.StatusInternalServerError, strconv.Itoa(http.StatusInternalServerError),
		constant.DefaultErrorTitle, "An internal error occurred")
}

func titleOr(title string) string {
	if title == "" {
		return constant.DefaultErrorTitle
	}

	return title
}
