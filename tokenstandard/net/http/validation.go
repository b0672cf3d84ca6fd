package http

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Validation errors.
var (
	// ErrValidationFailed is returned when struct validation fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrFieldRequired is returned when a required field is missing.
	ErrFieldRequired = errors.New("field is required")
	// ErrFieldMaxLength is returned when a field exceeds maximum length.
	ErrFieldMaxLength = errors.New("field exceeds maximum length")
	// ErrFieldOneOf is returned when a field must be one of allowed values.
	ErrFieldOneOf = errors.New("field must be one of allowed values")
	// ErrFieldPositiveAmount is returned when a field must be a positive amount.
	ErrFieldPositiveAmount = errors.New("field must be a positive amount")
	// ErrBodyParseFailed is returned when request body parsing fails.
	ErrBodyParseFailed = errors.New("failed to parse request body")
	// ErrUnsupportedContentType is returned when the Content-Type is not application/json.
	ErrUnsupportedContentType = errors.New("content type must be application/json")
	// ErrValidatorInit is returned when custom validator registration fails.
	ErrValidatorInit = errors.New("validator initialization failed")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	if err := vld.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		str := fl.Field().String()
		if str == "" {
			return true
		}

		d, err := decimal.NewFromString(str)

		return err == nil && d.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'positive_amount': %w", ErrValidatorInit, err)
	}

	if err := vld.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'positive_decimal': %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the shared validator.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct validates payload against its validate tags and returns
// the first failure.
func ValidateStruct(payload any) error {
	vld, err := GetValidator()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if err := vld.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return formatValidationError(fieldErrs[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

func formatValidationError(fe validator.FieldError) error {
	field := toSnakeCase(fe.Field())

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: '%s'", ErrFieldRequired, field)
	case "max":
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldMaxLength, field, fe.Param())
	case "oneof":
		return fmt.Errorf("%w: '%s' must be one of [%s]", ErrFieldOneOf, field, fe.Param())
	case "positive_amount", "positive_decimal":
		return fmt.Errorf("%w: '%s'", ErrFieldPositiveAmount, field)
	default:
		return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, field, fe.Tag())
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder

	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}

		b.WriteRune(r)
	}

	return strings.ToLower(b.String())
}

func isValidationError(err error) bool {
	for _, target := range []error{
		ErrValidationFailed, ErrFieldRequired, ErrFieldMaxLength, ErrFieldOneOf,
		ErrFieldPositiveAmount, ErrBodyParseFailed, ErrUnsupportedContentType,
		ErrInvalidCursor, ErrInvalidLimit,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// ParseBodyAndValidate parses the JSON request body into payload and
// validates it.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	if c == nil {
		return ErrContextNotFound
	}

	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return ErrUnsupportedContentType
	}

	if len(c.Body()) > 0 {
		if err := c.BodyParser(payload); err != nil {
			return fmt.Errorf("%w: %w", ErrBodyParseFailed, err)
		}
	}

	return ValidateStruct(payload)
}
