package token

import (
	"fmt"
)

// DomainError is a structured validation or business failure. errors.Is
// matches it against the code sentinels in the constants package.
type DomainError struct {
	Code    error
	Field   string
	Message string
}

func (e DomainError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

// Unwrap exposes the code sentinel.
func (e DomainError) Unwrap() error {
	return e.Code
}

// NewDomainError creates a domain error with code, field and message.
func NewDomainError(code error, field, message string) error {
	return DomainError{Code: code, Field: field, Message: message}
}
