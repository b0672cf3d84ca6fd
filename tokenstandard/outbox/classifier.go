package outbox

import "errors"

// RetryClassifier determines whether an error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultRetryClassifier treats a missing handler and a malformed event as
// permanent. Retrying either cannot succeed until the process is redeployed.
var DefaultRetryClassifier = RetryClassifierFunc(func(err error) bool {
	return errors.Is(err, ErrHandlerNotRegistered) ||
		errors.Is(err, ErrEventTypeRequired) ||
		errors.Is(err, ErrEventPayloadRequired)
})
