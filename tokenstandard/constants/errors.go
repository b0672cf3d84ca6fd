package constant

import "errors"

// Business error codes. Values are stable and surface in HTTP responses.
var (
	// ErrInsufficientFunds maps to error code 0018.
	ErrInsufficientFunds = errors.New("0018")
	// ErrDeadlineExceeded maps to error code 0201.
	ErrDeadlineExceeded = errors.New("0201")
	// ErrMissingHoldings maps to error code 0202.
	ErrMissingHoldings = errors.New("0202")
	// ErrConflictingHoldings maps to error code 0203.
	ErrConflictingHoldings = errors.New("0203")
	// ErrHoldingLocked maps to error code 0204.
	ErrHoldingLocked = errors.New("0204")
	// ErrHoldingNotOwned maps to error code 0205.
	ErrHoldingNotOwned = errors.New("0205")
	// ErrInstrumentMismatch maps to error code 0206.
	ErrInstrumentMismatch = errors.New("0206")
	// ErrDuplicateHolding maps to error code 0207.
	ErrDuplicateHolding = errors.New("0207")
	// ErrInvalidAmount maps to error code 0208.
	ErrInvalidAmount = errors.New("0208")
	// ErrUnauthorizedActor maps to error code 0209.
	ErrUnauthorizedActor = errors.New("0209")
	// ErrInvalidStatus maps to error code 0210.
	ErrInvalidStatus = errors.New("0210")
	// ErrStaleReference maps to error code 0211.
	ErrStaleReference = errors.New("0211")
	// ErrContextExpired maps to error code 0212.
	ErrContextExpired = errors.New("0212")
	// ErrStaleNonce maps to error code 0213.
	ErrStaleNonce = errors.New("0213")
	// ErrNonceAhead maps to error code 0214.
	ErrNonceAhead = errors.New("0214")
	// ErrCommandExpired maps to error code 0215.
	ErrCommandExpired = errors.New("0215")
	// ErrNoPreapproval maps to error code 0216.
	ErrNoPreapproval = errors.New("0216")
	// ErrAllocationMismatch maps to error code 0217.
	ErrAllocationMismatch = errors.New("0217")
	// ErrLegCountMismatch maps to error code 0218.
	ErrLegCountMismatch = errors.New("0218")
	// ErrMetadataTooManyEntries maps to error code 0219.
	ErrMetadataTooManyEntries = errors.New("0219")
	// ErrMetadataTooLarge maps to error code 0220.
	ErrMetadataTooLarge = errors.New("0220")
	// ErrInvalidSpecification maps to error code 0221.
	ErrInvalidSpecification = errors.New("0221")
	// ErrSettlementNotReady maps to error code 0222.
	ErrSettlementNotReady = errors.New("0222")
	// ErrLockExpired maps to error code 0223.
	ErrLockExpired = errors.New("0223")
	// ErrInstrumentNotFound maps to error code 0224.
	ErrInstrumentNotFound = errors.New("0224")
	// ErrMissingContext maps to error code 0225.
	ErrMissingContext = errors.New("0225")
	// ErrContention maps to error code 0226.
	ErrContention = errors.New("0226")
)

var byCode = func() map[string]error {
	out := map[string]error{}
	for _, err := range []error{
		ErrInsufficientFunds, ErrDeadlineExceeded, ErrMissingHoldings, ErrConflictingHoldings,
		ErrHoldingLocked, ErrHoldingNotOwned, ErrInstrumentMismatch, ErrDuplicateHolding,
		ErrInvalidAmount, ErrUnauthorizedActor, ErrInvalidStatus, ErrStaleReference,
		ErrContextExpired, ErrStaleNonce, ErrNonceAhead, ErrCommandExpired, ErrNoPreapproval,
		ErrAllocationMismatch, ErrLegCountMismatch, ErrMetadataTooManyEntries, ErrMetadataTooLarge,
		ErrInvalidSpecification, ErrSettlementNotReady, ErrLockExpired, ErrInstrumentNotFound,
		ErrMissingContext, ErrContention,
	} {
		out[err.Error()] = err
	}

	return out
}()

// ErrorByCode returns the sentinel for a business error code, or nil when the
// code is unknown. Clients use it to rebuild errors received over the wire.
func ErrorByCode(code string) error {
	return byCode[code]
}
