package tokenstandard

import (
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
)

// Response is a business error with a stable code, a title and a human message.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"err,omitempty"`
}

func (e Response) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e Response) Unwrap() error {
	return e.Err
}

type businessError struct {
	code    error
	title   string
	message string
}

var businessErrors = []businessError{
	{constant.ErrInsufficientFunds, "Insufficient Funds", "The selected holdings do not cover the requested amount and fees. Select additional holdings and try again."},
	{constant.ErrDeadlineExceeded, "Deadline Exceeded", "The operation was submitted after its deadline and can no longer be executed."},
	{constant.ErrMissingHoldings, "Missing Holdings", "At least one input holding is required to execute this transfer."},
	{constant.ErrConflictingHoldings, "Conflicting Holdings", "The holdings provided at execution must not be locked for or committed to another operation."},
	{constant.ErrHoldingLocked, "Holding Locked", "One or more input holdings are locked and cannot be used by the acting party."},
	{constant.ErrHoldingNotOwned, "Holding Not Owned", "One or more input holdings are not owned by the sender."},
	{constant.ErrInstrumentMismatch, "Instrument Mismatch", "All input holdings must be of the instrument being transferred."},
	{constant.ErrDuplicateHolding, "Duplicate Holding", "The same holding was listed more than once."},
	{constant.ErrInvalidAmount, "Invalid Amount", "Amounts must be positive decimals."},
	{constant.ErrUnauthorizedActor, "Unauthorized", "The acting party is not authorized to perform this operation."},
	{constant.ErrInvalidStatus, "Invalid Status", "The instruction is not in a state that allows this operation."},
	{constant.ErrStaleReference, "Stale Reference", "A referenced contract was archived or changed. Refresh the context and try again."},
	{constant.ErrContextExpired, "Choice Context Expired", "The provided choice context is past its validity window. Fetch a fresh context and try again."},
	{constant.ErrStaleNonce, "Stale Nonce", "The command nonce was already consumed."},
	{constant.ErrNonceAhead, "Nonce Ahead", "The command nonce is ahead of the sender counter. Earlier commands must be processed first."},
	{constant.ErrCommandExpired, "Command Expired", "The transfer command expired before it was sent."},
	{constant.ErrNoPreapproval, "No Preapproval", "The receiver has no transfer preapproval for this instrument."},
	{constant.ErrAllocationMismatch, "Allocation Mismatch", "An allocation does not match the settlement leg it is meant to settle."},
	{constant.ErrLegCountMismatch, "Leg Count Mismatch", "The number of allocations must equal the number of transfer legs."},
	{constant.ErrMetadataTooManyEntries, "Metadata Too Large", fmt.Sprintf("Metadata may contain at most %d entries.", constant.MaxMetadataEntries)},
	{constant.ErrMetadataTooLarge, "Metadata Too Large", fmt.Sprintf("Metadata keys and values may total at most %d characters.", constant.MaxMetadataChars)},
	{constant.ErrInvalidSpecification, "Invalid Specification", "The request does not describe a valid operation."},
	{constant.ErrSettlementNotReady, "Settlement Not Ready", "The settlement cannot be executed outside its preparation and settlement window."},
	{constant.ErrLockExpired, "Lock Expired", "The lock backing this allocation expired."},
	{constant.ErrInstrumentNotFound, "Instrument Not Found", "The requested instrument is not administered by this registry."},
	{constant.ErrMissingContext, "Missing Choice Context", "A required choice context value was not provided."},
	{constant.ErrContention, "Contention", "The ledger changed concurrently. Retry the operation."},
}

// ValidateBusinessError maps a domain error to a Response. Errors that match
// no known code are returned unchanged.
func ValidateBusinessError(err error, entityType string, args ...any) error {
	if err == nil {
		return nil
	}

	for _, be := range businessErrors {
		if !errors.Is(err, be.code) {
			continue
		}

		message := be.message
		if len(args) > 0 {
			message = fmt.Sprintf("%s (%s)", message, fmt.Sprint(args...))
		}

		return Response{
			EntityType: entityType,
			Code:       be.code.Error(),
			Title:      be.title,
			Message:    message,
			Err:        err,
		}
	}

	return err
}
