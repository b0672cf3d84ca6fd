//go:build unit

package constant

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMetricLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty string returns empty", input: "", want: ""},
		{name: "short string returned as-is", input: "transfer", want: "transfer"},
		{name: "exactly max length returned as-is", input: strings.Repeat("x", MaxMetricLabelLength), want: strings.Repeat("x", MaxMetricLabelLength)},
		{name: "one over max truncated", input: strings.Repeat("y", MaxMetricLabelLength+1), want: strings.Repeat("y", MaxMetricLabelLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, SanitizeMetricLabel(tt.input))
		})
	}
}

func TestErrorCodesAreUnique(t *testing.T) {
	t.Parallel()

	codes := []error{
		ErrInsufficientFunds, ErrDeadlineExceeded, ErrMissingHoldings, ErrConflictingHoldings,
		ErrHoldingLocked, ErrHoldingNotOwned, ErrInstrumentMismatch, ErrDuplicateHolding,
		ErrInvalidAmount, ErrUnauthorizedActor, ErrInvalidStatus, ErrStaleReference,
		ErrContextExpired, ErrStaleNonce, ErrNonceAhead, ErrCommandExpired, ErrNoPreapproval,
		ErrAllocationMismatch, ErrLegCountMismatch, ErrMetadataTooManyEntries, ErrMetadataTooLarge,
		ErrInvalidSpecification, ErrSettlementNotReady, ErrLockExpired, ErrInstrumentNotFound,
		ErrMissingContext, ErrContention,
	}

	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		assert.False(t, seen[c.Error()], "duplicate code %s", c.Error())
		seen[c.Error()] = true
		assert.Len(t, c.Error(), 4)
		assert.False(t, errors.Is(c, errors.New(c.Error())))
	}
}
