//go:build unit

package transfer

import (
	"encoding/json"
	"testing"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Specification {
	return Specification{
		Transfer: token.Transfer{
			Sender:     "alice",
			Receiver:   "bob",
			Amount:     decimal.NewFromInt(10),
			Instrument: token.InstrumentID{Admin: "reg", ID: "USD"},
		},
		ExecuteBefore: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		HoldingIDs:    []ledger.ContractID{"h1"},
	}
}

func TestSpecification_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Specification)
		want   error
	}{
		{name: "valid", mutate: func(*Specification) {}},
		{name: "delegated without holdings", mutate: func(s *Specification) { s.HoldingIDs = nil; s.Delegate = "dave" }},
		{name: "no holdings and no delegate", mutate: func(s *Specification) { s.HoldingIDs = nil }, want: constant.ErrMissingHoldings},
		{name: "no deadline", mutate: func(s *Specification) { s.ExecuteBefore = time.Time{} }, want: constant.ErrInvalidSpecification},
		{name: "blank delegate is not a delegate", mutate: func(s *Specification) { s.HoldingIDs = nil; s.Delegate = "  " }, want: constant.ErrMissingHoldings},
		{name: "negative amount", mutate: func(s *Specification) { s.Transfer.Amount = decimal.NewFromInt(-1) }, want: constant.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInstruction_StatusSurvivesEncoding(t *testing.T) {
	t.Parallel()

	statuses := []Status{
		PendingPreparatoryAction{Actions: map[string]string{"bob": "accept transfer"}},
		PendingExecution{},
		Failed{Reason: "receiver rejected"},
	}

	for _, status := range statuses {
		t.Run(status.StatusName(), func(t *testing.T) {
			t.Parallel()

			in := Instruction{Spec: validSpec(), Status: status, Admin: "reg", Origin: "c1"}

			raw, err := json.Marshal(in)
			require.NoError(t, err)

			var out Instruction
			require.NoError(t, json.Unmarshal(raw, &out))

			assert.Equal(t, status, out.Status)
			assert.Equal(t, ledger.ContractID("c1"), out.Origin)
			assert.True(t, in.Spec.Transfer.Equal(out.Spec.Transfer))
		})
	}
}

func TestInstruction_UnknownStatus(t *testing.T) {
	t.Parallel()

	_, err := json.Marshal(Instruction{Spec: validSpec()})
	require.Error(t, err)

	var out Instruction
	require.Error(t, json.Unmarshal([]byte(`{"status":{"name":"SETTLED"}}`), &out))
}
