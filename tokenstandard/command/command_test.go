//go:build unit

package command

import (
	"testing"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		next, nonce uint64
		want        Decision
	}{
		{next: 0, nonce: 0, want: Accept},
		{next: 5, nonce: 5, want: Accept},
		{next: 5, nonce: 4, want: Stale},
		{next: 5, nonce: 0, want: Stale},
		{next: 5, nonce: 6, want: Ahead},
		{next: 0, nonce: ^uint64(0), want: Ahead},
		{next: ^uint64(0), nonce: 0, want: Stale},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Decide(tt.next, tt.nonce), "next=%d nonce=%d", tt.next, tt.nonce)
		})
	}
}

func TestDecision_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "accept", Accept.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "ahead", Ahead.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

func TestCommand_Validate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	valid := func() Command {
		return Command{
			Sender:     "alice",
			Receiver:   "bob",
			Delegate:   "dave",
			Instrument: token.InstrumentID{Admin: "reg", ID: "USD"},
			Amount:     decimal.NewFromInt(10),
			ExpiresAt:  now.Add(time.Hour),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Command)
		want   error
	}{
		{name: "valid", mutate: func(*Command) {}},
		{name: "no delegate", mutate: func(c *Command) { c.Delegate = "" }, want: constant.ErrInvalidSpecification},
		{name: "expires now", mutate: func(c *Command) { c.ExpiresAt = now }, want: constant.ErrDeadlineExceeded},
		{name: "no receiver", mutate: func(c *Command) { c.Receiver = "" }, want: constant.ErrInvalidSpecification},
		{name: "zero amount", mutate: func(c *Command) { c.Amount = decimal.Zero }, want: constant.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(&c)

			err := c.Validate(now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCommand_TransferCarriesPayload(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Command{Sender: "alice", Receiver: "bob", Amount: decimal.NewFromInt(3), Meta: map[string]string{"k": "v"}}

	tr := c.Transfer(at)

	assert.Equal(t, "alice", tr.Sender)
	assert.Equal(t, "bob", tr.Receiver)
	assert.True(t, tr.Amount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, at, tr.RequestedAt)
	assert.Equal(t, "v", tr.Meta["k"])
	assert.Nil(t, tr.Lock)
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	got := dedupe([]ledger.ContractID{"a", "b", "a", "c", "b"})

	assert.Equal(t, []ledger.ContractID{"a", "b", "c"}, got)
}
