// Package registrytest builds an in-memory registry with a manual clock for
// tests of the settlement protocol.
package registrytest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Admin administers the fixture's instrument.
const Admin = "registry-admin"

// Start is the fixture clock's initial time.
var Start = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// Fixture is a bootstrapped registry over a MemoryStore.
type Fixture struct {
	tb         testing.TB
	Clock      *ledger.ManualClock
	Store      *ledger.MemoryStore
	Registry   *registry.Registry
	Instrument token.InstrumentID
}

type config struct {
	rate    decimal.Decimal
	holding decimal.Decimal
	ttl     time.Duration
}

// Option configures a Fixture.
type Option func(*config)

// WithFees sets the transfer fee rate and the holding fee.
func WithFees(rate, holding string) Option {
	return func(c *config) {
		c.rate = decimal.RequireFromString(rate)
		c.holding = decimal.RequireFromString(holding)
	}
}

// WithContextTTL sets how long served contexts stay valid.
func WithContextTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// New bootstraps instrument "USD" with two decimals and, unless WithFees
// says otherwise, no fees.
func New(tb testing.TB, opts ...Option) *Fixture {
	tb.Helper()

	cfg := config{rate: decimal.Zero, holding: decimal.Zero, ttl: registry.DefaultContextTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := ledger.NewManualClock(Start)
	store := ledger.NewMemoryStore(ledger.WithClock(clock))

	reg, err := registry.New(Admin, store,
		registry.WithRetryPolicy(backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 50}),
		registry.WithContextTTL(cfg.ttl))
	require.NoError(tb, err)

	inst := registry.Instrument{ID: token.InstrumentID{ID: "USD"}, Symbol: "USD", Name: "US Dollar", Decimals: 2}

	_, err = reg.Bootstrap(context.Background(), inst, registry.FeeSchedule{TransferFeeRate: cfg.rate, HoldingFee: cfg.holding})
	require.NoError(tb, err)

	return &Fixture{
		tb:         tb,
		Clock:      clock,
		Store:      store,
		Registry:   reg,
		Instrument: token.InstrumentID{Admin: Admin, ID: "USD"},
	}
}

// D parses a decimal literal.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Mint creates an unlocked holding of amount for owner.
func (f *Fixture) Mint(owner, amount string) ledger.ContractID {
	f.tb.Helper()

	id, err := f.Registry.Mint(context.Background(), owner, f.Instrument, D(amount), nil)
	require.NoError(f.tb, err)

	return id
}

// Total returns the locked plus unlocked balance of owner.
func (f *Fixture) Total(owner string) decimal.Decimal {
	f.tb.Helper()

	b, err := f.Registry.Balance(context.Background(), owner, f.Instrument)
	require.NoError(f.tb, err)

	return b.Total()
}

// Balance returns the balance of owner.
func (f *Fixture) Balance(owner string) registry.Balance {
	f.tb.Helper()

	b, err := f.Registry.Balance(context.Background(), owner, f.Instrument)
	require.NoError(f.tb, err)

	return b
}

// Transfer describes a transfer of the fixture instrument requested now.
func (f *Fixture) Transfer(sender, receiver, amount string) token.Transfer {
	return token.Transfer{
		Sender:      sender,
		Receiver:    receiver,
		Amount:      D(amount),
		Instrument:  f.Instrument,
		RequestedAt: f.Clock.Now(),
	}
}

// FactoryExtra fetches the context of a factory choice for the fixture instrument.
func (f *Fixture) FactoryExtra(kind choicecontext.Kind) choicecontext.ExtraArgs {
	f.tb.Helper()

	args, err := json.Marshal(map[string]any{"instrumentId": f.Instrument})
	require.NoError(f.tb, err)

	resp, err := f.Registry.ChoiceContext(context.Background(), choicecontext.Request{Kind: kind, ChoiceArguments: args})
	require.NoError(f.tb, err)

	return resp.Extra(nil)
}

// Extra fetches the context of a choice on an existing contract.
func (f *Fixture) Extra(kind choicecontext.Kind, id ledger.ContractID) choicecontext.ExtraArgs {
	f.tb.Helper()

	resp, err := f.Registry.ChoiceContext(context.Background(), choicecontext.Request{Kind: kind, ContractID: id})
	require.NoError(f.tb, err)

	return resp.Extra(nil)
}

// Run executes fn in one unit of work without retries.
func (f *Fixture) Run(fn func(ctx context.Context, tx ledger.Tx) error) error {
	return f.Store.Atomically(context.Background(), fn)
}

// Holdings lists the holdings of owner in the fixture instrument.
func (f *Fixture) Holdings(owner string) []token.Input {
	f.tb.Helper()

	out, err := f.Registry.Holdings(context.Background(), owner, &f.Instrument)
	require.NoError(f.tb, err)

	return out
}
