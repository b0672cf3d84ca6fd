//go:build unit

package command_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/command"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry/registrytest"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delegate = "dave"

func newProcessor(t *testing.T, f *registrytest.Fixture) *command.Processor {
	t.Helper()

	p, err := command.NewProcessor(registrytest.Admin, f.Store, f.Registry,
		command.WithRetryPolicy(backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 50}))
	require.NoError(t, err)

	return p
}

func newCommand(f *registrytest.Fixture, amount string, nonce uint64) command.Command {
	return command.Command{
		Sender:     "alice",
		Receiver:   "bob",
		Delegate:   delegate,
		Instrument: f.Instrument,
		Amount:     registrytest.D(amount),
		ExpiresAt:  registrytest.Start.Add(time.Hour),
		Nonce:      nonce,
	}
}

func create(t *testing.T, p *command.Processor, cmd command.Command) ledger.ContractID {
	t.Helper()

	id, err := p.Create(context.Background(), cmd, cmd.Sender)
	require.NoError(t, err)

	return id
}

func preapprove(t *testing.T, f *registrytest.Fixture, receiver string) {
	t.Helper()

	_, err := f.Registry.CreatePreapproval(context.Background(), receiver, f.Instrument)
	require.NoError(t, err)
}

func nextNonce(t *testing.T, p *command.Processor, sender string) uint64 {
	t.Helper()

	n, err := p.NextNonce(context.Background(), sender)
	require.NoError(t, err)

	return n
}

func TestNewProcessor_Validation(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)

	_, err := command.NewProcessor("", f.Store, f.Registry)
	require.Error(t, err)

	_, err = command.NewProcessor(registrytest.Admin, nil, f.Registry)
	require.Error(t, err)

	_, err = command.NewProcessor(registrytest.Admin, f.Store, nil)
	require.Error(t, err)
}

func TestCreate_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		actor string
		edit  func(*command.Command)
		want  error
	}{
		{
			name:  "actor is not the sender",
			actor: "mallory",
			edit:  func(*command.Command) {},
			want:  constant.ErrUnauthorizedActor,
		},
		{
			name:  "already expired",
			actor: "alice",
			edit:  func(c *command.Command) { c.ExpiresAt = registrytest.Start },
			want:  constant.ErrDeadlineExceeded,
		},
		{
			name:  "missing delegate",
			actor: "alice",
			edit:  func(c *command.Command) { c.Delegate = "" },
			want:  constant.ErrInvalidSpecification,
		},
		{
			name:  "foreign instrument",
			actor: "alice",
			edit:  func(c *command.Command) { c.Instrument = token.InstrumentID{Admin: "other-registry", ID: "USD"} },
			want:  constant.ErrInstrumentNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t)
			p := newProcessor(t, f)

			cmd := newCommand(f, "10", 0)
			tt.edit(&cmd)

			_, err := p.Create(context.Background(), cmd, tt.actor)
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.Store.Count(command.TemplateCommand))
		})
	}
}

func TestSend_Succeeds(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	h := f.Mint("alice", "100")
	preapprove(t, f, "bob")

	id := create(t, p, newCommand(f, "10", 0))
	assert.Equal(t, uint64(0), nextNonce(t, p, "alice"))

	res, err := p.Send(ctx, id, delegate, []ledger.ContractID{h}, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)

	ok, isOK := res.(command.Succeeded)
	require.True(t, isOK, "got %T", res)
	assert.Equal(t, uint64(0), ok.Nonce)
	assert.Len(t, ok.ReceiverHoldings, 1)
	assert.Len(t, ok.SenderChange, 1)

	assert.Equal(t, uint64(1), nextNonce(t, p, "alice"))
	assert.False(t, f.Store.Active(id))
	assert.True(t, f.Total("alice").Equal(registrytest.D("90")))
	assert.True(t, f.Total("bob").Equal(registrytest.D("10")))
}

func TestSend_OnlyTheDelegate(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)

	h := f.Mint("alice", "100")
	preapprove(t, f, "bob")

	id := create(t, p, newCommand(f, "10", 0))

	_, err := p.Send(context.Background(), id, "alice", []ledger.ContractID{h}, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	assert.True(t, f.Store.Active(id))
	assert.Equal(t, uint64(0), nextNonce(t, p, "alice"))
}

func TestSend_ReplayIsDiscarded(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	f.Mint("alice", "100")
	preapprove(t, f, "bob")

	first := create(t, p, newCommand(f, "10", 0))
	replay := create(t, p, newCommand(f, "10", 0))

	inputs := func() []ledger.ContractID {
		var ids []ledger.ContractID
		for _, in := range f.Holdings("alice") {
			ids = append(ids, in.ID)
		}

		return ids
	}

	res, err := p.Send(ctx, first, delegate, inputs(), f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)
	require.IsType(t, command.Succeeded{}, res)

	res, err = p.Send(ctx, replay, delegate, inputs(), f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)

	failed, isFailed := res.(command.Failed)
	require.True(t, isFailed, "got %T", res)
	assert.Equal(t, constant.ErrStaleNonce.Error(), failed.Code)
	assert.Empty(t, failed.MergedHolding)

	assert.False(t, f.Store.Active(replay))
	assert.Equal(t, uint64(1), nextNonce(t, p, "alice"))
	assert.True(t, f.Total("bob").Equal(registrytest.D("10")), "value moved twice")
	assert.True(t, f.Total("alice").Equal(registrytest.D("90")))
}

func TestSend_AheadIsRetained(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	h := f.Mint("alice", "100")
	preapprove(t, f, "bob")

	ahead := create(t, p, newCommand(f, "10", 1))

	_, err := p.Send(ctx, ahead, delegate, []ledger.ContractID{h}, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.ErrorIs(t, err, constant.ErrNonceAhead)
	assert.True(t, f.Store.Active(ahead))
	assert.True(t, f.Store.Active(h))
	assert.Equal(t, uint64(0), nextNonce(t, p, "alice"))

	// Once its predecessor lands the retained command goes through.
	first := create(t, p, newCommand(f, "10", 0))

	res, err := p.Send(ctx, first, delegate, []ledger.ContractID{h}, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)

	change := res.(command.Succeeded).SenderChange

	res, err = p.Send(ctx, ahead, delegate, change, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)
	require.IsType(t, command.Succeeded{}, res)

	assert.Equal(t, uint64(2), nextNonce(t, p, "alice"))
	assert.True(t, f.Total("bob").Equal(registrytest.D("20")))
}

func TestSend_FailureMergesInputsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		preapprove bool
		amount     string
		wantCode   error
	}{
		{name: "receiver without preapproval", preapprove: false, amount: "10", wantCode: constant.ErrNoPreapproval},
		{name: "insufficient funds", preapprove: true, amount: "80", wantCode: constant.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t)
			p := newProcessor(t, f)
			ctx := context.Background()

			h1 := f.Mint("alice", "30")
			h2 := f.Mint("alice", "20")

			if tt.preapprove {
				preapprove(t, f, "bob")
			}

			id := create(t, p, newCommand(f, tt.amount, 0))

			res, err := p.Send(ctx, id, delegate, []ledger.ContractID{h1, h2}, f.FactoryExtra(choicecontext.KindTransferFactory))
			require.NoError(t, err)

			failed, isFailed := res.(command.Failed)
			require.True(t, isFailed, "got %T", res)
			assert.Equal(t, tt.wantCode.Error(), failed.Code)
			require.NotEmpty(t, failed.MergedHolding)

			// The nonce is spent and nothing is stranded.
			assert.Equal(t, uint64(1), nextNonce(t, p, "alice"))
			assert.False(t, f.Store.Active(id))
			assert.False(t, f.Store.Active(h1))
			assert.False(t, f.Store.Active(h2))
			assert.True(t, f.Store.Active(failed.MergedHolding))

			holdings := f.Holdings("alice")
			require.Len(t, holdings, 1)
			assert.Equal(t, failed.MergedHolding, holdings[0].ID)
			assert.True(t, f.Total("alice").Equal(registrytest.D("50")))
			assert.True(t, f.Total("bob").IsZero())

			// The next nonce is not blocked by the failure.
			next := create(t, p, newCommand(f, "5", 1))
			preapprove(t, f, "bob")

			res, err = p.Send(ctx, next, delegate, []ledger.ContractID{failed.MergedHolding}, f.FactoryExtra(choicecontext.KindTransferFactory))
			require.NoError(t, err)
			require.IsType(t, command.Succeeded{}, res)
		})
	}
}

func TestSend_ConcurrentSameNonce(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.Create(ctx, command.TemplateCounter, "alice",
			command.Counter{Sender: "alice", Admin: registrytest.Admin, NextNonce: 5})

		return err
	}))

	preapprove(t, f, "bob")

	inputs := []ledger.ContractID{f.Mint("alice", "50"), f.Mint("alice", "50")}
	ids := []ledger.ContractID{
		create(t, p, newCommand(f, "10", 5)),
		create(t, p, newCommand(f, "10", 5)),
	}
	extra := f.FactoryExtra(choicecontext.KindTransferFactory)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]command.Result, len(ids))
		errs    = make([]error, len(ids))
	)

	for i := range ids {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			<-start

			results[i], errs[i] = p.Send(ctx, ids[i], delegate, []ledger.ContractID{inputs[i]}, extra)
		}(i)
	}

	close(start)
	wg.Wait()

	var succeeded, stale int

	for i := range ids {
		require.NoError(t, errs[i])

		switch r := results[i].(type) {
		case command.Succeeded:
			succeeded++
		case command.Failed:
			assert.Equal(t, constant.ErrStaleNonce.Error(), r.Code)
			stale++
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, stale)
	assert.Equal(t, uint64(6), nextNonce(t, p, "alice"))
	assert.True(t, f.Total("bob").Equal(registrytest.D("10")))
	assert.Zero(t, f.Store.Count(command.TemplateCommand))
}

func TestSend_NoncesAdvanceByOne(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	f.Mint("alice", "100")
	preapprove(t, f, "bob")

	for n := uint64(0); n < 5; n++ {
		id := create(t, p, newCommand(f, "1", n))

		var inputs []ledger.ContractID
		for _, in := range f.Holdings("alice") {
			inputs = append(inputs, in.ID)
		}

		res, err := p.Send(ctx, id, delegate, inputs, f.FactoryExtra(choicecontext.KindTransferFactory))
		require.NoError(t, err)
		require.IsType(t, command.Succeeded{}, res)
		assert.Equal(t, n+1, nextNonce(t, p, "alice"))
	}

	assert.True(t, f.Total("bob").Equal(registrytest.D("5")))
}

func TestSend_ExpiredKeepsNonce(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	h := f.Mint("alice", "100")
	preapprove(t, f, "bob")

	id := create(t, p, newCommand(f, "10", 0))

	expired, err := p.Expired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	require.ErrorIs(t, p.Expire(ctx, id), constant.ErrInvalidStatus)

	f.Clock.Advance(time.Hour)

	_, err = p.Send(ctx, id, delegate, []ledger.ContractID{h}, choicecontext.NoExtra())
	require.ErrorIs(t, err, constant.ErrCommandExpired)
	assert.Equal(t, uint64(0), nextNonce(t, p, "alice"))
	assert.True(t, f.Store.Active(id))

	expired, err = p.Expired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.ContractID{id}, expired)

	require.NoError(t, p.Expire(ctx, id))
	assert.False(t, f.Store.Active(id))
	assert.True(t, f.Total("alice").Equal(registrytest.D("100")))

	require.True(t, ledger.IsStale(p.Expire(ctx, id)))
}

func TestSend_StaleAfterExpiryIsDiscarded(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	h := f.Mint("alice", "100")
	preapprove(t, f, "bob")

	first := create(t, p, newCommand(f, "10", 0))
	replay := create(t, p, newCommand(f, "10", 0))

	res, err := p.Send(ctx, first, delegate, []ledger.ContractID{h}, f.FactoryExtra(choicecontext.KindTransferFactory))
	require.NoError(t, err)

	change := res.(command.Succeeded).SenderChange

	f.Clock.Advance(time.Hour)

	res, err = p.Send(ctx, replay, delegate, change, choicecontext.NoExtra())
	require.NoError(t, err)

	failed, isFailed := res.(command.Failed)
	require.True(t, isFailed, "got %T", res)
	assert.Equal(t, constant.ErrStaleNonce.Error(), failed.Code)
	assert.False(t, f.Store.Active(replay))
	assert.Equal(t, uint64(1), nextNonce(t, p, "alice"))
	assert.True(t, f.Total("bob").Equal(registrytest.D("10")))
}

func TestWithdraw(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	p := newProcessor(t, f)
	ctx := context.Background()

	id := create(t, p, newCommand(f, "10", 0))

	require.ErrorIs(t, p.Withdraw(ctx, id, delegate), constant.ErrUnauthorizedActor)
	assert.True(t, f.Store.Active(id))

	require.NoError(t, p.Withdraw(ctx, id, "alice"))
	assert.False(t, f.Store.Active(id))
	assert.Equal(t, uint64(0), nextNonce(t, p, "alice"))

	var withdrawn bool
	for _, ev := range f.Store.Events() {
		if ev.EventType == command.EventWithdrawn {
			withdrawn = true
		}
	}

	assert.True(t, withdrawn)
}
