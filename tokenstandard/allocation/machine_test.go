//go:build unit

package allocation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/allocation"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry/registrytest"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const executor = "venue"

var (
	allocateBefore = registrytest.Start.Add(time.Hour)
	settleBefore   = registrytest.Start.Add(2 * time.Hour)
)

func newMachine(t *testing.T, f *registrytest.Fixture) *allocation.Machine {
	t.Helper()

	m, err := allocation.NewMachine(registrytest.Admin, f.Registry)
	require.NoError(t, err)

	return m
}

func leg(f *registrytest.Fixture, id int, sender, receiver, amount string) allocation.Specification {
	return allocation.Specification{
		Settlement: allocation.SettlementInfo{
			Executor:       executor,
			Settlement:     allocation.Reference{ID: "trade-1"},
			RequestedAt:    registrytest.Start,
			AllocateBefore: allocateBefore,
			SettleBefore:   settleBefore,
		},
		TransferLegID: id,
		Leg:           f.Transfer(sender, receiver, amount),
	}
}

func allocate(t *testing.T, f *registrytest.Fixture, m *allocation.Machine, spec allocation.Specification, inputs ...ledger.ContractID) allocation.Completed {
	t.Helper()

	extra := f.FactoryExtra(choicecontext.KindAllocationFactory)

	var out allocation.Outcome

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = m.Allocate(ctx, tx, spec, spec.Leg.Sender, inputs, extra)

		return err
	}))

	done, ok := out.(allocation.Completed)
	require.True(t, ok, "got %T", out)

	return done
}

func fetch[T any](t *testing.T, f *registrytest.Fixture, template ledger.TemplateID, id ledger.ContractID) T {
	t.Helper()

	var v T

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		v, err = ledger.FetchAs[T](ctx, tx, template, id)

		return err
	}))

	return v
}

func TestNewMachine(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)

	_, err := allocation.NewMachine("", f.Registry)
	require.ErrorIs(t, err, allocation.ErrAdminRequired)

	_, err = allocation.NewMachine(registrytest.Admin, nil)
	require.ErrorIs(t, err, allocation.ErrPrimitivesRequired)

	_, err = allocation.NewMachine(registrytest.Admin, f.Registry, allocation.WithReserveMultiplier(decimal.RequireFromString("0.5")))
	require.ErrorIs(t, err, constant.ErrInvalidSpecification)

	m, err := allocation.NewMachine(registrytest.Admin, f.Registry)
	require.NoError(t, err)
	assert.True(t, m.ReserveMultiplier().Equal(allocation.DefaultReserveMultiplier))
	assert.Equal(t, registrytest.Admin, m.Admin())
}

func TestAllocate_LocksAmountPlusReserve(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t, registrytest.WithFees("0.01", "0.5"))
	m := newMachine(t, f)

	h := f.Mint("alice", "100")
	spec := leg(f, 0, "alice", "bob", "10")

	done := allocate(t, f, m, spec, h)
	require.NotEmpty(t, done.AllocationID)
	require.Len(t, done.SenderChange, 1)

	// (0.10 transfer fee + 0.5 holding fee) * 3
	a := fetch[allocation.Allocation](t, f, allocation.TemplateAllocation, done.AllocationID)
	assert.True(t, a.Reserve.Equal(registrytest.D("1.8")), "reserve %s", a.Reserve)
	assert.Equal(t, done.LockedHolding, a.LockedHolding)
	assert.True(t, a.Spec.Equal(spec))

	locked := fetch[token.Holding](t, f, token.TemplateHolding, done.LockedHolding)
	require.NotNil(t, locked.Lock)
	assert.True(t, locked.Amount.Equal(registrytest.D("11.8")))
	assert.Equal(t, []string{registrytest.Admin}, locked.Lock.Holders)
	require.NotNil(t, locked.Lock.ExpiresAt)
	assert.True(t, locked.Lock.ExpiresAt.Equal(settleBefore))

	b := f.Balance("alice")
	assert.True(t, b.Locked.Equal(registrytest.D("11.8")))
	assert.True(t, b.Unlocked.Equal(registrytest.D("88.2")))
	assert.False(t, f.Store.Active(h))
}

func TestAllocate_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		actor   string
		advance time.Duration
		edit    func(*allocation.Specification)
		want    error
	}{
		{
			name:  "actor is not the sender",
			actor: "bob",
			edit:  func(*allocation.Specification) {},
			want:  constant.ErrUnauthorizedActor,
		},
		{
			name:    "at allocateBefore",
			actor:   "alice",
			advance: time.Hour,
			edit:    func(*allocation.Specification) {},
			want:    constant.ErrDeadlineExceeded,
		},
		{
			name:  "foreign instrument",
			actor: "alice",
			edit:  func(s *allocation.Specification) { s.Leg.Instrument.Admin = "other-registry" },
			want:  constant.ErrInstrumentNotFound,
		},
		{
			name:  "insufficient funds",
			actor: "alice",
			edit:  func(s *allocation.Specification) { s.Leg.Amount = registrytest.D("200") },
			want:  constant.ErrInsufficientFunds,
		},
		{
			name:  "settleBefore ahead of allocateBefore",
			actor: "alice",
			edit:  func(s *allocation.Specification) { s.Settlement.SettleBefore = registrytest.Start.Add(time.Minute) },
			want:  constant.ErrInvalidSpecification,
		},
		{
			name:  "missing executor",
			actor: "alice",
			edit:  func(s *allocation.Specification) { s.Settlement.Executor = "" },
			want:  constant.ErrInvalidSpecification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t)
			m := newMachine(t, f)

			h := f.Mint("alice", "100")
			spec := leg(f, 0, "alice", "bob", "10")
			tt.edit(&spec)

			f.Clock.Advance(tt.advance)
			extra := f.FactoryExtra(choicecontext.KindAllocationFactory)

			err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
				_, err := m.Allocate(ctx, tx, spec, tt.actor, []ledger.ContractID{h}, extra)
				return err
			})
			require.ErrorIs(t, err, tt.want)

			assert.True(t, f.Store.Active(h))
			assert.Zero(t, f.Store.Count(allocation.TemplateAllocation))
		})
	}
}

func TestExecuteTransfer(t *testing.T) {
	t.Parallel()

	for _, actor := range []string{executor, "alice", "bob"} {
		t.Run(actor, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t, registrytest.WithFees("0.01", "0.5"))
			m := newMachine(t, f)

			done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
			extra := f.Extra(choicecontext.KindAllocationExecuteTransfer, done.AllocationID)

			var res allocation.ExecuteResult

			require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
				var err error
				res, err = m.ExecuteTransfer(ctx, tx, done.AllocationID, actor, extra)

				return err
			}))

			assert.Len(t, res.ReceiverHoldings, 1)
			assert.Len(t, res.SenderHoldings, 1)
			assert.False(t, f.Store.Active(done.AllocationID))
			assert.False(t, f.Store.Active(done.LockedHolding))

			// bob gets 10 less the 0.10 transfer fee; alice pays the 0.5
			// holding fee and recovers the rest of the reserve.
			assert.True(t, f.Total("bob").Equal(registrytest.D("9.9")), "bob %s", f.Total("bob"))
			assert.True(t, f.Total("alice").Equal(registrytest.D("89.5")), "alice %s", f.Total("alice"))
			assert.True(t, f.Balance("alice").Locked.IsZero())
		})
	}
}

func TestExecuteTransfer_Unauthorized(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
	extra := f.Extra(choicecontext.KindAllocationExecuteTransfer, done.AllocationID)

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.ExecuteTransfer(ctx, tx, done.AllocationID, "mallory", extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)
	assert.True(t, f.Store.Active(done.AllocationID))
}

func TestExecuteTransfer_AfterSettleBefore(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))

	f.Clock.Set(settleBefore)

	extra := f.Extra(choicecontext.KindAllocationExecuteTransfer, done.AllocationID)

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.ExecuteTransfer(ctx, tx, done.AllocationID, executor, extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrDeadlineExceeded)
	require.ErrorIs(t, err, allocation.ErrSettlementExpired)
	assert.True(t, f.Store.Active(done.AllocationID))
	assert.True(t, f.Total("bob").IsZero())

	// The executor can still release the funds back to alice.
	cancel := f.Extra(choicecontext.KindAllocationCancel, done.AllocationID)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.Cancel(ctx, tx, done.AllocationID, executor, cancel)
		return err
	}))

	b := f.Balance("alice")
	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Unlocked.Equal(registrytest.D("100")))
}

func TestExecuteTransfer_AfterSettleBeforeWhenSenderIsAdmin(t *testing.T) {
	t.Parallel()

	for _, actor := range []string{executor, registrytest.Admin, "bob"} {
		t.Run(actor, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t)
			m := newMachine(t, f)

			done := allocate(t, f, m, leg(f, 0, registrytest.Admin, "bob", "10"), f.Mint(registrytest.Admin, "100"))

			f.Clock.Set(settleBefore.Add(time.Second))

			extra := f.Extra(choicecontext.KindAllocationExecuteTransfer, done.AllocationID)

			err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
				_, err := m.ExecuteTransfer(ctx, tx, done.AllocationID, actor, extra)
				return err
			})
			require.ErrorIs(t, err, allocation.ErrSettlementExpired)
			assert.True(t, f.Store.Active(done.AllocationID))
			assert.True(t, f.Total("bob").IsZero())
		})
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
	extra := f.Extra(choicecontext.KindAllocationCancel, done.AllocationID)

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.Cancel(ctx, tx, done.AllocationID, "alice", extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	var res allocation.ReleaseResult

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = m.Cancel(ctx, tx, done.AllocationID, executor, extra)

		return err
	}))

	require.Len(t, res.SenderHoldings, 1)
	assert.False(t, f.Store.Active(done.AllocationID))

	released := fetch[token.Holding](t, f, token.TemplateHolding, res.SenderHoldings[0])
	assert.Nil(t, released.Lock)
	assert.Equal(t, "alice", released.Owner)
	assert.True(t, f.Total("alice").Equal(registrytest.D("100")))
}

func TestWithdraw(t *testing.T) {
	t.Parallel()

	t.Run("sender before allocateBefore", func(t *testing.T) {
		t.Parallel()

		f := registrytest.New(t)
		m := newMachine(t, f)

		done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
		extra := f.Extra(choicecontext.KindAllocationWithdraw, done.AllocationID)

		err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Withdraw(ctx, tx, done.AllocationID, executor, extra)
			return err
		})
		require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

		require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Withdraw(ctx, tx, done.AllocationID, "alice", extra)
			return err
		}))

		assert.False(t, f.Store.Active(done.AllocationID))
		assert.True(t, f.Balance("alice").Unlocked.Equal(registrytest.D("100")))
	})

	t.Run("sender at allocateBefore", func(t *testing.T) {
		t.Parallel()

		f := registrytest.New(t)
		m := newMachine(t, f)

		done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))

		f.Clock.Set(allocateBefore)

		extra := f.Extra(choicecontext.KindAllocationWithdraw, done.AllocationID)

		err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Withdraw(ctx, tx, done.AllocationID, "alice", extra)
			return err
		})
		require.ErrorIs(t, err, constant.ErrDeadlineExceeded)
		assert.True(t, f.Store.Active(done.AllocationID))
	})
}

func TestAllocation_ConsumedOnce(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
	extra := f.Extra(choicecontext.KindAllocationExecuteTransfer, done.AllocationID)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.ExecuteTransfer(ctx, tx, done.AllocationID, executor, extra)
		return err
	}))

	ops := map[string]func(ctx context.Context, tx ledger.Tx) error{
		"execute": func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.ExecuteTransfer(ctx, tx, done.AllocationID, executor, choicecontext.NoExtra())
			return err
		},
		"cancel": func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Cancel(ctx, tx, done.AllocationID, executor, choicecontext.NoExtra())
			return err
		},
		"withdraw": func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Withdraw(ctx, tx, done.AllocationID, "alice", choicecontext.NoExtra())
			return err
		},
	}

	for name, op := range ops {
		assert.True(t, ledger.IsStale(f.Run(op)), name)
	}

	assert.True(t, f.Total("bob").Equal(registrytest.D("10")))
}

func TestAllocation_ExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	done := allocate(t, f, m, leg(f, 0, "alice", "bob", "10"), f.Mint("alice", "100"))
	id := done.AllocationID

	executeExtra := f.Extra(choicecontext.KindAllocationExecuteTransfer, id)
	cancelExtra := f.Extra(choicecontext.KindAllocationCancel, id)
	withdrawExtra := f.Extra(choicecontext.KindAllocationWithdraw, id)

	ops := []func(ctx context.Context, tx ledger.Tx) error{
		func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.ExecuteTransfer(ctx, tx, id, executor, executeExtra)
			return err
		},
		func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Cancel(ctx, tx, id, executor, cancelExtra)
			return err
		},
		func(ctx context.Context, tx ledger.Tx) error {
			_, err := m.Withdraw(ctx, tx, id, "alice", withdrawExtra)
			return err
		},
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(ops))
	)

	for i, op := range ops {
		wg.Add(1)

		go func(i int, op func(ctx context.Context, tx ledger.Tx) error) {
			defer wg.Done()
			<-start

			errs[i] = f.Run(op)
		}(i, op)
	}

	close(start)
	wg.Wait()

	var succeeded int

	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}

		assert.True(t, ledger.IsStale(err), "unexpected error: %v", err)
	}

	assert.Equal(t, 1, succeeded)
	assert.False(t, f.Store.Active(id))

	// Value is conserved whichever operation won.
	total := f.Total("alice").Add(f.Total("bob"))
	assert.True(t, total.Equal(registrytest.D("100")), "total %s", total)
}

func TestDelegatedAllocation(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	h := f.Mint("alice", "100")
	spec := leg(f, 1, "alice", "bob", "10")
	delegation := f.FactoryExtra(choicecontext.KindAllocationDelegationFactory)

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.DelegateAllocate(ctx, tx, spec, "alice", " ", delegation)
		return err
	})
	require.ErrorIs(t, err, constant.ErrInvalidSpecification)

	var out allocation.Outcome

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = m.DelegateAllocate(ctx, tx, spec, "alice", "dave", delegation)

		return err
	}))

	pending, ok := out.(allocation.Pending)
	require.True(t, ok, "got %T", out)

	inst := fetch[allocation.Instruction](t, f, allocation.TemplateInstruction, pending.InstructionID)
	assert.Equal(t, allocation.PendingAction{Actor: "dave", Description: "select and lock holdings for the leg"}, inst.Status)
	assert.True(t, f.Store.Active(h), "nothing is locked until the delegate acts")

	extra := f.FactoryExtra(choicecontext.KindAllocationFactory)

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.AllocateFromInstruction(ctx, tx, pending.InstructionID, "alice", []ledger.ContractID{h}, extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = m.AllocateFromInstruction(ctx, tx, pending.InstructionID, "dave", []ledger.ContractID{h}, extra)

		return err
	}))

	done, ok := out.(allocation.Completed)
	require.True(t, ok, "got %T", out)
	assert.False(t, f.Store.Active(pending.InstructionID))
	assert.True(t, f.Store.Active(done.AllocationID))

	var view allocation.Specification

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		view, err = m.View(ctx, tx, done.AllocationID)

		return err
	}))

	assert.True(t, view.Equal(spec))
}

func TestDeclineAndWithdrawInstruction(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	h := f.Mint("alice", "100")
	spec := leg(f, 0, "alice", "bob", "10")
	delegation := f.FactoryExtra(choicecontext.KindAllocationDelegationFactory)

	var out allocation.Outcome

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = m.DelegateAllocate(ctx, tx, spec, "alice", "dave", delegation)

		return err
	}))

	pendingID := out.(allocation.Pending).InstructionID

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.DeclineInstruction(ctx, tx, pendingID, "bob", "no")
		return err
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = m.DeclineInstruction(ctx, tx, pendingID, "dave", "")

		return err
	}))

	failed, ok := out.(allocation.Failed)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "declined by dave", failed.Reason)
	assert.False(t, f.Store.Active(pendingID))

	inst := fetch[allocation.Instruction](t, f, allocation.TemplateInstruction, failed.InstructionID)
	assert.Equal(t, allocation.InstructionFailed{Reason: "declined by dave"}, inst.Status)

	extra := f.FactoryExtra(choicecontext.KindAllocationFactory)

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.AllocateFromInstruction(ctx, tx, failed.InstructionID, "dave", []ledger.ContractID{h}, extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrInvalidStatus)

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		return m.WithdrawInstruction(ctx, tx, failed.InstructionID, "dave")
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		return m.WithdrawInstruction(ctx, tx, failed.InstructionID, "alice")
	}))

	assert.Zero(t, f.Store.Count(allocation.TemplateInstruction))
	assert.True(t, f.Store.Active(h))
}
