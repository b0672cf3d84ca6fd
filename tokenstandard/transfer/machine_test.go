//go:build unit

package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry/registrytest"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T, f *registrytest.Fixture, opts ...transfer.Option) *transfer.Machine {
	t.Helper()

	m, err := transfer.NewMachine(registrytest.Admin, f.Registry, opts...)
	require.NoError(t, err)

	return m
}

func initiate(f *registrytest.Fixture, m *transfer.Machine, spec transfer.Specification, actor string) (transfer.Result, error) {
	extra := f.FactoryExtra(choicecontext.KindTransferFactory)

	var res transfer.Result

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = m.Initiate(ctx, tx, spec, actor, extra)

		return err
	})

	return res, err
}

func execute(f *registrytest.Fixture, m *transfer.Machine, id ledger.ContractID, actor string, holdings []ledger.ContractID) (transfer.Result, error) {
	extra := f.Extra(choicecontext.KindTransferExecute, id)

	var res transfer.Result

	err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = m.ExecuteDelegated(ctx, tx, id, actor, holdings, extra)

		return err
	})

	return res, err
}

func fetchInstruction(t *testing.T, f *registrytest.Fixture, id ledger.ContractID) transfer.Instruction {
	t.Helper()

	var inst transfer.Instruction

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		inst, err = ledger.FetchAs[transfer.Instruction](ctx, tx, transfer.TemplateInstruction, id)

		return err
	}))

	return inst
}

func pendingID(t *testing.T, res transfer.Result) ledger.ContractID {
	t.Helper()

	p, ok := res.(transfer.Pending)
	require.True(t, ok, "expected Pending, got %T", res)

	return p.InstructionID
}

func TestNewMachine_Validation(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)

	_, err := transfer.NewMachine(" ", f.Registry)
	require.ErrorIs(t, err, transfer.ErrAdminRequired)

	_, err = transfer.NewMachine(registrytest.Admin, nil)
	require.ErrorIs(t, err, transfer.ErrPrimitivesRequired)
}

func TestInitiate_SynchronousHappyPath(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		HoldingIDs:    []ledger.ContractID{h},
	}, "alice")
	require.NoError(t, err)

	done, ok := res.(transfer.Completed)
	require.True(t, ok, "expected Completed, got %T", res)
	assert.Len(t, done.ReceiverHoldings, 1)
	assert.Len(t, done.SenderChange, 1)

	assert.Equal(t, "90", f.Total("alice").String())
	assert.Equal(t, "10", f.Total("bob").String())
	assert.Zero(t, f.Store.Count(transfer.TemplateInstruction))
	assert.False(t, f.Store.Active(h))
}

func TestInitiate_SynchronousDeductsTransferFee(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t, registrytest.WithFees("0.01", "0"))
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	_, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		HoldingIDs:    []ledger.ContractID{h},
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, "90", f.Total("alice").String())
	assert.Equal(t, "9.9", f.Total("bob").String())
}

func TestInitiate_Rejections(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")
	before := registrytest.Start.Add(time.Hour)

	tests := []struct {
		name  string
		spec  transfer.Specification
		actor string
		want  error
	}{
		{
			name:  "deadline reached",
			spec:  transfer.Specification{Transfer: f.Transfer("alice", "bob", "10"), ExecuteBefore: registrytest.Start, HoldingIDs: []ledger.ContractID{h}},
			actor: "alice",
			want:  constant.ErrDeadlineExceeded,
		},
		{
			name:  "missing holdings",
			spec:  transfer.Specification{Transfer: f.Transfer("alice", "bob", "10"), ExecuteBefore: before},
			actor: "alice",
			want:  constant.ErrMissingHoldings,
		},
		{
			name:  "not the sender",
			spec:  transfer.Specification{Transfer: f.Transfer("alice", "bob", "10"), ExecuteBefore: before, HoldingIDs: []ledger.ContractID{h}},
			actor: "mallory",
			want:  constant.ErrUnauthorizedActor,
		},
		{
			name:  "insufficient funds",
			spec:  transfer.Specification{Transfer: f.Transfer("alice", "bob", "150"), ExecuteBefore: before, HoldingIDs: []ledger.ContractID{h}},
			actor: "alice",
			want:  constant.ErrInsufficientFunds,
		},
		{
			name:  "zero amount",
			spec:  transfer.Specification{Transfer: f.Transfer("alice", "bob", "0"), ExecuteBefore: before, HoldingIDs: []ledger.ContractID{h}},
			actor: "alice",
			want:  constant.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := initiate(f, m, tt.spec, tt.actor)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, "100", f.Total("alice").String(), "rejected transfers must not move value")
	assert.True(t, f.Store.Active(h))
}

func TestInitiate_ForeignInstrument(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	tr := f.Transfer("alice", "bob", "10")
	tr.Instrument.Admin = "other-registry"

	_, err := initiate(f, m, transfer.Specification{Transfer: tr, ExecuteBefore: registrytest.Start.Add(time.Hour), HoldingIDs: []ledger.ContractID{h}}, "alice")
	require.ErrorIs(t, err, constant.ErrInstrumentNotFound)
}

func TestDelegated_ExecuteOnce(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	id := pendingID(t, res)
	assert.Equal(t, transfer.StatusPendingExecution, fetchInstruction(t, f, id).Status.StatusName())
	assert.Equal(t, "100", f.Total("alice").String(), "a delegated instruction locks nothing")

	res, err = execute(f, m, id, "dave", []ledger.ContractID{h})
	require.NoError(t, err)
	assert.IsType(t, transfer.Completed{}, res)

	assert.Equal(t, "90", f.Total("alice").String())
	assert.Equal(t, "10", f.Total("bob").String())
	assert.False(t, f.Store.Active(id))

	outcome, err := m.Outcome(context.Background(), f.Store, id)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.ExecuteDelegated(ctx, tx, id, "dave", []ledger.ContractID{h}, choicecontext.NoExtra())
		return err
	})
	require.Error(t, err)
	assert.True(t, ledger.IsStale(err), "second execute must observe the archived instruction: %v", err)
	assert.Equal(t, "10", f.Total("bob").String())
}

func TestDelegated_ExecuteRejections(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")
	h2 := f.Mint("alice", "50")

	withHoldings, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		HoldingIDs:    []ledger.ContractID{h},
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	withoutHoldings, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	tests := []struct {
		name     string
		id       ledger.ContractID
		actor    string
		holdings []ledger.ContractID
		want     error
	}{
		{name: "conflicting holding sources", id: pendingID(t, withHoldings), actor: "dave", holdings: []ledger.ContractID{h2}, want: constant.ErrConflictingHoldings},
		{name: "no holdings at all", id: pendingID(t, withoutHoldings), actor: "dave", want: constant.ErrMissingHoldings},
		{name: "not the delegate", id: pendingID(t, withoutHoldings), actor: "eve", holdings: []ledger.ContractID{h2}, want: constant.ErrUnauthorizedActor},
		{name: "sender is not the delegate", id: pendingID(t, withoutHoldings), actor: "alice", holdings: []ledger.ContractID{h2}, want: constant.ErrUnauthorizedActor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(f, m, tt.id, tt.actor, tt.holdings)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, "150", f.Total("alice").String())
}

func TestDelegated_DeadlineEnforcedForEveryCaller(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	id := pendingID(t, res)

	f.Clock.Advance(time.Hour)

	_, err = execute(f, m, id, "dave", []ledger.ContractID{h})
	require.ErrorIs(t, err, constant.ErrDeadlineExceeded)
	assert.True(t, f.Store.Active(id), "expired instructions stay until someone aborts them")
}

func TestDelegated_StaleContextIsRejected(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t, registrytest.WithContextTTL(time.Minute))
	m := newMachine(t, f)
	h := f.Mint("alice", "100")

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	id := pendingID(t, res)
	extra := f.Extra(choicecontext.KindTransferExecute, id)

	f.Clock.Advance(2 * time.Minute)

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.ExecuteDelegated(ctx, tx, id, "dave", []ledger.ContractID{h}, extra)
		return err
	})
	require.ErrorIs(t, err, constant.ErrContextExpired)

	_, err = execute(f, m, id, "dave", []ledger.ContractID{h})
	require.NoError(t, err, "a refreshed context succeeds")
}

func TestAbort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		actor      string
		reason     string
		wantReason string
		wantErr    error
	}{
		{name: "sender", actor: "alice", wantReason: "aborted by alice"},
		{name: "admin with reason", actor: registrytest.Admin, reason: "compliance hold", wantReason: "compliance hold"},
		{name: "delegate", actor: "dave", wantReason: "aborted by dave"},
		{name: "receiver may not abort", actor: "bob", wantErr: constant.ErrUnauthorizedActor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := registrytest.New(t)
			m := newMachine(t, f)
			h := f.Mint("alice", "100")

			res, err := initiate(f, m, transfer.Specification{
				Transfer:      f.Transfer("alice", "bob", "10"),
				ExecuteBefore: registrytest.Start.Add(time.Hour),
				Delegate:      "dave",
			}, "alice")
			require.NoError(t, err)

			id := pendingID(t, res)

			err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
				res, err = m.Abort(ctx, tx, id, tt.actor, tt.reason, choicecontext.NoExtra())
				return err
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, f.Store.Active(id))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, transfer.Aborted{Reason: tt.wantReason}, res)

			outcome, err := m.Outcome(context.Background(), f.Store, id)
			require.NoError(t, err)
			assert.False(t, outcome.Succeeded())
			assert.Equal(t, tt.wantReason, outcome.Reason)

			err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
				_, err := m.ExecuteDelegated(ctx, tx, id, "dave", []ledger.ContractID{h}, choicecontext.NoExtra())
				return err
			})
			assert.True(t, ledger.IsStale(err), "no execution after abort: %v", err)
			assert.Equal(t, "100", f.Total("alice").String())
		})
	}
}

func TestPreparatoryActions(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f, transfer.WithPreparationPolicy(f.Registry))
	h := f.Mint("alice", "100")

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	id := pendingID(t, res)

	status, ok := fetchInstruction(t, f, id).Status.(transfer.PendingPreparatoryAction)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"bob": "accept transfer"}, status.Actions)

	_, err = execute(f, m, id, "dave", []ledger.ContractID{h})
	require.ErrorIs(t, err, constant.ErrInvalidStatus)

	var ready ledger.ContractID

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		_, err := m.CompletePreparatoryAction(ctx, tx, id, "alice", "bob")
		return err
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		ready, err = m.CompletePreparatoryAction(ctx, tx, id, registrytest.Admin, "bob")

		return err
	}))

	inst := fetchInstruction(t, f, ready)
	assert.Equal(t, transfer.StatusPendingExecution, inst.Status.StatusName())
	assert.Equal(t, id, inst.Origin)

	_, err = execute(f, m, ready, "dave", []ledger.ContractID{h})
	require.NoError(t, err)

	outcome, err := m.Outcome(context.Background(), f.Store, id)
	require.NoError(t, err, "the outcome is reachable through the original id")
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, ready, outcome.InstructionID)
}

func TestPreparatoryActions_SkippedForPreapprovedReceiver(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f, transfer.WithPreparationPolicy(f.Registry))

	_, err := f.Registry.CreatePreapproval(context.Background(), "bob", f.Instrument)
	require.NoError(t, err)

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, transfer.StatusPendingExecution, fetchInstruction(t, f, pendingID(t, res)).Status.StatusName())
}

func TestReportSuccessAndMarkFailed(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	spec := transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}

	first, err := initiate(f, m, spec, "alice")
	require.NoError(t, err)

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		return m.ReportSuccess(ctx, tx, pendingID(t, first), "alice", choicecontext.NoExtra())
	})
	require.ErrorIs(t, err, constant.ErrUnauthorizedActor)

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		return m.ReportSuccess(ctx, tx, pendingID(t, first), registrytest.Admin, choicecontext.NoExtra())
	}))

	outcome, err := m.Outcome(context.Background(), f.Store, pendingID(t, first))
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	second, err := initiate(f, m, spec, "alice")
	require.NoError(t, err)

	var failed ledger.ContractID

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		failed, err = m.MarkFailed(ctx, tx, pendingID(t, second), registrytest.Admin, "receiver rejected")

		return err
	}))

	err = f.Run(func(ctx context.Context, tx ledger.Tx) error {
		return m.ReportSuccess(ctx, tx, failed, registrytest.Admin, choicecontext.NoExtra())
	})
	require.ErrorIs(t, err, constant.ErrInvalidStatus)

	var res transfer.Result

	require.NoError(t, f.Run(func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = m.Abort(ctx, tx, failed, "alice", "", choicecontext.NoExtra())

		return err
	}))
	assert.Equal(t, transfer.Aborted{Reason: "receiver rejected"}, res)
}

func TestExpireInstruction(t *testing.T) {
	t.Parallel()

	f := registrytest.New(t)
	m := newMachine(t, f)

	res, err := initiate(f, m, transfer.Specification{
		Transfer:      f.Transfer("alice", "bob", "10"),
		ExecuteBefore: registrytest.Start.Add(time.Hour),
		Delegate:      "dave",
	}, "alice")
	require.NoError(t, err)

	id := pendingID(t, res)
	expire := func() (transfer.Result, error) {
		var out transfer.Result

		err := f.Run(func(ctx context.Context, tx ledger.Tx) error {
			var err error
			out, err = m.ExpireInstruction(ctx, tx, id)

			return err
		})

		return out, err
	}

	_, err = expire()
	require.ErrorIs(t, err, transfer.ErrNotExpired)

	f.Clock.Advance(time.Hour)

	res, err = expire()
	require.NoError(t, err)
	assert.Equal(t, transfer.Aborted{Reason: transfer.ReasonExpired}, res)

	outcome, err := m.Outcome(context.Background(), f.Store, id)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeFailed, outcome.Status)

	var kinds []string
	for _, e := range f.Store.Events() {
		kinds = append(kinds, e.EventType)
	}

	assert.Contains(t, kinds, transfer.EventFailed)
}
