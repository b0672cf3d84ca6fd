package allocation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAdminRequired is returned by NewMachine without an admin party.
	ErrAdminRequired = errors.New("allocation: admin party is required")
	// ErrPrimitivesRequired is returned by NewMachine without primitives.
	ErrPrimitivesRequired = errors.New("allocation: token primitives are required")
)

// Option configures a Machine.
type Option func(*Machine)

// WithReserveMultiplier sets the factor applied to estimated fees. Values
// below one make NewMachine fail.
func WithReserveMultiplier(m decimal.Decimal) Option {
	return func(mc *Machine) { mc.multiplier = m }
}

// Machine guards every allocation transition and delegates the accounting
// to the registry's primitives.
type Machine struct {
	admin      string
	primitives token.Primitives
	multiplier decimal.Decimal
}

// NewMachine returns a machine for allocations administered by admin.
func NewMachine(admin string, primitives token.Primitives, opts ...Option) (*Machine, error) {
	if strings.TrimSpace(admin) == "" {
		return nil, ErrAdminRequired
	}

	if primitives == nil {
		return nil, ErrPrimitivesRequired
	}

	m := &Machine{admin: admin, primitives: primitives, multiplier: DefaultReserveMultiplier}

	for _, opt := range opts {
		opt(m)
	}

	if m.multiplier.LessThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidMultiplier
	}

	return m, nil
}

// Admin returns the administering party.
func (m *Machine) Admin() string { return m.admin }

// ReserveMultiplier returns the configured fee reserve factor.
func (m *Machine) ReserveMultiplier() decimal.Decimal { return m.multiplier }

// Allocate locks the leg amount plus a fee reserve out of inputs. The lock
// is held by the admin and expires at settleBefore.
func (m *Machine) Allocate(ctx context.Context, tx ledger.Tx, spec Specification, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Outcome, error) {
	ctx, span, done := m.track(ctx, "allocation.allocate", actor)
	defer span.End()

	out, err := m.allocateAsSender(ctx, tx, spec, actor, inputs, extra)
	done("allocated", err)

	return out, err
}

func (m *Machine) allocateAsSender(ctx context.Context, tx ledger.Tx, spec Specification, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Outcome, error) {
	if actor != spec.Leg.Sender {
		return nil, fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
	}

	if err := m.check(tx, spec, extra); err != nil {
		return nil, err
	}

	done, err := m.allocate(ctx, tx, spec, inputs, extra)
	if err != nil {
		return nil, err
	}

	return done, nil
}

func (m *Machine) check(tx ledger.Tx, spec Specification, extra choicecontext.ExtraArgs) error {
	if spec.Leg.Instrument.Admin != m.admin {
		return token.NewDomainError(constant.ErrInstrumentNotFound, "transferLeg.instrumentId", "instrument is administered by another registry")
	}

	now := tx.Now()

	if err := spec.Validate(now); err != nil {
		return err
	}

	return extra.Validate(now)
}

// Reserve returns the fee reserve locked for a leg under the schedule named
// by c.
func (m *Machine) Reserve(ctx context.Context, tx ledger.Tx, leg token.Transfer, c choicecontext.ChoiceContext) (decimal.Decimal, error) {
	estimate, err := m.primitives.EstimateFees(ctx, tx, leg, c)
	if err != nil {
		return decimal.Zero, err
	}

	return estimate.Total().Mul(m.multiplier), nil
}

func (m *Machine) allocate(ctx context.Context, tx ledger.Tx, spec Specification, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Completed, error) {
	reserve, err := m.Reserve(ctx, tx, spec.Leg, extra.Context)
	if err != nil {
		return Completed{}, err
	}

	settleBefore := spec.Settlement.SettleBefore

	receipt, err := m.primitives.Lock(ctx, tx, token.LockRequest{
		Owner:      spec.Leg.Sender,
		Instrument: spec.Leg.Instrument,
		Amount:     spec.Leg.Amount.Add(reserve),
		Inputs:     inputs,
		Lock: token.Lock{
			Holders:   []string{m.admin},
			ExpiresAt: &settleBefore,
			Context:   fmt.Sprintf("allocation for leg %d of settlement %s", spec.TransferLegID, spec.Settlement.Settlement.ID),
		},
		Context: extra.Context,
		Meta:    extra.Meta,
	})
	if err != nil {
		return Completed{}, err
	}

	id, err := tx.Create(ctx, TemplateAllocation, "", Allocation{
		Spec:          spec,
		Admin:         m.admin,
		LockedHolding: receipt.Locked,
		Reserve:       reserve,
		Meta:          extra.Meta,
	})
	if err != nil {
		return Completed{}, err
	}

	if err := tx.Emit(ctx, EventAllocated, string(id), map[string]any{
		"settlement": spec.Settlement.Settlement.ID, "leg": spec.TransferLegID, "reserve": reserve.String(),
	}); err != nil {
		return Completed{}, err
	}

	return Completed{AllocationID: id, LockedHolding: receipt.Locked, SenderChange: receipt.Change}, nil
}

// DelegateAllocate defers holding selection for a leg to delegate.
func (m *Machine) DelegateAllocate(ctx context.Context, tx ledger.Tx, spec Specification, actor, delegate string, extra choicecontext.ExtraArgs) (Outcome, error) {
	ctx, span, done := m.track(ctx, "allocation.delegate_allocate", actor)
	defer span.End()

	out, err := m.delegateAllocate(ctx, tx, spec, actor, delegate, extra)
	done("delegated", err)

	return out, err
}

func (m *Machine) delegateAllocate(ctx context.Context, tx ledger.Tx, spec Specification, actor, delegate string, extra choicecontext.ExtraArgs) (Outcome, error) {
	if actor != spec.Leg.Sender {
		return nil, fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
	}

	if strings.TrimSpace(delegate) == "" {
		return nil, token.NewDomainError(constant.ErrInvalidSpecification, "delegate", "delegate is required")
	}

	if err := m.check(tx, spec, extra); err != nil {
		return nil, err
	}

	inst := Instruction{
		Spec:     spec,
		Delegate: delegate,
		Admin:    m.admin,
		Status:   PendingAction{Actor: delegate, Description: "select and lock holdings for the leg"},
		Meta:     extra.Meta,
	}

	id, err := tx.Create(ctx, TemplateInstruction, "", inst)
	if err != nil {
		return nil, err
	}

	return Pending{InstructionID: id}, tx.Emit(ctx, EventInstructionCreated, string(id), map[string]any{
		"settlement": spec.Settlement.Settlement.ID, "leg": spec.TransferLegID, "delegate": delegate,
	})
}

// AllocateFromInstruction lets the delegate fund a pending instruction.
func (m *Machine) AllocateFromInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Outcome, error) {
	ctx, span, done := m.track(ctx, "allocation.allocate_from_instruction", actor)
	defer span.End()

	out, err := m.allocateFromInstruction(ctx, tx, id, actor, inputs, extra)
	done("allocated", err)

	return out, err
}

func (m *Machine) allocateFromInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Outcome, error) {
	inst, err := m.pendingInstruction(ctx, tx, id, actor)
	if err != nil {
		return nil, err
	}

	if err := m.check(tx, inst.Spec, extra); err != nil {
		return nil, err
	}

	if err := tx.Archive(ctx, id); err != nil {
		return nil, err
	}

	done, err := m.allocate(ctx, tx, inst.Spec, inputs, extra)
	if err != nil {
		return nil, err
	}

	return done, nil
}

func (m *Machine) pendingInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string) (Instruction, error) {
	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return Instruction{}, err
	}

	pending, ok := inst.Status.(PendingAction)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s", ErrInvalidStatus, inst.Status.StatusName())
	}

	if actor != pending.Actor {
		return Instruction{}, fmt.Errorf("%w: %s is not the pending actor", ErrUnauthorized, actor)
	}

	return inst, nil
}

// DeclineInstruction lets the delegate refuse a pending instruction. The
// instruction stays on record as failed until the sender withdraws it.
func (m *Machine) DeclineInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, reason string) (Outcome, error) {
	inst, err := m.pendingInstruction(ctx, tx, id, actor)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		reason = "declined by " + actor
	}

	if err := tx.Archive(ctx, id); err != nil {
		return nil, err
	}

	inst.Status = InstructionFailed{Reason: reason}
	inst.Meta = inst.Meta.With(metadata.KeyReason, reason)

	newID, err := tx.Create(ctx, TemplateInstruction, "", inst)
	if err != nil {
		return nil, err
	}

	return Failed{InstructionID: newID, Reason: reason}, tx.Emit(ctx, EventInstructionDeclined, string(newID), map[string]any{
		"previous": id, "reason": reason,
	})
}

// WithdrawInstruction lets the sender retract an instruction in any status.
func (m *Machine) WithdrawInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string) error {
	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return err
	}

	if actor != inst.Spec.Leg.Sender {
		return fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
	}

	if err := tx.Archive(ctx, id); err != nil {
		return err
	}

	return tx.Emit(ctx, EventInstructionWithdrawn, string(id), map[string]any{"sender": actor})
}

// ExecuteTransfer moves the leg to its receiver out of the locked holding.
// The executor, the sender and the receiver may call it. It is not
// deadline-gated here: the orchestrator checks settleBefore for all legs at
// once, and the registry refuses an expired lock.
func (m *Machine) ExecuteTransfer(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) (ExecuteResult, error) {
	ctx, span, done := m.track(ctx, "allocation.execute_transfer", actor)
	defer span.End()

	res, err := m.executeTransfer(ctx, tx, id, actor, extra)
	done("executed", err)

	return res, err
}

func (m *Machine) executeTransfer(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) (ExecuteResult, error) {
	a, err := ledger.FetchAs[Allocation](ctx, tx, TemplateAllocation, id)
	if err != nil {
		return ExecuteResult{}, err
	}

	leg := a.Spec.Leg

	if !slices.Contains([]string{a.Spec.Settlement.Executor, leg.Sender, leg.Receiver}, actor) {
		return ExecuteResult{}, fmt.Errorf("%w: %s may not execute", ErrUnauthorized, actor)
	}

	// The lock alone does not bound execution: an owner may spend a holding
	// whose lock has lapsed.
	if !tx.Now().Before(a.Spec.Settlement.SettleBefore) {
		return ExecuteResult{}, ErrSettlementExpired
	}

	if err := extra.Validate(tx.Now()); err != nil {
		return ExecuteResult{}, err
	}

	if err := tx.Archive(ctx, id); err != nil {
		return ExecuteResult{}, err
	}

	receipt, err := m.primitives.Transfer(ctx, tx, token.TransferRequest{
		Transfer: leg,
		Inputs:   []ledger.ContractID{a.LockedHolding},
		Actor:    a.Admin,
		Context:  extra.Context,
	})
	if err != nil {
		return ExecuteResult{}, err
	}

	res := ExecuteResult{ReceiverHoldings: receipt.ReceiverHoldings, SenderHoldings: receipt.SenderChange, Meta: receipt.Meta}

	return res, tx.Emit(ctx, EventExecuted, string(id), map[string]any{
		"settlement": a.Spec.Settlement.Settlement.ID, "leg": a.Spec.TransferLegID, "actor": actor,
	})
}

// Cancel releases the allocation without transferring. Executor only.
func (m *Machine) Cancel(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) (ReleaseResult, error) {
	ctx, span, done := m.track(ctx, "allocation.cancel", actor)
	defer span.End()

	res, err := m.release(ctx, tx, id, actor, extra, false)
	done("cancelled", err)

	return res, err
}

// Withdraw releases the allocation without transferring. Sender only, and
// only before allocateBefore.
func (m *Machine) Withdraw(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) (ReleaseResult, error) {
	ctx, span, done := m.track(ctx, "allocation.withdraw", actor)
	defer span.End()

	res, err := m.release(ctx, tx, id, actor, extra, true)
	done("withdrawn", err)

	return res, err
}

func (m *Machine) release(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs, bySender bool) (ReleaseResult, error) {
	a, err := ledger.FetchAs[Allocation](ctx, tx, TemplateAllocation, id)
	if err != nil {
		return ReleaseResult{}, err
	}

	now := tx.Now()
	event := EventCancelled

	if bySender {
		if actor != a.Spec.Leg.Sender {
			return ReleaseResult{}, fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
		}

		if !now.Before(a.Spec.Settlement.AllocateBefore) {
			return ReleaseResult{}, ErrDeadlineExceeded
		}

		event = EventWithdrawn
	} else if actor != a.Spec.Settlement.Executor {
		return ReleaseResult{}, fmt.Errorf("%w: %s is not the executor", ErrUnauthorized, actor)
	}

	if err := extra.Validate(now); err != nil {
		return ReleaseResult{}, err
	}

	if err := tx.Archive(ctx, id); err != nil {
		return ReleaseResult{}, err
	}

	receipt, err := m.primitives.Unlock(ctx, tx, token.UnlockRequest{
		Holding: a.LockedHolding,
		Actor:   a.Admin,
		Context: extra.Context,
		Meta:    extra.Meta,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	return ReleaseResult{SenderHoldings: receipt.Holdings}, tx.Emit(ctx, event, string(id), map[string]any{
		"settlement": a.Spec.Settlement.Settlement.ID, "leg": a.Spec.TransferLegID, "actor": actor,
	})
}

// View returns the leg an allocation funds, for comparison before executing.
func (m *Machine) View(ctx context.Context, tx ledger.Tx, id ledger.ContractID) (Specification, error) {
	a, err := ledger.FetchAs[Allocation](ctx, tx, TemplateAllocation, id)
	if err != nil {
		return Specification{}, err
	}

	return a.Spec, nil
}

func (m *Machine) track(ctx context.Context, op, actor string) (context.Context, trace.Span, func(outcome string, err error)) {
	logger, tracer, _, factory := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String(constant.AttrParty, actor))

	return ctx, span, func(outcome string, err error) {
		if err == nil {
			_ = factory.RecordAllocation(ctx, outcome)
			logger.Log(ctx, log.LevelInfo, op+" applied", log.Party(actor))

			return
		}

		var de token.DomainError

		switch {
		case errors.As(err, &de):
			opentelemetry.HandleSpanBusinessErrorEvent(span, op+" rejected", err)
			logger.Log(ctx, log.LevelWarn, op+" rejected", log.Party(actor), log.Err(err))
		case ledger.IsStale(err):
			opentelemetry.HandleSpanEvent(span, op+" stale", attribute.String("error", err.Error()))
			logger.Log(ctx, log.LevelInfo, op+" stale", log.Party(actor), log.Err(err))
		default:
			opentelemetry.HandleSpanError(span, op+" failed", err)
			logger.Log(ctx, log.LevelError, op+" failed", log.Party(actor), log.Err(err))
		}

		_ = factory.RecordAllocation(ctx, "rejected")
	}
}
