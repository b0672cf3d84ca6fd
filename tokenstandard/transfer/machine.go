package transfer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrAdminRequired is returned by NewMachine without an admin party.
var ErrAdminRequired = errors.New("transfer: admin party is required")

// ErrPrimitivesRequired is returned by NewMachine without primitives.
var ErrPrimitivesRequired = errors.New("transfer: token primitives are required")

// Option configures a Machine.
type Option func(*Machine)

// WithBackend overrides the registry-specific part of each transition.
func WithBackend(b Backend) Option {
	return func(m *Machine) {
		if b != nil {
			m.backend = b
		}
	}
}

// WithPreparationPolicy makes new delegated instructions start in
// PendingPreparatoryAction when the policy asks for it.
func WithPreparationPolicy(p PreparationPolicy) Option {
	return func(m *Machine) { m.policy = p }
}

// Machine guards every transition of a transfer instruction. Authorization,
// status and deadline checks live here; the Backend only does the work.
type Machine struct {
	admin      string
	primitives token.Primitives
	backend    Backend
	policy     PreparationPolicy
}

// NewMachine returns a machine for instructions administered by admin.
func NewMachine(admin string, primitives token.Primitives, opts ...Option) (*Machine, error) {
	if strings.TrimSpace(admin) == "" {
		return nil, ErrAdminRequired
	}

	if primitives == nil {
		return nil, ErrPrimitivesRequired
	}

	m := &Machine{admin: admin, primitives: primitives, backend: PrimitivesBackend{Primitives: primitives}}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Admin returns the administering party.
func (m *Machine) Admin() string { return m.admin }

// Initiate starts a transfer. Without a delegate it executes now and
// creates no instruction; with one it records a pending instruction
// without checking funds.
func (m *Machine) Initiate(ctx context.Context, tx ledger.Tx, spec Specification, actor string, extra choicecontext.ExtraArgs) (Result, error) {
	ctx, span, done := m.track(ctx, "transfer.initiate", actor)
	defer span.End()

	res, err := m.initiate(ctx, tx, spec, actor, extra)

	switch res.(type) {
	case Completed:
		done("completed", err)
	default:
		done("created", err)
	}

	return res, err
}

func (m *Machine) initiate(ctx context.Context, tx ledger.Tx, spec Specification, actor string, extra choicecontext.ExtraArgs) (Result, error) {
	if actor != spec.Transfer.Sender {
		return nil, fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
	}

	if spec.Transfer.Instrument.Admin != m.admin {
		return nil, token.NewDomainError(constant.ErrInstrumentNotFound, "transfer.instrumentId", "instrument is administered by another registry")
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := tx.Now()

	if err := extra.Validate(now); err != nil {
		return nil, err
	}

	if spec.Transfer.RequestedAt.After(now) {
		return nil, token.NewDomainError(constant.ErrInvalidSpecification, "transfer.requestedAt", "requestedAt is in the future")
	}

	if !spec.Delegated() {
		if !now.Before(spec.ExecuteBefore) {
			return nil, ErrDeadlineExceeded
		}

		done, err := transferNow(ctx, tx, m.primitives, spec.Transfer, spec.HoldingIDs, extra)
		if err != nil {
			return nil, err
		}

		return done, tx.Emit(ctx, EventCompleted, spec.Transfer.Sender, map[string]any{
			"transfer":         spec.Transfer,
			"receiverHoldings": done.ReceiverHoldings,
		})
	}

	var status Status = PendingExecution{}

	if m.policy != nil {
		actions, err := m.policy.Prepare(ctx, tx, spec)
		if err != nil {
			return nil, err
		}

		if len(actions) > 0 {
			status = PendingPreparatoryAction{Actions: actions}
		}
	}

	inst := Instruction{Spec: spec, Status: status, Admin: m.admin, Meta: extra.Meta}

	id, err := tx.Create(ctx, TemplateInstruction, "", inst)
	if err != nil {
		return nil, err
	}

	return Pending{InstructionID: id}, tx.Emit(ctx, EventInstructionCreated, string(id), map[string]any{
		"status": status.StatusName(), "spec": spec,
	})
}

// ExecuteDelegated runs a pending instruction. Only the delegate may call
// it, only before executeBefore, and only once: success archives the
// instruction.
func (m *Machine) ExecuteDelegated(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extraHoldings []ledger.ContractID, extra choicecontext.ExtraArgs) (Result, error) {
	ctx, span, done := m.track(ctx, "transfer.execute_delegated", actor)
	defer span.End()

	res, err := m.executeDelegated(ctx, tx, id, actor, extraHoldings, extra)
	done("executed", err)

	return res, err
}

func (m *Machine) executeDelegated(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extraHoldings []ledger.ContractID, extra choicecontext.ExtraArgs) (Result, error) {
	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return nil, err
	}

	if _, ok := inst.Status.(PendingExecution); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, inst.Status.StatusName())
	}

	if actor != inst.Spec.Delegate {
		return nil, fmt.Errorf("%w: %s is not the execution delegate", ErrUnauthorized, actor)
	}

	now := tx.Now()

	if err := extra.Validate(now); err != nil {
		return nil, err
	}

	if !now.Before(inst.Spec.ExecuteBefore) {
		return nil, ErrDeadlineExceeded
	}

	inputs := inst.Spec.HoldingIDs

	switch {
	case len(inputs) > 0 && len(extraHoldings) > 0:
		return nil, ErrConflictingHoldings
	case len(inputs) == 0:
		inputs = extraHoldings
	}

	if len(inputs) == 0 {
		return nil, ErrMissingHoldings
	}

	completed, err := m.backend.Execute(ctx, tx, ExecuteRequest{InstructionID: id, Instruction: inst, Inputs: inputs, Extra: extra})
	if err != nil {
		return nil, err
	}

	if err := m.finalize(ctx, tx, id, inst, OutcomeSucceeded, ""); err != nil {
		return nil, err
	}

	return completed, nil
}

// ReportSuccess archives an instruction whose value movement was driven by
// a side workflow. Admin only.
func (m *Machine) ReportSuccess(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) error {
	ctx, span, done := m.track(ctx, "transfer.report_success", actor)
	defer span.End()

	err := m.reportSuccess(ctx, tx, id, actor, extra)
	done("reported", err)

	return err
}

func (m *Machine) reportSuccess(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, extra choicecontext.ExtraArgs) error {
	if actor != m.admin {
		return fmt.Errorf("%w: only the registry admin reports success", ErrUnauthorized)
	}

	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return err
	}

	if _, failed := inst.Status.(Failed); failed {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, inst.Status.StatusName())
	}

	if err := extra.Validate(tx.Now()); err != nil {
		return err
	}

	if err := m.backend.ReportSuccess(ctx, tx, id, inst, extra); err != nil {
		return err
	}

	return m.finalize(ctx, tx, id, inst, OutcomeSucceeded, "")
}

// Abort destroys the instruction. The sender, the admin and the delegate
// may abort; no execution can succeed against the handle afterwards.
func (m *Machine) Abort(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, reason string, extra choicecontext.ExtraArgs) (Result, error) {
	ctx, span, done := m.track(ctx, "transfer.abort", actor)
	defer span.End()

	res, err := m.abort(ctx, tx, id, actor, reason, extra)
	done("aborted", err)

	return res, err
}

func (m *Machine) abort(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, reason string, extra choicecontext.ExtraArgs) (Result, error) {
	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return nil, err
	}

	allowed := []string{inst.Spec.Transfer.Sender, m.admin}
	if inst.Spec.Delegated() {
		allowed = append(allowed, inst.Spec.Delegate)
	}

	if !slices.Contains(allowed, actor) {
		return nil, fmt.Errorf("%w: %s may not abort", ErrUnauthorized, actor)
	}

	if err := extra.Meta.Validate(); err != nil {
		return nil, err
	}

	if f, ok := inst.Status.(Failed); ok && strings.TrimSpace(reason) == "" {
		reason = f.Reason
	}

	if strings.TrimSpace(reason) == "" {
		reason = "aborted by " + actor
	}

	if err := m.backend.Abort(ctx, tx, id, inst, reason, extra); err != nil {
		return nil, err
	}

	if err := m.finalize(ctx, tx, id, inst, OutcomeFailed, reason); err != nil {
		return nil, err
	}

	return Aborted{Reason: reason}, nil
}

// ExpireInstruction aborts an instruction whose deadline has passed. It is
// the admin's sweep; before executeBefore it is rejected.
func (m *Machine) ExpireInstruction(ctx context.Context, tx ledger.Tx, id ledger.ContractID) (Result, error) {
	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return nil, err
	}

	if tx.Now().Before(inst.Spec.ExecuteBefore) {
		return nil, ErrNotExpired
	}

	return m.Abort(ctx, tx, id, m.admin, ReasonExpired, choicecontext.NoExtra())
}

// CompletePreparatoryAction records that party's registry-internal step is
// done. When no action remains the instruction becomes PendingExecution.
// The instruction is recreated, so the returned id replaces id.
func (m *Machine) CompletePreparatoryAction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, party string) (ledger.ContractID, error) {
	ctx, span, done := m.track(ctx, "transfer.complete_preparatory_action", actor)
	defer span.End()

	newID, err := m.completePreparatoryAction(ctx, tx, id, actor, party)
	done("prepared", err)

	return newID, err
}

func (m *Machine) completePreparatoryAction(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, party string) (ledger.ContractID, error) {
	if actor != m.admin {
		return "", fmt.Errorf("%w: only the registry admin completes preparatory actions", ErrUnauthorized)
	}

	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return "", err
	}

	pending, ok := inst.Status.(PendingPreparatoryAction)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, inst.Status.StatusName())
	}

	if _, waiting := pending.Actions[party]; !waiting {
		return "", fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}

	actions := maps.Clone(pending.Actions)
	delete(actions, party)

	if len(actions) == 0 {
		inst.Status = PendingExecution{}
	} else {
		inst.Status = PendingPreparatoryAction{Actions: actions}
	}

	if inst.Origin == "" {
		inst.Origin = id
	}

	return m.replace(ctx, tx, id, inst)
}

// MarkFailed moves a pending instruction to Failed. The record stays until
// someone aborts it, so parties can see why it will not execute.
func (m *Machine) MarkFailed(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor, reason string) (ledger.ContractID, error) {
	if actor != m.admin {
		return "", fmt.Errorf("%w: only the registry admin marks instructions failed", ErrUnauthorized)
	}

	inst, err := ledger.FetchAs[Instruction](ctx, tx, TemplateInstruction, id)
	if err != nil {
		return "", err
	}

	if _, failed := inst.Status.(Failed); failed {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, inst.Status.StatusName())
	}

	inst.Status = Failed{Reason: reason}

	if inst.Origin == "" {
		inst.Origin = id
	}

	return m.replace(ctx, tx, id, inst)
}

func (m *Machine) replace(ctx context.Context, tx ledger.Tx, id ledger.ContractID, inst Instruction) (ledger.ContractID, error) {
	if err := tx.Archive(ctx, id); err != nil {
		return "", err
	}

	newID, err := tx.Create(ctx, TemplateInstruction, "", inst)
	if err != nil {
		return "", err
	}

	return newID, tx.Emit(ctx, EventInstructionUpdated, string(inst.Origin), map[string]any{
		"previous": id, "current": newID, "status": inst.Status.StatusName(),
	})
}

// finalize archives the instruction and writes its explicit outcome.
func (m *Machine) finalize(ctx context.Context, tx ledger.Tx, id ledger.ContractID, inst Instruction, status, reason string) error {
	if err := tx.Archive(ctx, id); err != nil {
		return err
	}

	origin := inst.Origin
	if origin == "" {
		origin = id
	}

	outcome := Outcome{
		InstructionID: id,
		Origin:        origin,
		Sender:        inst.Spec.Transfer.Sender,
		Status:        status,
		Reason:        reason,
		At:            tx.Now(),
	}

	if _, err := tx.Create(ctx, TemplateOutcome, string(origin), outcome); err != nil {
		return err
	}

	event := EventSucceeded
	if status == OutcomeFailed {
		event = EventFailed
	}

	return tx.Emit(ctx, event, string(origin), outcome)
}

// Outcome returns the terminal record of an instruction, looked up by the
// id it was created under or by the id it was archived under.
func (m *Machine) Outcome(ctx context.Context, store ledger.Store, id ledger.ContractID) (Outcome, error) {
	var out Outcome

	err := store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, _, err := ledger.FetchByKeyAs[Outcome](ctx, tx, TemplateOutcome, string(id))
		if err == nil {
			out = o
			return nil
		}

		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		found, _, err := ledger.ListAs[Outcome](ctx, tx, TemplateOutcome, nil)
		if err != nil {
			return err
		}

		for _, o := range found {
			if o.InstructionID == id {
				out = o
				return nil
			}
		}

		return fmt.Errorf("%w: %s", ErrNoOutcome, id)
	})

	return out, err
}

// Pending lists the active instructions, oldest first.
func (m *Machine) Pending(ctx context.Context, tx ledger.Tx) ([]Instruction, []ledger.ContractID, error) {
	return ledger.ListAs[Instruction](ctx, tx, TemplateInstruction, nil)
}

// track opens the span for op and returns a closure that records the
// result on the span, the log and the instruction counter.
func (m *Machine) track(ctx context.Context, op, actor string) (context.Context, trace.Span, func(outcome string, err error)) {
	logger, tracer, _, factory := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String(constant.AttrParty, actor))

	return ctx, span, func(outcome string, err error) {
		if err == nil {
			_ = factory.RecordTransferInstruction(ctx, outcome)
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

		_ = factory.RecordTransferInstruction(ctx, "rejected")
	}
}
