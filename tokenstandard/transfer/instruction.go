// Package transfer implements the transfer instruction state machine: a
// single-leg transfer that either executes synchronously or waits, as a
// pending instruction, for its execution delegate.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
)

// Templates owned by the state machine.
const (
	TemplateInstruction ledger.TemplateID = "transfer.Instruction"
	TemplateOutcome     ledger.TemplateID = "transfer.Outcome"
)

// Events emitted by the state machine.
const (
	EventCompleted          = "transfer.completed"
	EventInstructionCreated = "transfer.instruction.created"
	EventInstructionUpdated = "transfer.instruction.updated"
	EventSucceeded          = "transfer.instruction.succeeded"
	EventFailed             = "transfer.instruction.failed"
)

var (
	// ErrUnauthorized is returned when the actor may not exercise the operation.
	ErrUnauthorized = token.NewDomainError(constant.ErrUnauthorizedActor, "actor", "actor is not authorized for this operation")
	// ErrInvalidStatus is returned when the instruction is not in a status the operation accepts.
	ErrInvalidStatus = token.NewDomainError(constant.ErrInvalidStatus, "status", "instruction status does not allow this operation")
	// ErrDeadlineExceeded is returned at or after executeBefore.
	ErrDeadlineExceeded = token.NewDomainError(constant.ErrDeadlineExceeded, "executeBefore", "execution deadline has passed")
	// ErrMissingHoldings is returned when no holding source is available.
	ErrMissingHoldings = token.NewDomainError(constant.ErrMissingHoldings, "holdingCids", "no holdings to execute with")
	// ErrConflictingHoldings is returned when the delegate supplies holdings
	// for an instruction whose sender already fixed them.
	ErrConflictingHoldings = token.NewDomainError(constant.ErrConflictingHoldings, "extraHoldings", "instruction already names its holdings")
	// ErrNotExpired is returned when expiring an instruction before its deadline.
	ErrNotExpired = token.NewDomainError(constant.ErrInvalidStatus, "executeBefore", "instruction has not expired")
	// ErrUnknownParty is returned when completing an action nobody is waiting on.
	ErrUnknownParty = token.NewDomainError(constant.ErrInvalidSpecification, "party", "no preparatory action pending for party")
)

// ReasonExpired is the abort reason used when sweeping expired instructions.
const ReasonExpired = "expired"

// Specification is the immutable description of a single-leg transfer.
// Without a delegate the transfer executes synchronously and HoldingIDs
// must be set.
type Specification struct {
	Transfer      token.Transfer      `json:"transfer"`
	ExecuteBefore time.Time           `json:"executeBefore"`
	HoldingIDs    []ledger.ContractID `json:"holdingCids"`
	Delegate      string              `json:"executionDelegate,omitempty"`
}

// Delegated reports whether execution is deferred to a delegate.
func (s Specification) Delegated() bool {
	return strings.TrimSpace(s.Delegate) != ""
}

// Validate checks the specification before anything is written.
func (s Specification) Validate() error {
	if err := s.Transfer.Validate(); err != nil {
		return err
	}

	if s.ExecuteBefore.IsZero() {
		return token.NewDomainError(constant.ErrInvalidSpecification, "executeBefore", "executeBefore is required")
	}

	if !s.Delegated() && len(s.HoldingIDs) == 0 {
		return ErrMissingHoldings
	}

	return nil
}

// Status is the state of a pending instruction.
type Status interface {
	StatusName() string
	isStatus()
}

// Status names.
const (
	StatusPendingPreparatoryAction = "PENDING_PREPARATORY_ACTION"
	StatusPendingExecution         = "PENDING_EXECUTION"
	StatusFailed                   = "FAILED"
)

// PendingPreparatoryAction waits on registry-internal steps, one per party.
type PendingPreparatoryAction struct {
	Actions map[string]string
}

// PendingExecution is ready for the delegate.
type PendingExecution struct{}

// Failed is a terminal failure kept on record until aborted.
type Failed struct {
	Reason string
}

func (PendingPreparatoryAction) StatusName() string { return StatusPendingPreparatoryAction }
func (PendingExecution) StatusName() string         { return StatusPendingExecution }
func (Failed) StatusName() string                   { return StatusFailed }

func (PendingPreparatoryAction) isStatus() {}
func (PendingExecution) isStatus()         {}
func (Failed) isStatus()                   {}

// Instruction is an in-flight delayed transfer.
type Instruction struct {
	Spec   Specification
	Status Status
	Admin  string
	Meta   metadata.Metadata
	// Origin is the id the instruction was first created under. It is
	// stable across preparatory-action updates.
	Origin ledger.ContractID
}

type statusWire struct {
	Name    string            `json:"name"`
	Actions map[string]string `json:"actions,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

type instructionWire struct {
	Spec   Specification     `json:"spec"`
	Status statusWire        `json:"status"`
	Admin  string            `json:"admin"`
	Meta   metadata.Metadata `json:"meta,omitempty"`
	Origin ledger.ContractID `json:"origin,omitempty"`
}

// MarshalJSON encodes the status as a tagged object.
func (i Instruction) MarshalJSON() ([]byte, error) {
	w := instructionWire{Spec: i.Spec, Admin: i.Admin, Meta: i.Meta, Origin: i.Origin}

	switch s := i.Status.(type) {
	case PendingPreparatoryAction:
		w.Status = statusWire{Name: s.StatusName(), Actions: s.Actions}
	case PendingExecution:
		w.Status = statusWire{Name: s.StatusName()}
	case Failed:
		w.Status = statusWire{Name: s.StatusName(), Reason: s.Reason}
	default:
		return nil, fmt.Errorf("transfer: unknown status %T", i.Status)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged status.
func (i *Instruction) UnmarshalJSON(data []byte) error {
	var w instructionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Status.Name {
	case StatusPendingPreparatoryAction:
		i.Status = PendingPreparatoryAction{Actions: maps.Clone(w.Status.Actions)}
	case StatusPendingExecution:
		i.Status = PendingExecution{}
	case StatusFailed:
		i.Status = Failed{Reason: w.Status.Reason}
	default:
		return fmt.Errorf("transfer: unknown status %q", w.Status.Name)
	}

	i.Spec, i.Admin, i.Meta, i.Origin = w.Spec, w.Admin, w.Meta, w.Origin

	return nil
}

// Result is what a transfer operation produced.
type Result interface {
	isResult()
}

// Pending means an instruction now waits for its delegate or for
// preparatory actions.
type Pending struct {
	InstructionID ledger.ContractID `json:"instructionCid"`
}

// Completed means value moved.
type Completed struct {
	ReceiverHoldings []ledger.ContractID `json:"receiverHoldingCids"`
	SenderChange     []ledger.ContractID `json:"senderChangeCids"`
	Meta             metadata.Metadata   `json:"meta,omitempty"`
}

// Aborted means the instruction was destroyed without executing.
type Aborted struct {
	Reason string `json:"reason"`
}

func (Pending) isResult()   {}
func (Completed) isResult() {}
func (Aborted) isResult()   {}

// Outcome states.
const (
	OutcomeSucceeded = "SUCCEEDED"
	OutcomeFailed    = "FAILED"
)

// Outcome is the explicit terminal marker written when an instruction is
// archived, so success is never inferred from absence.
type Outcome struct {
	InstructionID ledger.ContractID `json:"instructionCid"`
	Origin        ledger.ContractID `json:"origin"`
	Sender        string            `json:"sender"`
	Status        string            `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	At            time.Time         `json:"at"`
}

// Succeeded reports whether the instruction completed.
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSucceeded }

// ErrNoOutcome is returned when an instruction has not reached a terminal state.
var ErrNoOutcome = errors.New("transfer: instruction has no outcome")
