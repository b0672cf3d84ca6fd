// Package allocation implements allocations: holdings locked toward one leg
// of a multi-leg settlement, created by the sender or by a delegate the
// sender names, and consumed by exactly one of execute, cancel or withdraw.
package allocation

import (
	"encoding/json"
	"fmt"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
)

// Templates owned by the state machine.
const (
	TemplateAllocation  ledger.TemplateID = "allocation.Allocation"
	TemplateInstruction ledger.TemplateID = "allocation.Instruction"
)

// Events emitted by the state machine.
const (
	EventAllocated            = "allocation.allocated"
	EventInstructionCreated   = "allocation.instruction.created"
	EventInstructionDeclined  = "allocation.instruction.declined"
	EventInstructionWithdrawn = "allocation.instruction.withdrawn"
	EventExecuted             = "allocation.executed"
	EventCancelled            = "allocation.cancelled"
	EventWithdrawn            = "allocation.withdrawn"
)

// DefaultReserveMultiplier scales the estimated fees into the reserve locked
// alongside the leg amount.
var DefaultReserveMultiplier = decimal.NewFromInt(3)

var (
	// ErrUnauthorized is returned when the actor may not exercise the operation.
	ErrUnauthorized = token.NewDomainError(constant.ErrUnauthorizedActor, "actor", "actor is not authorized for this allocation")
	// ErrDeadlineExceeded is returned at or after allocateBefore.
	ErrDeadlineExceeded = token.NewDomainError(constant.ErrDeadlineExceeded, "allocateBefore", "allocation deadline has passed")
	// ErrSettlementExpired is returned when executing at or after settleBefore.
	ErrSettlementExpired = token.NewDomainError(constant.ErrDeadlineExceeded, "settleBefore", "settlement deadline has passed")
	// ErrInvalidStatus is returned when an instruction does not accept the operation.
	ErrInvalidStatus = token.NewDomainError(constant.ErrInvalidStatus, "status", "allocation instruction status does not allow this operation")
	// ErrInvalidMultiplier is returned for a reserve multiplier below one.
	ErrInvalidMultiplier = token.NewDomainError(constant.ErrInvalidSpecification, "reserveMultiplier", "reserve multiplier must be at least 1")
)

// Reference identifies a settlement.
type Reference struct {
	ID         string            `json:"id"`
	ContractID ledger.ContractID `json:"cid,omitempty"`
}

// SettlementInfo is the read-only context shared by every allocation of a
// settlement. Its two deadlines bound the whole protocol.
type SettlementInfo struct {
	Executor       string            `json:"executor"`
	Settlement     Reference         `json:"settlementRef"`
	RequestedAt    time.Time         `json:"requestedAt"`
	AllocateBefore time.Time         `json:"allocateBefore"`
	SettleBefore   time.Time         `json:"settleBefore"`
	Meta           metadata.Metadata `json:"meta,omitempty"`
}

// Equal compares settlement infos field by field.
func (s SettlementInfo) Equal(o SettlementInfo) bool {
	if s.Executor != o.Executor || s.Settlement != o.Settlement ||
		!s.RequestedAt.Equal(o.RequestedAt) || !s.AllocateBefore.Equal(o.AllocateBefore) ||
		!s.SettleBefore.Equal(o.SettleBefore) || len(s.Meta) != len(o.Meta) {
		return false
	}

	for k, v := range s.Meta {
		if ov, ok := o.Meta[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

// Specification is one leg of a settlement.
type Specification struct {
	Settlement    SettlementInfo `json:"settlement"`
	TransferLegID int            `json:"transferLegId"`
	Leg           token.Transfer `json:"transferLeg"`
}

// Equal reports whether two specifications describe the same leg.
func (s Specification) Equal(o Specification) bool {
	return s.TransferLegID == o.TransferLegID && s.Settlement.Equal(o.Settlement) && s.Leg.Equal(o.Leg)
}

// Validate checks the specification at now.
func (s Specification) Validate(now time.Time) error {
	if err := s.Leg.Validate(); err != nil {
		return err
	}

	info := s.Settlement

	switch {
	case info.Executor == "":
		return token.NewDomainError(constant.ErrInvalidSpecification, "settlement.executor", "executor is required")
	case info.Settlement.ID == "":
		return token.NewDomainError(constant.ErrInvalidSpecification, "settlement.settlementRef.id", "settlement id is required")
	case s.TransferLegID < 0:
		return token.NewDomainError(constant.ErrInvalidSpecification, "transferLegId", "leg id must not be negative")
	case info.SettleBefore.Before(info.AllocateBefore):
		return token.NewDomainError(constant.ErrInvalidSpecification, "settlement.allocateBefore", "allocateBefore must not be after settleBefore")
	case !now.Before(info.AllocateBefore):
		return ErrDeadlineExceeded
	}

	return info.Meta.Validate()
}

// Allocation is funding locked toward one leg.
type Allocation struct {
	Spec          Specification     `json:"allocation"`
	Admin         string            `json:"admin"`
	LockedHolding ledger.ContractID `json:"lockedHoldingCid"`
	Reserve       decimal.Decimal   `json:"feeReserve"`
	Meta          metadata.Metadata `json:"meta,omitempty"`
}

// InstructionStatus is the state of an allocation instruction.
type InstructionStatus interface {
	StatusName() string
	isInstructionStatus()
}

// Instruction status names.
const (
	StatusPendingAction = "PENDING_ACTION"
	StatusFailed        = "FAILED"
)

// PendingAction waits on Actor to select and lock holdings.
type PendingAction struct {
	Actor       string
	Description string
}

// InstructionFailed is a declined instruction kept until withdrawn.
type InstructionFailed struct {
	Reason string
}

func (PendingAction) StatusName() string     { return StatusPendingAction }
func (InstructionFailed) StatusName() string { return StatusFailed }

func (PendingAction) isInstructionStatus()     {}
func (InstructionFailed) isInstructionStatus() {}

// Instruction is a pending request for a delegate to allocate a leg.
type Instruction struct {
	Spec     Specification
	Delegate string
	Admin    string
	Status   InstructionStatus
	Meta     metadata.Metadata
}

type instructionWire struct {
	Spec        Specification     `json:"allocation"`
	Delegate    string            `json:"delegate"`
	Admin       string            `json:"admin"`
	Status      string            `json:"status"`
	Actor       string            `json:"actor,omitempty"`
	Description string            `json:"description,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Meta        metadata.Metadata `json:"meta,omitempty"`
}

// MarshalJSON flattens the status into tagged fields.
func (i Instruction) MarshalJSON() ([]byte, error) {
	w := instructionWire{Spec: i.Spec, Delegate: i.Delegate, Admin: i.Admin, Meta: i.Meta}

	switch s := i.Status.(type) {
	case PendingAction:
		w.Status, w.Actor, w.Description = s.StatusName(), s.Actor, s.Description
	case InstructionFailed:
		w.Status, w.Reason = s.StatusName(), s.Reason
	default:
		return nil, fmt.Errorf("allocation: unknown instruction status %T", i.Status)
	}

	return json.Marshal(w)
}

// UnmarshalJSON restores the tagged status.
func (i *Instruction) UnmarshalJSON(data []byte) error {
	var w instructionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Status {
	case StatusPendingAction:
		i.Status = PendingAction{Actor: w.Actor, Description: w.Description}
	case StatusFailed:
		i.Status = InstructionFailed{Reason: w.Reason}
	default:
		return fmt.Errorf("allocation: unknown instruction status %q", w.Status)
	}

	i.Spec, i.Delegate, i.Admin, i.Meta = w.Spec, w.Delegate, w.Admin, w.Meta

	return nil
}

// Outcome is what an allocation factory produced.
type Outcome interface {
	isOutcome()
}

// Completed means the allocation exists.
type Completed struct {
	AllocationID  ledger.ContractID   `json:"allocationCid"`
	LockedHolding ledger.ContractID   `json:"lockedHoldingCid"`
	SenderChange  []ledger.ContractID `json:"senderChangeCids"`
}

// Pending means an instruction waits on a delegate.
type Pending struct {
	InstructionID ledger.ContractID `json:"allocationInstructionCid"`
}

// Failed means the instruction was declined.
type Failed struct {
	InstructionID ledger.ContractID `json:"allocationInstructionCid"`
	Reason        string            `json:"reason"`
}

func (Completed) isOutcome() {}
func (Pending) isOutcome()   {}
func (Failed) isOutcome()    {}

// ExecuteResult reports the holdings produced by executing a leg.
type ExecuteResult struct {
	ReceiverHoldings []ledger.ContractID `json:"receiverHoldingCids"`
	SenderHoldings   []ledger.ContractID `json:"senderHoldingCids"`
	Meta             metadata.Metadata   `json:"meta,omitempty"`
}

// ReleaseResult reports the holdings returned to the sender by cancel or withdraw.
type ReleaseResult struct {
	SenderHoldings []ledger.ContractID `json:"senderHoldingCids"`
}
