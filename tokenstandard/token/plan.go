package token

import (
	"fmt"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/shopspring/decimal"
)

// Input is a holding offered as a transfer or lock input.
type Input struct {
	ID      ledger.ContractID
	Holding Holding
}

// TransferPlanInput is what BuildTransferPlan validates.
type TransferPlanInput struct {
	Transfer Transfer
	Inputs   []Input
	// Actor is the party whose authority covers the inputs: the owner for
	// unlocked holdings, a lock holder for locked ones.
	Actor string
	Now   time.Time
	// SenderFee is charged to the sender on top of the transfer amount.
	SenderFee decimal.Decimal
}

// TransferPlan is a validated transfer ready to be applied.
type TransferPlan struct {
	Transfer  Transfer
	Inputs    []ledger.ContractID
	Total     decimal.Decimal
	SenderFee decimal.Decimal
	Change    decimal.Decimal
}

// BuildTransferPlan validates the inputs of a funded transfer before any
// mutation: ownership, instrument, locks, duplicates and sufficiency.
func BuildTransferPlan(in TransferPlanInput) (TransferPlan, error) {
	if err := in.Transfer.Validate(); err != nil {
		return TransferPlan{}, err
	}

	if in.SenderFee.IsNegative() {
		return TransferPlan{}, NewDomainError(constant.ErrInvalidAmount, "senderFee", "fee must not be negative")
	}

	ids, total, err := checkInputs(in.Inputs, in.Transfer.Sender, in.Transfer.Instrument, in.Actor, in.Now)
	if err != nil {
		return TransferPlan{}, err
	}

	required := in.Transfer.Amount.Add(in.SenderFee)
	if total.LessThan(required) {
		return TransferPlan{}, NewDomainError(
			constant.ErrInsufficientFunds,
			"inputs",
			fmt.Sprintf("inputs total=%s required=%s", total, required),
		)
	}

	return TransferPlan{
		Transfer:  in.Transfer,
		Inputs:    ids,
		Total:     total,
		SenderFee: in.SenderFee,
		Change:    total.Sub(required),
	}, nil
}

// LockPlanInput is what BuildLockPlan validates.
type LockPlanInput struct {
	Owner      string
	Instrument InstrumentID
	Amount     decimal.Decimal
	Inputs     []Input
	Lock       Lock
	Now        time.Time
}

// LockPlan is a validated lock ready to be applied.
type LockPlan struct {
	Owner      string
	Instrument InstrumentID
	Inputs     []ledger.ContractID
	Total      decimal.Decimal
	Locked     decimal.Decimal
	Change     decimal.Decimal
	Lock       Lock
}

// BuildLockPlan validates the inputs of a lock before any mutation.
func BuildLockPlan(in LockPlanInput) (LockPlan, error) {
	if !in.Amount.IsPositive() {
		return LockPlan{}, NewDomainError(constant.ErrInvalidAmount, "amount", "amount must be greater than zero")
	}

	if err := in.Instrument.Validate("instrumentId"); err != nil {
		return LockPlan{}, err
	}

	if len(in.Lock.Holders) == 0 {
		return LockPlan{}, NewDomainError(constant.ErrInvalidSpecification, "lock.holders", "a lock needs at least one holder")
	}

	if in.Lock.ExpiresAt != nil && !in.Now.Before(*in.Lock.ExpiresAt) {
		return LockPlan{}, NewDomainError(constant.ErrDeadlineExceeded, "lock.expiresAt", "lock expiry must be in the future")
	}

	ids, total, err := checkInputs(in.Inputs, in.Owner, in.Instrument, in.Owner, in.Now)
	if err != nil {
		return LockPlan{}, err
	}

	if total.LessThan(in.Amount) {
		return LockPlan{}, NewDomainError(
			constant.ErrInsufficientFunds,
			"inputs",
			fmt.Sprintf("inputs total=%s required=%s", total, in.Amount),
		)
	}

	return LockPlan{
		Owner:      in.Owner,
		Instrument: in.Instrument,
		Inputs:     ids,
		Total:      total,
		Locked:     in.Amount,
		Change:     total.Sub(in.Amount),
		Lock:       in.Lock,
	}, nil
}

// MergePlan is a validated set of holdings to combine into one.
type MergePlan struct {
	Owner      string
	Instrument InstrumentID
	Inputs     []ledger.ContractID
	Total      decimal.Decimal
}

// BuildMergePlan validates holdings the owner wants to combine. Locked
// holdings are only mergeable once their lock has expired.
func BuildMergePlan(owner string, instrument InstrumentID, inputs []Input, now time.Time) (MergePlan, error) {
	ids, total, err := checkInputs(inputs, owner, instrument, owner, now)
	if err != nil {
		return MergePlan{}, err
	}

	return MergePlan{Owner: owner, Instrument: instrument, Inputs: ids, Total: total}, nil
}

// Mergeable filters inputs down to the ones BuildMergePlan would accept,
// dropping duplicates.
func Mergeable(owner string, instrument InstrumentID, inputs []Input, now time.Time) []Input {
	seen := make(map[ledger.ContractID]struct{}, len(inputs))
	out := make([]Input, 0, len(inputs))

	for _, in := range inputs {
		if _, dup := seen[in.ID]; dup {
			continue
		}

		if in.Holding.Owner != owner || in.Holding.Instrument != instrument || in.Holding.Usable(owner, now) != nil {
			continue
		}

		seen[in.ID] = struct{}{}
		out = append(out, in)
	}

	return out
}

func checkInputs(inputs []Input, owner string, instrument InstrumentID, actor string, now time.Time) ([]ledger.ContractID, decimal.Decimal, error) {
	if len(inputs) == 0 {
		return nil, decimal.Zero, NewDomainError(constant.ErrMissingHoldings, "inputs", "at least one input holding is required")
	}

	seen := make(map[ledger.ContractID]struct{}, len(inputs))
	ids := make([]ledger.ContractID, 0, len(inputs))
	total := decimal.Zero

	for i, in := range inputs {
		field := fmt.Sprintf("inputs[%d]", i)

		if _, dup := seen[in.ID]; dup {
			return nil, decimal.Zero, NewDomainError(constant.ErrDuplicateHolding, field, "holding listed more than once")
		}

		seen[in.ID] = struct{}{}

		if in.Holding.Owner != owner {
			return nil, decimal.Zero, NewDomainError(constant.ErrHoldingNotOwned, field, "holding is not owned by the sender")
		}

		if in.Holding.Instrument != instrument {
			return nil, decimal.Zero, NewDomainError(constant.ErrInstrumentMismatch, field, "holding instrument does not match")
		}

		if err := in.Holding.Usable(actor, now); err != nil {
			return nil, decimal.Zero, err
		}

		ids = append(ids, in.ID)
		total = total.Add(in.Holding.Amount)
	}

	return ids, total, nil
}
