package token

import (
	"context"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/shopspring/decimal"
)

// TransferRequest asks the registry to move value.
type TransferRequest struct {
	Transfer Transfer
	Inputs   []ledger.ContractID
	// Actor is the party whose authority covers the inputs.
	Actor   string
	Context choicecontext.ChoiceContext
}

// TransferReceipt reports the holdings produced by a transfer.
type TransferReceipt struct {
	ReceiverHoldings []ledger.ContractID `json:"receiverHoldings"`
	SenderChange     []ledger.ContractID `json:"senderChange"`
	Fee              decimal.Decimal     `json:"fee"`
	Meta             metadata.Metadata   `json:"meta,omitempty"`
}

// LockRequest asks the registry to lock amount out of inputs.
type LockRequest struct {
	Owner      string
	Instrument InstrumentID
	Amount     decimal.Decimal
	Inputs     []ledger.ContractID
	Lock       Lock
	Context    choicecontext.ChoiceContext
	Meta       metadata.Metadata
}

// LockReceipt reports the locked holding and the unlocked change.
type LockReceipt struct {
	Locked ledger.ContractID   `json:"locked"`
	Change []ledger.ContractID `json:"change"`
}

// UnlockRequest asks the registry to release a locked holding.
type UnlockRequest struct {
	Holding ledger.ContractID
	Actor   string
	Context choicecontext.ChoiceContext
	Meta    metadata.Metadata
}

// UnlockReceipt reports the released holding.
type UnlockReceipt struct {
	Holdings []ledger.ContractID `json:"holdings"`
}

// MergeRequest asks the registry to merge inputs into one unlocked holding
// of the owner. It is the compensating self-transfer run when a delegated
// send fails after its nonce was consumed.
type MergeRequest struct {
	Owner      string
	Instrument InstrumentID
	Inputs     []ledger.ContractID
	Meta       metadata.Metadata
}

// FeeEstimate is the fee a transfer would incur under the current schedule.
type FeeEstimate struct {
	TransferFee decimal.Decimal `json:"transferFee"`
	HoldingFee  decimal.Decimal `json:"holdingFee"`
}

// Total returns the sum of both fees.
func (f FeeEstimate) Total() decimal.Decimal {
	return f.TransferFee.Add(f.HoldingFee)
}

// Primitives is the accounting capability a registry offers to the
// protocol. Every call runs inside the caller's unit of work.
type Primitives interface {
	Transfer(ctx context.Context, tx ledger.Tx, req TransferRequest) (TransferReceipt, error)
	Lock(ctx context.Context, tx ledger.Tx, req LockRequest) (LockReceipt, error)
	Unlock(ctx context.Context, tx ledger.Tx, req UnlockRequest) (UnlockReceipt, error)
	Merge(ctx context.Context, tx ledger.Tx, req MergeRequest) (ledger.ContractID, error)
	EstimateFees(ctx context.Context, tx ledger.Tx, t Transfer, c choicecontext.ChoiceContext) (FeeEstimate, error)
	// Preapproved reports whether receiver accepts instrument without a
	// per-transfer acceptance.
	Preapproved(ctx context.Context, tx ledger.Tx, receiver string, instrument InstrumentID) (bool, error)
}

// FetchHoldings loads and decodes the given holdings.
func FetchHoldings(ctx context.Context, tx ledger.Tx, ids []ledger.ContractID) ([]Input, error) {
	out := make([]Input, 0, len(ids))

	for _, id := range ids {
		h, err := ledger.FetchAs[Holding](ctx, tx, TemplateHolding, id)
		if err != nil {
			return nil, err
		}

		out = append(out, Input{ID: id, Holding: h})
	}

	return out, nil
}
