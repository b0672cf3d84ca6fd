package transfer

import (
	"context"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
)

// ExecuteRequest is handed to Backend.Execute once the machine has checked
// the actor, the status and the deadline.
type ExecuteRequest struct {
	InstructionID ledger.ContractID
	Instruction   Instruction
	Inputs        []ledger.ContractID
	Extra         choicecontext.ExtraArgs
}

// Backend is the registry-specific part of each transition. Machine calls
// it only after its own guards pass.
type Backend interface {
	Execute(ctx context.Context, tx ledger.Tx, req ExecuteRequest) (Completed, error)
	ReportSuccess(ctx context.Context, tx ledger.Tx, id ledger.ContractID, inst Instruction, extra choicecontext.ExtraArgs) error
	Abort(ctx context.Context, tx ledger.Tx, id ledger.ContractID, inst Instruction, reason string, extra choicecontext.ExtraArgs) error
}

// PreparationPolicy decides whether a new delegated instruction must wait on
// registry-internal steps. An empty map means it is ready for execution.
type PreparationPolicy interface {
	Prepare(ctx context.Context, tx ledger.Tx, spec Specification) (map[string]string, error)
}

// PrimitivesBackend executes instructions as funded transfers on behalf of
// the sender.
type PrimitivesBackend struct {
	Primitives token.Primitives
}

var _ Backend = PrimitivesBackend{}

// Execute runs the funded transfer with the resolved inputs.
func (b PrimitivesBackend) Execute(ctx context.Context, tx ledger.Tx, req ExecuteRequest) (Completed, error) {
	return transferNow(ctx, tx, b.Primitives, req.Instruction.Spec.Transfer, req.Inputs, req.Extra)
}

// ReportSuccess has nothing to move: the side workflow already did.
func (PrimitivesBackend) ReportSuccess(context.Context, ledger.Tx, ledger.ContractID, Instruction, choicecontext.ExtraArgs) error {
	return nil
}

// Abort has nothing to release: delegated instructions lock nothing.
func (PrimitivesBackend) Abort(context.Context, ledger.Tx, ledger.ContractID, Instruction, string, choicecontext.ExtraArgs) error {
	return nil
}

func transferNow(ctx context.Context, tx ledger.Tx, p token.Primitives, t token.Transfer, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Completed, error) {
	receipt, err := p.Transfer(ctx, tx, token.TransferRequest{
		Transfer: t,
		Inputs:   inputs,
		Actor:    t.Sender,
		Context:  extra.Context,
	})
	if err != nil {
		return Completed{}, err
	}

	return Completed{
		ReceiverHoldings: receipt.ReceiverHoldings,
		SenderChange:     receipt.SenderChange,
		Meta:             receipt.Meta,
	}, nil
}
