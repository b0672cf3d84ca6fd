package registry

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/assert"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
)

// Context keys the registry reads back from the contexts it serves.
const (
	KeyFeeSchedule = "fee-schedule"
	KeyInstrument  = "instrument"
	KeyAdmin       = "registry-admin"
)

var _ token.Primitives = (*Registry)(nil)

// feeSchedule resolves the schedule named by the context. A schedule
// replaced since the context was served surfaces as a stale reference.
func (r *Registry) feeSchedule(ctx context.Context, tx ledger.Tx, instrument token.InstrumentID, c choicecontext.ChoiceContext) (FeeSchedule, error) {
	id, err := c.ContractIDValue(KeyFeeSchedule)
	if err != nil {
		return FeeSchedule{}, err
	}

	fees, err := ledger.FetchAs[FeeSchedule](ctx, tx, TemplateFeeSchedule, id)
	if err != nil {
		return FeeSchedule{}, err
	}

	if fees.Instrument != instrument {
		return FeeSchedule{}, ErrFeeScheduleMismatch
	}

	return fees, nil
}

func transferFee(inst Instrument, fees FeeSchedule, amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(fees.TransferFeeRate).Round(inst.Decimals)
}

func anyLocked(inputs []token.Input) bool {
	for _, in := range inputs {
		if in.Holding.Lock != nil {
			return true
		}
	}

	return false
}

// Transfer moves value out of req.Inputs. The transfer fee is deducted
// from what the receiver gets; the holding fee is charged to the sender
// when a locked input is released into the transfer.
func (r *Registry) Transfer(ctx context.Context, tx ledger.Tx, req token.TransferRequest) (token.TransferReceipt, error) {
	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "registry.transfer")
	defer span.End()

	t := req.Transfer
	now := tx.Now()

	if err := req.Context.CheckValid(now); err != nil {
		opentelemetry.HandleSpanBusinessErrorEvent(span, "context expired", err)
		return token.TransferReceipt{}, err
	}

	inst, _, err := r.instrument(ctx, tx, t.Instrument)
	if err != nil {
		return token.TransferReceipt{}, err
	}

	fees, err := r.feeSchedule(ctx, tx, t.Instrument, req.Context)
	if err != nil {
		return token.TransferReceipt{}, err
	}

	inputs, err := token.FetchHoldings(ctx, tx, req.Inputs)
	if err != nil {
		return token.TransferReceipt{}, err
	}

	senderFee := decimal.Zero
	if anyLocked(inputs) {
		senderFee = fees.HoldingFee
	}

	plan, err := token.BuildTransferPlan(token.TransferPlanInput{
		Transfer:  t,
		Inputs:    inputs,
		Actor:     req.Actor,
		Now:       now,
		SenderFee: senderFee,
	})
	if err != nil {
		opentelemetry.HandleSpanBusinessErrorEvent(span, "transfer rejected", err)
		return token.TransferReceipt{}, err
	}

	fee := transferFee(inst, fees, t.Amount)
	received := t.Amount.Sub(fee)
	burned := fee.Add(plan.SenderFee)

	conserved := received.Add(burned).Add(plan.Change).Equal(plan.Total)
	if err := assert.New(logger, "registry", "transfer").That(ctx, conserved, "transfer must conserve value",
		"total", plan.Total.String(), "received", received.String(), "burned", burned.String(), "change", plan.Change.String()); err != nil {
		return token.TransferReceipt{}, err
	}

	for _, id := range plan.Inputs {
		if err := tx.Archive(ctx, id); err != nil {
			return token.TransferReceipt{}, err
		}
	}

	receipt := token.TransferReceipt{
		ReceiverHoldings: []ledger.ContractID{},
		SenderChange:     []ledger.ContractID{},
		Fee:              burned,
		Meta:             t.Meta.With(metadata.KeyBurned, burned.String()),
	}

	if received.IsPositive() {
		id, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
			Owner:      t.Receiver,
			Instrument: t.Instrument,
			Amount:     received,
			Lock:       t.Lock,
			Meta: t.Meta.
				With(metadata.KeyTxKind, "transfer").
				With(metadata.KeySender, t.Sender),
		})
		if err != nil {
			return token.TransferReceipt{}, err
		}

		receipt.ReceiverHoldings = append(receipt.ReceiverHoldings, id)
	}

	if plan.Change.IsPositive() {
		id, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
			Owner:      t.Sender,
			Instrument: t.Instrument,
			Amount:     plan.Change,
			Meta: metadata.Metadata{}.
				With(metadata.KeyTxKind, "transfer-change").
				With(metadata.KeyBurned, burned.String()),
		})
		if err != nil {
			return token.TransferReceipt{}, err
		}

		receipt.SenderChange = append(receipt.SenderChange, id)
	}

	if err := tx.Emit(ctx, EventTransferExecuted, t.Sender, map[string]any{
		"sender":     t.Sender,
		"receiver":   t.Receiver,
		"instrument": t.Instrument.String(),
		"amount":     t.Amount.String(),
		"burned":     burned.String(),
		"inputs":     plan.Inputs,
	}); err != nil {
		return token.TransferReceipt{}, err
	}

	logger.Log(ctx, log.LevelDebug, "transfer applied",
		log.Party(t.Sender), log.String("receiver", t.Receiver),
		log.Amount(t.Amount), log.String("burned", burned.String()))

	return receipt, nil
}

// Lock moves amount out of inputs into a locked holding of the owner.
func (r *Registry) Lock(ctx context.Context, tx ledger.Tx, req token.LockRequest) (token.LockReceipt, error) {
	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "registry.lock")
	defer span.End()

	now := tx.Now()

	if err := req.Context.CheckValid(now); err != nil {
		return token.LockReceipt{}, err
	}

	if err := req.Meta.Validate(); err != nil {
		return token.LockReceipt{}, err
	}

	if _, _, err := r.instrument(ctx, tx, req.Instrument); err != nil {
		return token.LockReceipt{}, err
	}

	inputs, err := token.FetchHoldings(ctx, tx, req.Inputs)
	if err != nil {
		return token.LockReceipt{}, err
	}

	plan, err := token.BuildLockPlan(token.LockPlanInput{
		Owner:      req.Owner,
		Instrument: req.Instrument,
		Amount:     req.Amount,
		Inputs:     inputs,
		Lock:       req.Lock,
		Now:        now,
	})
	if err != nil {
		opentelemetry.HandleSpanBusinessErrorEvent(span, "lock rejected", err)
		return token.LockReceipt{}, err
	}

	for _, id := range plan.Inputs {
		if err := tx.Archive(ctx, id); err != nil {
			return token.LockReceipt{}, err
		}
	}

	lock := plan.Lock

	locked, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
		Owner:      req.Owner,
		Instrument: req.Instrument,
		Amount:     plan.Locked,
		Lock:       &lock,
		Meta:       req.Meta.With(metadata.KeyTxKind, "lock"),
	})
	if err != nil {
		return token.LockReceipt{}, err
	}

	receipt := token.LockReceipt{Locked: locked, Change: []ledger.ContractID{}}

	if plan.Change.IsPositive() {
		id, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
			Owner:      req.Owner,
			Instrument: req.Instrument,
			Amount:     plan.Change,
			Meta:       metadata.Metadata{}.With(metadata.KeyTxKind, "lock-change"),
		})
		if err != nil {
			return token.LockReceipt{}, err
		}

		receipt.Change = append(receipt.Change, id)
	}

	return receipt, tx.Emit(ctx, EventHoldingLocked, string(locked), map[string]any{
		"owner": req.Owner, "amount": plan.Locked.String(), "holders": lock.Holders,
	})
}

// Unlock releases a locked holding back to its owner. A lock holder may
// release at any time; the owner may once the lock has expired.
func (r *Registry) Unlock(ctx context.Context, tx ledger.Tx, req token.UnlockRequest) (token.UnlockReceipt, error) {
	now := tx.Now()

	if err := req.Context.CheckValid(now); err != nil {
		return token.UnlockReceipt{}, err
	}

	h, err := ledger.FetchAs[token.Holding](ctx, tx, token.TemplateHolding, req.Holding)
	if err != nil {
		return token.UnlockReceipt{}, err
	}

	if h.Lock == nil {
		return token.UnlockReceipt{}, ErrNotLocked
	}

	if !h.Lock.HeldBy(req.Actor) && (req.Actor != h.Owner || !h.Lock.Expired(now)) {
		return token.UnlockReceipt{}, token.NewDomainError(constant.ErrUnauthorizedActor, "actor", "actor may not release this lock")
	}

	meta, err := metadata.Merge(h.Meta, req.Meta)
	if err != nil {
		return token.UnlockReceipt{}, err
	}

	if err := tx.Archive(ctx, req.Holding); err != nil {
		return token.UnlockReceipt{}, err
	}

	id, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
		Owner:      h.Owner,
		Instrument: h.Instrument,
		Amount:     h.Amount,
		Meta:       meta.With(metadata.KeyTxKind, "unlock"),
	})
	if err != nil {
		return token.UnlockReceipt{}, err
	}

	return token.UnlockReceipt{Holdings: []ledger.ContractID{id}}, tx.Emit(ctx, EventHoldingUnlocked, string(id), map[string]any{
		"owner": h.Owner, "amount": h.Amount.String(), "released": req.Holding,
	})
}

// Merge combines inputs into one unlocked holding of the owner. No fee is
// charged.
func (r *Registry) Merge(ctx context.Context, tx ledger.Tx, req token.MergeRequest) (ledger.ContractID, error) {
	inputs, err := token.FetchHoldings(ctx, tx, req.Inputs)
	if err != nil {
		return "", err
	}

	plan, err := token.BuildMergePlan(req.Owner, req.Instrument, inputs, tx.Now())
	if err != nil {
		return "", err
	}

	for _, id := range plan.Inputs {
		if err := tx.Archive(ctx, id); err != nil {
			return "", err
		}
	}

	id, err := tx.Create(ctx, token.TemplateHolding, "", token.Holding{
		Owner:      req.Owner,
		Instrument: req.Instrument,
		Amount:     plan.Total,
		Meta:       req.Meta.With(metadata.KeyTxKind, "merge"),
	})
	if err != nil {
		return "", err
	}

	return id, tx.Emit(ctx, EventHoldingsMerged, string(id), map[string]any{
		"owner": req.Owner, "amount": plan.Total.String(), "inputs": plan.Inputs,
	})
}

// EstimateFees prices t under the schedule named by c. The holding fee is
// reported as the worst case: inputs released out of a lock.
func (r *Registry) EstimateFees(ctx context.Context, tx ledger.Tx, t token.Transfer, c choicecontext.ChoiceContext) (token.FeeEstimate, error) {
	inst, _, err := r.instrument(ctx, tx, t.Instrument)
	if err != nil {
		return token.FeeEstimate{}, err
	}

	fees, err := r.feeSchedule(ctx, tx, t.Instrument, c)
	if err != nil {
		return token.FeeEstimate{}, err
	}

	return token.FeeEstimate{
		TransferFee: transferFee(inst, fees, t.Amount),
		HoldingFee:  fees.HoldingFee,
	}, nil
}

// Preapproved reports whether receiver has a standing preapproval for instrument.
func (r *Registry) Preapproved(ctx context.Context, tx ledger.Tx, receiver string, instrument token.InstrumentID) (bool, error) {
	_, err := tx.FetchByKey(ctx, TemplatePreapproval, preapprovalKey(receiver, instrument))
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}
