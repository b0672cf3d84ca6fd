package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/allocation"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/transfer"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnresolvableInstrument is returned when factory choice arguments name no instrument.
var ErrUnresolvableInstrument = token.NewDomainError(constant.ErrInvalidSpecification, "choiceArguments", "choice arguments do not name an instrument")

var (
	_ choicecontext.Provider     = (*Registry)(nil)
	_ transfer.PreparationPolicy = (*Registry)(nil)
)

// factoryArguments covers the three shapes factory arguments arrive in.
type factoryArguments struct {
	Instrument *token.InstrumentID `json:"instrumentId"`
	Transfer   *struct {
		Instrument *token.InstrumentID `json:"instrumentId"`
	} `json:"transfer"`
	Allocation *struct {
		Leg *struct {
			Instrument *token.InstrumentID `json:"instrumentId"`
		} `json:"transferLeg"`
	} `json:"allocation"`
}

func (a factoryArguments) instrument() (token.InstrumentID, bool) {
	switch {
	case a.Instrument != nil:
		return *a.Instrument, true
	case a.Transfer != nil && a.Transfer.Instrument != nil:
		return *a.Transfer.Instrument, true
	case a.Allocation != nil && a.Allocation.Leg != nil && a.Allocation.Leg.Instrument != nil:
		return *a.Allocation.Leg.Instrument, true
	}

	return token.InstrumentID{}, false
}

// ChoiceContext computes the context of one choice from the current ledger
// state. The response is valid for the registry's context TTL.
func (r *Registry) ChoiceContext(ctx context.Context, req choicecontext.Request) (choicecontext.Response, error) {
	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "registry.choice_context")
	defer span.End()

	span.SetAttributes(attribute.String("choice_context.kind", string(req.Kind)))

	if err := req.Validate(); err != nil {
		opentelemetry.HandleSpanBusinessErrorEvent(span, "invalid choice context request", err)
		return choicecontext.Response{}, err
	}

	var resp choicecontext.Response

	err := r.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		resp, err = r.computeContext(ctx, tx, req)

		return err
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to compute choice context", err)
		return choicecontext.Response{}, err
	}

	logger.Log(ctx, log.LevelDebug, "choice context served",
		log.String("kind", string(req.Kind)),
		log.Int("disclosed", len(resp.Disclosed)))

	return resp, nil
}

func (r *Registry) computeContext(ctx context.Context, tx ledger.Tx, req choicecontext.Request) (choicecontext.Response, error) {
	disclosed := choicecontext.Disclosures{}

	var instrument token.InstrumentID

	switch req.Kind {
	case choicecontext.KindAllocationExecuteTransfer, choicecontext.KindAllocationWithdraw, choicecontext.KindAllocationCancel:
		alloc, err := fetchDisclosed[allocation.Allocation](ctx, tx, disclosed, allocation.TemplateAllocation, req.ContractID)
		if err != nil {
			return choicecontext.Response{}, err
		}

		instrument = alloc.Spec.Leg.Instrument

		if err := r.discloseByID(ctx, tx, disclosed, alloc.LockedHolding); err != nil {
			return choicecontext.Response{}, err
		}
	case choicecontext.KindTransferExecute, choicecontext.KindTransferAbort:
		inst, err := fetchDisclosed[transfer.Instruction](ctx, tx, disclosed, transfer.TemplateInstruction, req.ContractID)
		if err != nil {
			return choicecontext.Response{}, err
		}

		instrument = inst.Spec.Transfer.Instrument
	default:
		var args factoryArguments

		if len(req.ChoiceArguments) > 0 {
			if err := json.Unmarshal(req.ChoiceArguments, &args); err != nil {
				return choicecontext.Response{}, fmt.Errorf("%w: %w", ErrUnresolvableInstrument, err)
			}
		}

		id, ok := args.instrument()
		if !ok {
			return choicecontext.Response{}, ErrUnresolvableInstrument
		}

		instrument = id
	}

	_, instID, err := r.instrument(ctx, tx, instrument)
	if err != nil {
		return choicecontext.Response{}, err
	}

	feeContract, err := tx.FetchByKey(ctx, TemplateFeeSchedule, instrument.String())
	if err != nil {
		return choicecontext.Response{}, err
	}

	if err := r.discloseByID(ctx, tx, disclosed, instID); err != nil {
		return choicecontext.Response{}, err
	}

	disclosed.Add(disclose(feeContract))

	c := choicecontext.Empty().
		With(KeyFeeSchedule, choicecontext.ContractID(feeContract.ID)).
		With(KeyInstrument, choicecontext.ContractID(instID)).
		With(KeyAdmin, choicecontext.Text(r.admin))
	c.ValidUntil = tx.Now().Add(r.ttl)

	return choicecontext.Response{Context: c, Disclosed: disclosed}, nil
}

func (r *Registry) discloseByID(ctx context.Context, tx ledger.Tx, ds choicecontext.Disclosures, id ledger.ContractID) error {
	c, err := tx.Fetch(ctx, id)
	if err != nil {
		return err
	}

	ds.Add(disclose(c))

	return nil
}

func fetchDisclosed[T any](ctx context.Context, tx ledger.Tx, ds choicecontext.Disclosures, template ledger.TemplateID, id ledger.ContractID) (T, error) {
	var zero T

	c, err := tx.Fetch(ctx, id)
	if err != nil {
		return zero, err
	}

	if c.Template != template {
		return zero, fmt.Errorf("%w: %s is not a %s", ledger.ErrStaleReference, id, template)
	}

	v, err := ledger.Decode[T](c)
	if err != nil {
		return zero, err
	}

	ds.Add(disclose(c))

	return v, nil
}

func disclose(c ledger.Contract) choicecontext.DisclosedContract {
	return choicecontext.DisclosedContract{
		ContractID: c.ID,
		TemplateID: c.Template,
		Blob:       base64.StdEncoding.EncodeToString(c.Payload),
	}
}

// Prepare implements transfer.PreparationPolicy. A receiver without a
// standing preapproval must accept the transfer before it can execute.
func (r *Registry) Prepare(ctx context.Context, tx ledger.Tx, spec transfer.Specification) (map[string]string, error) {
	ok, err := r.Preapproved(ctx, tx, spec.Transfer.Receiver, spec.Transfer.Instrument)
	if err != nil {
		return nil, err
	}

	if ok {
		return nil, nil
	}

	return map[string]string{spec.Transfer.Receiver: "accept transfer"}, nil
}
