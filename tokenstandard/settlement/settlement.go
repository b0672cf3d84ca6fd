// Package settlement is a reference orchestrator for multi-leg trades. It
// checks every leg's allocation against the trade before executing any of
// them, then executes all legs inside the caller's unit of work.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/allocation"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrUnauthorized is returned when the actor is not the executor.
	ErrUnauthorized = token.NewDomainError(constant.ErrUnauthorizedActor, "actor", "only the settlement executor may settle")
	// ErrNotReady is returned before the trade's preparation window closes.
	ErrNotReady = token.NewDomainError(constant.ErrSettlementNotReady, "prepareUntil", "settlement is still being prepared")
	// ErrDeadlineExceeded is returned at or after settleBefore.
	ErrDeadlineExceeded = token.NewDomainError(constant.ErrDeadlineExceeded, "settleBefore", "settlement deadline has passed")
	// ErrLegCountMismatch is returned when allocations and legs differ in number.
	ErrLegCountMismatch = token.NewDomainError(constant.ErrLegCountMismatch, "allocations", "one allocation per leg is required")
	// ErrAllocationMismatch is returned when an allocation funds another leg.
	ErrAllocationMismatch = token.NewDomainError(constant.ErrAllocationMismatch, "allocations", "allocation does not match the expected leg")
	// ErrExtrasMismatch is returned when extras are neither shared nor per leg.
	ErrExtrasMismatch = token.NewDomainError(constant.ErrInvalidSpecification, "extras", "pass one extra argument set or one per leg")
	// ErrMachineRequired is returned by New without an allocation machine.
	ErrMachineRequired = errors.New("settlement: allocation machine is required")
)

// Trade is a settlement and its ordered legs.
type Trade struct {
	Settlement   allocation.SettlementInfo `json:"settlement"`
	Legs         []token.Transfer          `json:"transferLegs"`
	PrepareUntil time.Time                 `json:"prepareUntil"`
}

// AllocationRequests returns the specification each leg's sender must
// allocate.
func AllocationRequests(trade Trade) []allocation.Specification {
	out := make([]allocation.Specification, len(trade.Legs))

	for i, leg := range trade.Legs {
		out[i] = allocation.Specification{Settlement: trade.Settlement, TransferLegID: i, Leg: leg}
	}

	return out
}

// Orchestrator settles trades through the allocation machine.
type Orchestrator struct {
	allocations *allocation.Machine
}

// New returns an orchestrator over m.
func New(m *allocation.Machine) (*Orchestrator, error) {
	if m == nil {
		return nil, ErrMachineRequired
	}

	return &Orchestrator{allocations: m}, nil
}

// Settle executes every leg of trade. Either every allocation is verified
// and executed, or an error is returned and the caller's unit of work must
// be discarded. extras holds one set shared by all legs or one per leg.
func (o *Orchestrator) Settle(ctx context.Context, tx ledger.Tx, trade Trade, actor string, allocationIDs []ledger.ContractID, extras []choicecontext.ExtraArgs) ([]allocation.ExecuteResult, error) {
	logger, tracer, _, factory := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.settle")
	defer span.End()

	span.SetAttributes(
		attribute.String("settlement.id", trade.Settlement.Settlement.ID),
		attribute.Int("settlement.legs", len(trade.Legs)),
	)

	if err := opentelemetry.SetSpanAttributesFromStruct(span, "app.request.trade", trade); err != nil {
		logger.Log(ctx, log.LevelDebug, "failed to attach trade to span", log.Err(err))
	}

	start := time.Now()

	results, err := o.settle(ctx, tx, trade, actor, allocationIDs, extras)
	if err != nil {
		var de token.DomainError
		if errors.As(err, &de) {
			opentelemetry.HandleSpanBusinessErrorEvent(span, "settlement rejected", err)
		} else {
			opentelemetry.HandleSpanError(span, "settlement failed", err)
		}

		_ = factory.RecordSettlement(ctx, "rejected", time.Since(start))
		logger.Log(ctx, log.LevelWarn, "settlement rejected",
			log.String("settlement", trade.Settlement.Settlement.ID), log.Err(err))

		return nil, err
	}

	_ = factory.RecordSettlement(ctx, "settled", time.Since(start))
	logger.Log(ctx, log.LevelInfo, "settlement executed",
		log.String("settlement", trade.Settlement.Settlement.ID), log.Int("legs", len(results)))

	return results, nil
}

func (o *Orchestrator) settle(ctx context.Context, tx ledger.Tx, trade Trade, actor string, allocationIDs []ledger.ContractID, extras []choicecontext.ExtraArgs) ([]allocation.ExecuteResult, error) {
	if actor != trade.Settlement.Executor {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, actor)
	}

	now := tx.Now()

	if now.Before(trade.PrepareUntil) {
		return nil, ErrNotReady
	}

	if !now.Before(trade.Settlement.SettleBefore) {
		return nil, ErrDeadlineExceeded
	}

	if len(allocationIDs) != len(trade.Legs) {
		return nil, fmt.Errorf("%w: %d allocations for %d legs", ErrLegCountMismatch, len(allocationIDs), len(trade.Legs))
	}

	if len(extras) != 1 && len(extras) != len(trade.Legs) {
		return nil, ErrExtrasMismatch
	}

	expected := AllocationRequests(trade)

	for i, id := range allocationIDs {
		view, err := o.allocations.View(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		if !view.Equal(expected[i]) {
			return nil, fmt.Errorf("%w: leg %d", ErrAllocationMismatch, i)
		}
	}

	results := make([]allocation.ExecuteResult, 0, len(allocationIDs))

	for i, id := range allocationIDs {
		extra := extras[0]
		if len(extras) > 1 {
			extra = extras[i]
		}

		res, err := o.allocations.ExecuteTransfer(ctx, tx, id, actor, extra)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}

		results = append(results, res)
	}

	return results, nil
}

// Abandon cancels every allocation of trade that is still active and
// returns the ones it cancelled.
func (o *Orchestrator) Abandon(ctx context.Context, tx ledger.Tx, trade Trade, actor string, allocationIDs []ledger.ContractID) ([]ledger.ContractID, error) {
	if actor != trade.Settlement.Executor {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, actor)
	}

	cancelled := make([]ledger.ContractID, 0, len(allocationIDs))

	for _, id := range allocationIDs {
		if _, err := o.allocations.View(ctx, tx, id); errors.Is(err, ledger.ErrStaleReference) {
			continue
		} else if err != nil {
			return nil, err
		}

		if _, err := o.allocations.Cancel(ctx, tx, id, actor, choicecontext.NoExtra()); err != nil {
			return nil, err
		}

		cancelled = append(cancelled, id)
	}

	_, _, _, factory := tokenstandard.NewTrackingFromContext(ctx)
	_ = factory.RecordSettlement(ctx, "abandoned", 0)

	return cancelled, nil
}
