package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Domain instruments.
var (
	MetricTransferInstructions = Metric{
		Name:        "transfer_instructions_total",
		Unit:        "1",
		Description: "Transfer instruction state transitions by outcome.",
	}

	MetricTransferCommands = Metric{
		Name:        "transfer_commands_total",
		Unit:        "1",
		Description: "Transfer command lifecycle events by outcome.",
	}

	MetricNoncesConsumed = Metric{
		Name:        "transfer_command_nonces_consumed_total",
		Unit:        "1",
		Description: "Nonces consumed by transfer command processing.",
	}

	MetricAllocations = Metric{
		Name:        "allocations_total",
		Unit:        "1",
		Description: "Allocation lifecycle events by outcome.",
	}

	MetricSettlements = Metric{
		Name:        "settlements_total",
		Unit:        "1",
		Description: "Settlement batches by outcome.",
	}

	MetricSettlementLatency = Metric{
		Name:        "settlement_duration_ms",
		Unit:        "ms",
		Description: "Time spent executing a settlement batch.",
	}

	MetricOutboxDispatched = Metric{
		Name:        "outbox_events_dispatched_total",
		Unit:        "1",
		Description: "Outbox events dispatched by result.",
	}
)

func (f *MetricsFactory) count(ctx context.Context, m Metric, outcome string, attrs []attribute.KeyValue) error {
	b, err := f.Counter(m)
	if err != nil {
		return err
	}

	return b.WithAttributes(attribute.String("outcome", outcome)).WithAttributes(attrs...).AddOne(ctx)
}

// RecordTransferInstruction counts a transfer instruction transition.
func (f *MetricsFactory) RecordTransferInstruction(ctx context.Context, outcome string, attrs ...attribute.KeyValue) error {
	return f.count(ctx, MetricTransferInstructions, outcome, attrs)
}

// RecordTransferCommand counts a transfer command event.
func (f *MetricsFactory) RecordTransferCommand(ctx context.Context, outcome string, attrs ...attribute.KeyValue) error {
	return f.count(ctx, MetricTransferCommands, outcome, attrs)
}

// RecordNonceConsumed counts a consumed nonce.
func (f *MetricsFactory) RecordNonceConsumed(ctx context.Context, attrs ...attribute.KeyValue) error {
	b, err := f.Counter(MetricNoncesConsumed)
	if err != nil {
		return err
	}

	return b.WithAttributes(attrs...).AddOne(ctx)
}

// RecordAllocation counts an allocation event.
func (f *MetricsFactory) RecordAllocation(ctx context.Context, outcome string, attrs ...attribute.KeyValue) error {
	return f.count(ctx, MetricAllocations, outcome, attrs)
}

// RecordSettlement counts a settlement and records how long it took.
func (f *MetricsFactory) RecordSettlement(ctx context.Context, outcome string, elapsed time.Duration, attrs ...attribute.KeyValue) error {
	if err := f.count(ctx, MetricSettlements, outcome, attrs); err != nil {
		return err
	}

	h, err := f.Histogram(MetricSettlementLatency)
	if err != nil {
		return err
	}

	return h.WithAttributes(attribute.String("outcome", outcome)).Record(ctx, elapsed.Milliseconds())
}

// RecordOutboxDispatch counts an outbox dispatch result.
func (f *MetricsFactory) RecordOutboxDispatch(ctx context.Context, result string, attrs ...attribute.KeyValue) error {
	return f.count(ctx, MetricOutboxDispatched, result, attrs)
}
