package tokenstandard

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

const defaultTracerName = "tokenstandard.default"

// CustomContextKeyValue holds the request-scoped facilities attached to a context.
type CustomContextKeyValue struct {
	HeaderID      string
	Tracer        trace.Tracer
	Logger        log.Logger
	MetricFactory *metrics.MetricsFactory

	// AttrBag holds low-cardinality attributes applied to every span started under the context.
	AttrBag []attribute.KeyValue
}

func valuesFrom(ctx context.Context) *CustomContextKeyValue {
	current, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if current == nil {
		return &CustomContextKeyValue{}
	}

	clone := *current
	clone.AttrBag = append([]attribute.KeyValue(nil), current.AttrBag...)

	return &clone
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := valuesFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := valuesFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithMetricFactory returns a copy of ctx carrying factory.
func ContextWithMetricFactory(ctx context.Context, factory *metrics.MetricsFactory) context.Context {
	values := valuesFrom(ctx)
	values.MetricFactory = factory

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a copy of ctx carrying the request id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := valuesFrom(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithSpanAttributes appends attributes to the request's attribute bag.
func ContextWithSpanAttributes(ctx context.Context, kv ...attribute.KeyValue) context.Context {
	if len(kv) == 0 {
		return ctx
	}

	values := valuesFrom(ctx)
	values.AttrBag = append(values.AttrBag, kv...)

	return context.WithValue(ctx, CustomContextKey, values)
}

// AttributesFromContext returns a copy of the attribute bag.
func AttributesFromContext(ctx context.Context) []attribute.KeyValue {
	values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || values == nil || len(values.AttrBag) == 0 {
		return nil
	}

	out := make([]attribute.KeyValue, len(values.AttrBag))
	copy(out, values.AttrBag)

	return out
}

// NewLoggerFromContext returns the context logger or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values.Logger != nil {
		return values.Logger
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the logger, tracer, request id and metrics
// factory carried by ctx. Missing pieces fall back to a no-op logger, the
// global tracer, a fresh uuid and a no-op factory.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string, *metrics.MetricsFactory) {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		values = &CustomContextKeyValue{}
	}

	logger := values.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}

	headerID := strings.TrimSpace(values.HeaderID)
	if headerID == "" {
		headerID = uuid.NewString()
	}

	factory := values.MetricFactory
	if factory == nil {
		factory = metrics.NewNopFactory()
	}

	return logger, tracer, headerID, factory
}
