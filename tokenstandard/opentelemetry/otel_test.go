//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(append(opts, sdktrace.WithSpanProcessor(recorder))...)

	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	return provider, recorder
}

func TestInitializeTelemetryWithError_Validation(t *testing.T) {
	t.Parallel()

	_, err := InitializeTelemetryWithError(nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)

	_, err = InitializeTelemetryWithError(&TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)
}

func TestInitializeTelemetryWithError_Disabled(t *testing.T) {
	t.Parallel()

	tl, err := InitializeTelemetryWithError(&TelemetryConfig{
		LibraryName: "tokenstandard",
		ServiceName: "registryd",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, tl.MetricsFactory)
	require.NotNil(t, tl.TracerProvider)

	assert.NoError(t, tl.MetricsFactory.RecordTransferCommand(context.Background(), "accepted"))
	assert.NotPanics(t, func() { tl.ShutdownTelemetry(context.Background()) })
}

func TestHandleSpanHelpers(t *testing.T) {
	t.Parallel()

	provider, recorder := newRecorder(t)

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	HandleSpanBusinessErrorEvent(span, "business", errors.New("insufficient funds"))
	HandleSpanEvent(span, "custom", attribute.Int("legs", 2))
	HandleSpanError(span, "failed", errors.New("db down"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "failed: db down", spans[0].Status().Description)

	names := make([]string, 0, len(spans[0].Events()))
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}

	assert.Contains(t, names, "business")
	assert.Contains(t, names, "custom")
}

func TestSetSpanAttributesFromStruct(t *testing.T) {
	t.Parallel()

	provider, recorder := newRecorder(t)

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	require.NoError(t, SetSpanAttributesFromStruct(span, "app.request.payload", map[string]int{"n": 1}))
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	require.Len(t, attrs, 1)
	assert.Equal(t, `{"n":1}`, attrs[0].Value.AsString())
}

func TestAttrBagSpanProcessor(t *testing.T) {
	t.Parallel()

	provider, recorder := newRecorder(t, sdktrace.WithSpanProcessor(AttrBagSpanProcessor{}))

	ctx := tokenstandard.ContextWithSpanAttributes(context.Background(), attribute.String("app.request.request_id", "r-1"))
	_, span := provider.Tracer("test").Start(ctx, "op")
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	require.NotEmpty(t, attrs)
	assert.Equal(t, "r-1", attrs[0].Value.AsString())
}

//nolint:paralleltest // mutates the global propagator
func TestQueueAndHTTPPropagation(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	provider, _ := newRecorder(t)

	ctx, span := provider.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"event_type": "transfer.completed"})
	assert.Equal(t, "transfer.completed", headers["event_type"])
	assert.Contains(t, headers, "traceparent")

	restored := ExtractTraceContextFromQueueHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(restored).TraceID())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceIDFromContext(ctx))

	h := http.Header{}
	InjectHTTPContext(ctx, h)
	assert.NotEmpty(t, h.Get("traceparent"))
}

func TestExtractTraceContextFromQueueHeaders_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, nil))
	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, map[string]any{"n": 1}))
	assert.Empty(t, GetTraceIDFromContext(ctx))
}
