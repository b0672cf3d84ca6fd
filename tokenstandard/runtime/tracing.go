package runtime

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is recorded on spans that observed a panic.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event name for recovered panics.
const PanicSpanEventName = constant.EventPanicRecovered

// RecordPanicToSpan marks the span in ctx as errored and adds a panic event.
// It is a no-op when ctx carries no recording span.
func RecordPanicToSpan(ctx context.Context, value any, stack []byte, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(constant.AttrPrefixPanic+"component", component),
		attribute.String(constant.AttrPrefixPanic+"goroutine_name", name),
	}

	if !IsProductionMode() {
		attrs = append(attrs,
			attribute.String(constant.AttrPrefixPanic+"value", fmt.Sprint(value)),
			attribute.String(constant.AttrPrefixPanic+"stack", truncateStack(stack)),
		)
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(ErrPanic)
	span.SetStatus(codes.Error, "panic recovered in "+name)
}
