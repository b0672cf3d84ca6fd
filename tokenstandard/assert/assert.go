// Package assert checks internal invariants and reports violations as errors
// instead of panics, with a log line, a span event and a metric per failure.
package assert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the logging surface assertions need.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError describes a failed assertion.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   map[string]string
}

// Error returns the formatted assertion failure message.
func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	return "assertion failed: " + e.Message
}

// Unwrap returns ErrAssertionFailed so callers can use errors.Is.
func (e *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter evaluates invariants for one component and operation.
type Asserter struct {
	logger    Logger
	component string
	operation string
}

// New creates an Asserter. A nil logger is allowed.
func New(logger Logger, component, operation string) *Asserter {
	return &Asserter{logger: logger, component: component, operation: operation}
}

// That fails when ok is false.
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv)
}

// NotNil fails when v is nil, including typed nils.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv)
}

// NotEmpty fails when s is empty.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if s != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv)
}

// Positive fails unless d > 0.
func (a *Asserter) Positive(ctx context.Context, d decimal.Decimal, msg string, kv ...any) error {
	if d.IsPositive() {
		return nil
	}

	return a.fail(ctx, "Positive", msg, append([]any{"value", d.String()}, kv...))
}

// NoError fails when err is non-nil.
func (a *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	return a.fail(ctx, "NoError", msg, append([]any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, kv...))
}

// Never always fails. Use it on unreachable branches.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv)
}

const maxValueLength = 200

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv []any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var logger Logger

	component, operation := "", ""
	if a != nil {
		logger, component, operation = a.logger, a.component, a.operation
	}

	details := pairs(kv)

	if logger != nil {
		fields := make([]log.Field, 0, len(details)+3)
		fields = append(fields,
			log.String("assertion", assertion),
			log.String("component", component),
			log.String("operation", operation),
		)

		for k, v := range details {
			fields = append(fields, log.String(k, v))
		}

		logger.Log(ctx, log.LevelError, "ASSERTION FAILED: "+msg, fields...)
	}

	recordMetric(ctx, component, operation, assertion)
	recordSpan(ctx, assertion, msg, component, operation)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
		Details:   details,
	}
}

func pairs(kv []any) map[string]string {
	out := make(map[string]string, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		value := "MISSING_VALUE"
		if i+1 < len(kv) {
			value = truncate(kv[i+1])
		}

		out[fmt.Sprint(kv[i])] = value
	}

	return out
}

func truncate(v any) string {
	s := fmt.Sprint(v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "... (truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

var assertionFailedMetric = metrics.Metric{
	Name:        constant.MetricAssertionFailedTotal,
	Unit:        "1",
	Description: "Total number of failed assertions",
}

var (
	metricFactory   *metrics.MetricsFactory
	metricFactoryMu sync.RWMutex
)

// InitAssertionMetrics routes assertion failure counts to factory.
func InitAssertionMetrics(factory *metrics.MetricsFactory) {
	metricFactoryMu.Lock()
	defer metricFactoryMu.Unlock()

	if factory != nil && metricFactory == nil {
		metricFactory = factory
	}
}

// ResetAssertionMetrics clears the configured factory. Tests only.
func ResetAssertionMetrics() {
	metricFactoryMu.Lock()
	defer metricFactoryMu.Unlock()

	metricFactory = nil
}

func recordMetric(ctx context.Context, component, operation, assertion string) {
	metricFactoryMu.RLock()
	factory := metricFactory
	metricFactoryMu.RUnlock()

	if factory == nil {
		return
	}

	counter, err := factory.Counter(assertionFailedMetric)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"component": constant.SanitizeMetricLabel(component),
		"operation": constant.SanitizeMetricLabel(operation),
		"assertion": constant.SanitizeMetricLabel(assertion),
	}).AddOne(ctx)
}

// AssertionSpanEventName is the span event recorded for failures.
const AssertionSpanEventName = constant.EventAssertionFailed

func recordSpan(ctx context.Context, assertion, msg, component, operation string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(AssertionSpanEventName, trace.WithAttributes(
		attribute.String(constant.AttrPrefixAssertion+"name", assertion),
		attribute.String(constant.AttrPrefixAssertion+"message", msg),
		attribute.String(constant.AttrPrefixAssertion+"component", component),
		attribute.String(constant.AttrPrefixAssertion+"operation", operation),
	))
	span.RecordError(fmt.Errorf("%w: %s", ErrAssertionFailed, msg))
	span.SetStatus(codes.Error, "assertion failed in "+component+"/"+operation)
}
