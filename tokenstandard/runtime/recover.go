package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
)

// Logger is the subset of log.Logger needed to report panics.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy decides what happens after a panic is recovered.
type PanicPolicy int

const (
	// KeepRunning logs the panic and lets the process continue.
	KeepRunning PanicPolicy = iota
	// CrashProcess logs the panic and re-panics with the original value.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}

const maxStackLen = 4096

var (
	productionMode   bool
	productionModeMu sync.RWMutex
)

// SetProductionMode hides panic values and stacks from logs when enabled.
func SetProductionMode(enabled bool) {
	productionModeMu.Lock()
	defer productionModeMu.Unlock()

	productionMode = enabled
}

// IsProductionMode reports whether panic details are redacted.
func IsProductionMode() bool {
	productionModeMu.RLock()
	defer productionModeMu.RUnlock()

	return productionMode
}

// RecoverAndLogWithContext recovers a panic, logs it and keeps running.
// It must be called directly via defer.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)
	}
}

// RecoverWithPolicyAndContext recovers a panic and applies policy.
// It must be called directly via defer.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue reports a panic value recovered elsewhere, for example
// by a framework middleware. A nil value is ignored.
func HandlePanicValue(ctx context.Context, logger Logger, value any, component, name string) {
	if value == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanic(ctx, logger, value, stack, component, name)
	RecordPanicToSpan(ctx, value, stack, component, name)
	recordPanicMetric(ctx, component, name)
}

func logPanic(ctx context.Context, logger Logger, value any, stack []byte, component, name string) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("component", component),
		log.String("goroutine_name", name),
	}

	if IsProductionMode() {
		fields = append(fields, log.String("panic_type", fmt.Sprintf("%T", value)))
	} else {
		fields = append(fields,
			log.String("panic_value", fmt.Sprint(value)),
			log.String("stack", truncateStack(stack)),
		)
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}

func truncateStack(stack []byte) string {
	if len(stack) > maxStackLen {
		return string(stack[:maxStackLen]) + "\n...[truncated]"
	}

	return string(stack)
}
