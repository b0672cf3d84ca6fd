package runtime

import (
	"context"
	"sync"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
)

var panicRecoveredMetric = metrics.Metric{
	Name:        constant.MetricPanicRecoveredTotal,
	Unit:        "1",
	Description: "Total number of recovered panics",
}

var (
	panicFactory   *metrics.MetricsFactory
	panicFactoryMu sync.RWMutex
)

// InitPanicMetrics routes recovered-panic counts to factory. The first
// non-nil factory wins; later calls are ignored.
func InitPanicMetrics(factory *metrics.MetricsFactory) {
	panicFactoryMu.Lock()
	defer panicFactoryMu.Unlock()

	if factory == nil || panicFactory != nil {
		return
	}

	panicFactory = factory
}

// ResetPanicMetrics clears the configured factory. Tests only.
func ResetPanicMetrics() {
	panicFactoryMu.Lock()
	defer panicFactoryMu.Unlock()

	panicFactory = nil
}

func recordPanicMetric(ctx context.Context, component, name string) {
	panicFactoryMu.RLock()
	factory := panicFactory
	panicFactoryMu.RUnlock()

	if factory == nil {
		return
	}

	counter, err := factory.Counter(panicRecoveredMetric)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"component":      constant.SanitizeMetricLabel(component),
		"goroutine_name": constant.SanitizeMetricLabel(name),
	}).AddOne(ctx)
}
