package outbox

import (
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDispatchInterval            = 2 * time.Second
	defaultBatchSize                   = 50
	defaultPublishMaxAttempts          = 3
	defaultPublishBackoff              = 200 * time.Millisecond
	defaultListPendingFailureThreshold = 3
	defaultRetryWindow                 = 5 * time.Minute
	defaultMaxDispatchAttempts         = 10
	defaultProcessingTimeout           = 10 * time.Minute
	defaultPriorityBudget              = 10
	defaultMaxFailedPerBatch           = 25
)

// DispatcherConfig controls dispatcher polling and retry behavior.
type DispatcherConfig struct {
	// DispatchInterval is the pause between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max in-cycle publish attempts for one event.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between in-cycle publish attempts.
	PublishBackoff time.Duration
	// ListPendingFailureThreshold raises repeated list failures to an error log.
	ListPendingFailureThreshold int
	// RetryWindow is the minimum age of a failed event before it is retried.
	RetryWindow time.Duration
	// MaxDispatchAttempts is the number of failed cycles before an event is invalidated.
	MaxDispatchAttempts int
	// ProcessingTimeout is the age after which a claimed event is reclaimed.
	ProcessingTimeout time.Duration
	// PriorityBudget limits how many priority events are selected per cycle.
	PriorityBudget int
	// MaxFailedPerBatch limits how many failed events are retried per cycle.
	MaxFailedPerBatch int
	// PriorityEventTypes are pulled first each cycle, in order.
	PriorityEventTypes []string
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:            defaultDispatchInterval,
		BatchSize:                   defaultBatchSize,
		PublishMaxAttempts:          defaultPublishMaxAttempts,
		PublishBackoff:              defaultPublishBackoff,
		ListPendingFailureThreshold: defaultListPendingFailureThreshold,
		RetryWindow:                 defaultRetryWindow,
		MaxDispatchAttempts:         defaultMaxDispatchAttempts,
		ProcessingTimeout:           defaultProcessingTimeout,
		PriorityBudget:              defaultPriorityBudget,
		MaxFailedPerBatch:           defaultMaxFailedPerBatch,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.ListPendingFailureThreshold <= 0 {
		cfg.ListPendingFailureThreshold = defaults.ListPendingFailureThreshold
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaults.MaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.PriorityBudget <= 0 {
		cfg.PriorityBudget = defaults.PriorityBudget
	}

	if cfg.MaxFailedPerBatch <= 0 {
		cfg.MaxFailedPerBatch = defaults.MaxFailedPerBatch
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithBatchSize sets the maximum events processed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max publish attempts per event.
func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for publish retry attempts.
func WithPublishBackoff(backoff time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if backoff > 0 {
			dispatcher.cfg.PublishBackoff = backoff
		}
	}
}

// WithRetryWindow sets the failed-event cooldown.
func WithRetryWindow(retryWindow time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retryWindow > 0 {
			dispatcher.cfg.RetryWindow = retryWindow
		}
	}
}

// WithMaxDispatchAttempts sets max dispatch attempts before invalidation.
func WithMaxDispatchAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxDispatchAttempts = attempts
		}
	}
}

// WithProcessingTimeout sets the timeout used to reclaim stuck events.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithPriorityEventTypes sets the ordered event types selected before generic pending events.
func WithPriorityEventTypes(eventTypes ...string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		types := make([]string, 0, len(eventTypes))

		for _, eventType := range eventTypes {
			if normalized := strings.TrimSpace(eventType); normalized != "" {
				types = append(types, normalized)
			}
		}

		if len(types) == 0 {
			types = nil
		}

		dispatcher.cfg.PriorityEventTypes = types
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.retryClassifier = classifier
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger log.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if tracer != nil {
			dispatcher.tracer = tracer
		}
	}
}

// WithMetricsFactory sets the factory dispatch results are recorded on.
func WithMetricsFactory(factory *metrics.MetricsFactory) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if factory != nil {
			dispatcher.metrics = factory
		}
	}
}

// WithDispatcherClock sets the clock used for retry windows and publish timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}
