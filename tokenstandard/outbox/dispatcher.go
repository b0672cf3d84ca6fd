package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch results recorded on the outbox metric.
const (
	ResultPublished         = "published"
	ResultFailed            = "failed"
	ResultInvalid           = "invalid"
	ResultStateUpdateFailed = "state_update_failed"
)

// Dispatcher publishes outbox events through registered handlers.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	metrics         *metrics.MetricsFactory
	now             func() time.Time
	cfg             DispatcherConfig

	listPendingFailures int
	failureCountsMu     sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
}

var _ tokenstandard.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(repo Repository, handlers *HandlerRegistry, opts ...DispatcherOption) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	dispatcher := &Dispatcher{
		repo:            repo,
		handlers:        handlers,
		retryClassifier: DefaultRetryClassifier,
		logger:          log.NewNop(),
		tracer:          otel.Tracer("tokenstandard/outbox"),
		metrics:         metrics.NewNopFactory(),
		now:             time.Now,
		cfg:             DefaultDispatcherConfig(),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *tokenstandard.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *tokenstandard.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.tick(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.tick(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) tick(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	ctx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_tick")

	result := dispatcher.DispatchOnce(ctx)

	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs one cycle: claim a batch, publish each event and record
// the result.
//
// Delivery is at-least-once: publish happens before MarkPublished, and an
// event whose state update fails is published again after it is reclaimed.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var result DispatchResult

	for _, event := range dispatcher.collectEvents(ctx, span) {
		if ctx.Err() != nil {
			break
		}

		result.Processed++

		if err := dispatcher.publishEventWithRetry(ctx, event); err != nil {
			dispatcher.handlePublishError(ctx, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkPublished(ctx, event.ID, dispatcher.now().UTC()); err != nil {
			dispatcher.logger.Log(ctx, log.LevelError,
				"outbox event published but failed to persist PUBLISHED state; event may be published again",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)
			dispatcher.record(ctx, ResultStateUpdateFailed, event.EventType)

			result.StateUpdateFailed++

			continue
		}

		dispatcher.record(ctx, ResultPublished, event.EventType)
	}

	return result
}

func (dispatcher *Dispatcher) record(ctx context.Context, result, eventType string) {
	if err := dispatcher.metrics.RecordOutboxDispatch(ctx, result, attribute.String("event_type", eventType)); err != nil {
		dispatcher.logger.Log(ctx, log.LevelDebug, "failed to record outbox metric", log.Err(err))
	}
}

// collectEvents gathers one batch, bounded by BatchSize, in this order:
//
//  1. pending events of PriorityEventTypes, up to PriorityBudget
//  2. PROCESSING events older than ProcessingTimeout
//  3. FAILED events older than RetryWindow with attempts left
//  4. remaining PENDING events, oldest first
func (dispatcher *Dispatcher) collectEvents(ctx context.Context, span trace.Span) []*Event {
	now := dispatcher.now().UTC()
	failedBefore := now.Add(-dispatcher.cfg.RetryWindow)
	processingBefore := now.Add(-dispatcher.cfg.ProcessingTimeout)

	all := dispatcher.collectPriorityEvents(ctx, span, min(dispatcher.cfg.PriorityBudget, dispatcher.cfg.BatchSize))

	if limit := dispatcher.cfg.BatchSize - len(all); limit > 0 {
		stuck, err := dispatcher.repo.ResetStuckProcessing(ctx, limit, processingBefore, dispatcher.cfg.MaxDispatchAttempts)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to reset stuck events", err)
			log.SafeError(dispatcher.logger, ctx, "failed to reset stuck events", err, runtime.IsProductionMode())
		}

		all = append(all, stuck...)
	}

	if limit := min(dispatcher.cfg.BatchSize-len(all), dispatcher.cfg.MaxFailedPerBatch); limit > 0 {
		failed, err := dispatcher.repo.ResetForRetry(ctx, limit, failedBefore, dispatcher.cfg.MaxDispatchAttempts)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to reset failed events for retry", err)
			log.SafeError(dispatcher.logger, ctx, "failed to reset failed events for retry", err, runtime.IsProductionMode())
		}

		all = append(all, failed...)
	}

	if limit := dispatcher.cfg.BatchSize - len(all); limit > 0 {
		pending, err := dispatcher.repo.ListPending(ctx, limit)
		if err != nil {
			dispatcher.handleListPendingError(ctx, span, err)

			return deduplicateEvents(all)
		}

		dispatcher.failureCountsMu.Lock()
		dispatcher.listPendingFailures = 0
		dispatcher.failureCountsMu.Unlock()

		all = append(all, pending...)
	}

	return deduplicateEvents(all)
}

func (dispatcher *Dispatcher) collectPriorityEvents(ctx context.Context, span trace.Span, budget int) []*Event {
	if budget <= 0 || len(dispatcher.cfg.PriorityEventTypes) == 0 {
		return nil
	}

	var result []*Event

	for _, eventType := range dispatcher.cfg.PriorityEventTypes {
		remaining := budget - len(result)
		if remaining <= 0 {
			break
		}

		events, err := dispatcher.repo.ListPendingByType(ctx, eventType, remaining)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to list priority events", err)
			log.SafeError(dispatcher.logger, ctx, "failed to list priority events", err, runtime.IsProductionMode())

			continue
		}

		result = append(result, events...)
	}

	return result
}

func deduplicateEvents(events []*Event) []*Event {
	seen := make(map[uuid.UUID]bool, len(events))
	result := make([]*Event, 0, len(events))

	for _, event := range events {
		if event == nil || seen[event.ID] {
			continue
		}

		seen[event.ID] = true
		result = append(result, event)
	}

	return result
}

func (dispatcher *Dispatcher) handleListPendingError(ctx context.Context, span trace.Span, err error) {
	opentelemetry.HandleSpanError(span, "failed to list outbox events", err)
	log.SafeError(dispatcher.logger, ctx, "failed to list outbox events", err, runtime.IsProductionMode())

	dispatcher.failureCountsMu.Lock()
	dispatcher.listPendingFailures++
	count := dispatcher.listPendingFailures
	dispatcher.failureCountsMu.Unlock()

	if count >= dispatcher.cfg.ListPendingFailureThreshold {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox list pending failures exceeded threshold", log.Int("count", count))
	}
}

func (dispatcher *Dispatcher) publishEventWithRetry(ctx context.Context, event *Event) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.publishEvent(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if dispatcher.isNonRetryableError(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if len(event.Payload) == 0 {
		return ErrEventPayloadRequired
	}

	return dispatcher.handlers.Handle(ctx, event)
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, event *Event, err error) {
	if dispatcher.isNonRetryableError(err) {
		dispatcher.record(ctx, ResultInvalid, event.EventType)

		if markErr := dispatcher.repo.MarkInvalid(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event invalid",
				log.String("event_id", event.ID.String()), log.String("error", sanitizeErrorForStorage(markErr)))
		}

		return
	}

	dispatcher.record(ctx, ResultFailed, event.EventType)

	if markErr := dispatcher.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err), dispatcher.cfg.MaxDispatchAttempts); markErr != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
			log.String("event_id", event.ID.String()), log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || dispatcher.retryClassifier == nil {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
