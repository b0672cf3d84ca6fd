package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrPublisherRequired      = errors.New("rabbitmq publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrExchangeRequired       = errors.New("rabbitmq exchange is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel defines the AMQP channel operations a Publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// RoutingKeyFunc maps an event to its routing key.
type RoutingKeyFunc func(event *outbox.Event) string

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithRoutingKey overrides the default routing, which is the event type.
func WithRoutingKey(fn RoutingKeyFunc) PublisherOption {
	return func(pub *Publisher) {
		if fn != nil {
			pub.routingKey = fn
		}
	}
}

// Publisher sends outbox events to a topic exchange and waits for the
// broker to confirm each one. Publishes are serialized so confirmations
// arrive in order without delivery tag bookkeeping.
type Publisher struct {
	ch             ConfirmableChannel
	exchange       string
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         log.Logger
	confirmTimeout time.Duration
	routingKey     RoutingKeyFunc

	publishMu sync.Mutex
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher puts ch in confirm mode and returns a Publisher for exchange.
func NewPublisher(ch ConfirmableChannel, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if strings.TrimSpace(exchange) == "" {
		return nil, ErrExchangeRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	pub := &Publisher{
		ch:             ch,
		exchange:       exchange,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		routingKey:     func(e *outbox.Event) string { return e.EventType },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	go pub.watchClose(closeNotify)

	return pub, nil
}

func (pub *Publisher) watchClose(closeNotify <-chan *amqp.Error) {
	amqpErr, ok := <-closeNotify
	if ok && amqpErr != nil {
		pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
			log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
	}

	pub.markClosed()
}

func (pub *Publisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}

// Handle implements outbox.EventHandler.
func (pub *Publisher) Handle(ctx context.Context, event *outbox.Event) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.publish_event")
	defer span.End()

	key := pub.routingKey(event)

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", pub.exchange),
		attribute.String("messaging.rabbitmq.routing_key", key),
		attribute.String("outbox.event_id", event.ID.String()),
	)

	msg := amqp.Publishing{
		MessageId:    event.ID.String(),
		Type:         event.EventType,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.CreatedAt,
		Body:         event.Payload,
		Headers: amqp.Table(opentelemetry.PrepareQueueHeaders(ctx, map[string]any{
			"aggregate_id": event.AggregateID,
		})),
	}

	if err := pub.Publish(ctx, key, msg); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to publish event", err)
		return err
	}

	return nil
}

// Publish sends msg with routing key and waits for its confirmation.
func (pub *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	closed := pub.closed
	pub.mu.RUnlock()

	if closed {
		return ErrPublisherClosed
	}

	if err := pub.ch.PublishWithContext(ctx, pub.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := pub.waitForConfirm(ctx)
	if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A late confirmation would be read as the answer to the next publish.
		pub.markClosed()
		_ = pub.ch.Close()
	}

	return err
}

func (pub *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(pub.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-pub.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-pub.closedCh:
		return ErrPublisherClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Closed reports whether the channel behind the publisher is gone.
func (pub *Publisher) Closed() bool {
	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

// Close closes the channel. It is safe to call more than once.
func (pub *Publisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	closed := pub.closed
	pub.mu.RUnlock()

	pub.markClosed()

	if closed {
		return nil
	}

	return pub.ch.Close()
}
