package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry/metrics"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
)

var connectionFailuresMetric = metrics.Metric{
	Name:        "rabbitmq_connection_failures_total",
	Unit:        "1",
	Description: "Total number of rabbitmq connection failures",
}

var (
	ErrURLRequired   = errors.New("rabbitmq url is required")
	ErrNotConnected  = errors.New("rabbitmq is not connected")
	ErrNilConnection = errors.New("rabbitmq connection is nil")
)

// Config holds the broker settings.
type Config struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration
	Retry          backoff.Policy
	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// Connection owns one AMQP connection and the confirming publisher on it.
type Connection struct {
	cfg    Config
	logger log.Logger

	dial func(url string) (*amqp.Connection, error)

	mu        sync.Mutex
	conn      *amqp.Connection
	publisher *Publisher
}

// NewConnection validates cfg. It does not dial.
func NewConnection(cfg Config) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, ErrExchangeRequired
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = backoff.Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 5}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	return &Connection{cfg: cfg, logger: logger, dial: amqp.Dial}, nil
}

// Connect dials the broker, declares the event topology and puts a channel
// in confirm mode. Dial failures are retried with backoff.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publisher != nil && !c.publisher.Closed() {
		return nil
	}

	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	var conn *amqp.Connection

	err := backoff.Retry(ctx, c.cfg.Retry, func(context.Context) error {
		var dialErr error

		conn, dialErr = c.dial(c.cfg.URL)
		if dialErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "rabbitmq dial failed",
				log.String("error_detail", sanitizeAMQPErr(dialErr, c.cfg.URL)))
			c.recordConnectionFailure(ctx, "dial")
		}

		return dialErr
	}, nil)
	if err != nil {
		sanitized := newSanitizedError(err, c.cfg.URL, "failed to connect to rabbitmq")
		opentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

		return sanitized
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		c.recordConnectionFailure(ctx, "channel")
		opentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	if err := DeclareEventTopology(ch, c.cfg.Exchange); err != nil {
		_ = conn.Close()

		opentelemetry.HandleSpanError(span, "Failed to declare topology", err)

		return err
	}

	pub, err := NewPublisher(ch, c.cfg.Exchange, WithLogger(c.logger), WithConfirmTimeout(c.cfg.ConfirmTimeout))
	if err != nil {
		_ = conn.Close()

		opentelemetry.HandleSpanError(span, "Failed to create publisher", err)

		return err
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.conn = conn
	c.publisher = pub

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq", log.String("exchange", c.cfg.Exchange))

	return nil
}

// Handle publishes event, reconnecting first when the channel was lost. It
// matches outbox.EventHandler.
func (c *Connection) Handle(ctx context.Context, event *outbox.Event) error {
	if c == nil {
		return ErrNilConnection
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	pub := c.publisher
	c.mu.Unlock()

	if pub == nil {
		return ErrNotConnected
	}

	return pub.Handle(ctx, event)
}

// Close closes the publisher channel and the connection.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		c.publisher = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		c.conn = nil
	}

	return errors.Join(errs...)
}

func (c *Connection) recordConnectionFailure(ctx context.Context, operation string) {
	if c.cfg.MetricsFactory == nil {
		return
	}

	counter, err := c.cfg.MetricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to create rabbitmq metric counter", log.Err(err))
		return
	}

	if err := counter.WithLabels(map[string]string{"operation": operation}).AddOne(ctx); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to record rabbitmq metric", log.Err(err))
	}
}

// sanitizedError hides the connection string in Error() while Unwrap keeps
// the original for errors.Is.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	ref, parseErr := url.Parse(connectionString)
	if connectionString == "" || parseErr != nil {
		return msg
	}

	redacted := ref.Redacted()
	msg = strings.ReplaceAll(msg, connectionString, redacted)
	msg = strings.ReplaceAll(msg, ref.String(), redacted)

	if ref.User != nil {
		if pass, ok := ref.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}

// BuildConnectionString constructs an AMQP url. Credentials and vhost are
// escaped, an empty vhost selects the default "/".
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhost names may contain '/', which must travel as %2F.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
