package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPoolSize     = 10
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	reconnectBackoffCap = 30 * time.Second
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config describes how to reach Redis. One address is a standalone server;
// several are a cluster unless MasterName selects a sentinel group.
type Config struct {
	Addresses    []string
	MasterName   string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       log.Logger

	// CACertBase64 enables TLS, trusting the given PEM bundle.
	CACertBase64 string
	// GCPIAM replaces Password with refreshed IAM access tokens.
	GCPIAM *GCPIAMAuth
}

// String redacts the password.
func (c Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v MasterName:%q DB:%d Password:REDACTED TLS:%t IAM:%t}",
		c.Addresses, c.MasterName, c.DB, c.CACertBase64 != "", c.GCPIAM != nil)
}

func normalizeConfig(cfg Config) (Config, error) {
	addrs := make([]string, 0, len(cfg.Addresses))

	for _, a := range cfg.Addresses {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}

	if len(addrs) == 0 {
		return Config{}, fmt.Errorf("%w: at least one address is required", ErrInvalidConfig)
	}

	if cfg.DB < 0 {
		return Config{}, fmt.Errorf("%w: db must not be negative", ErrInvalidConfig)
	}

	cfg.Addresses = addrs

	if cfg.GCPIAM != nil {
		if cfg.Password != "" {
			return Config{}, fmt.Errorf("%w: password and GCP IAM auth are mutually exclusive", ErrInvalidConfig)
		}

		auth := *cfg.GCPIAM
		if err := normalizeIAM(&auth); err != nil {
			return Config{}, err
		}

		cfg.GCPIAM = &auth
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return cfg, nil
}

// Client holds a lazily reconnecting redis.UniversalClient.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool
	tls       *tls.Config

	lastReconnectAttempt time.Time
	reconnectAttempts    int

	tokens        func(ctx context.Context) (string, error)
	token         string
	lastRefresh   time.Time
	refreshErr    error
	refreshCancel context.CancelFunc
}

// New validates cfg, connects and returns a ready client. With GCP IAM auth
// it mints the first token before connecting and keeps refreshing it until
// Close.
func New(ctx context.Context, cfg Config) (*Client, error) {
	return newClient(ctx, cfg, nil)
}

func newClient(ctx context.Context, cfg Config, tokens func(ctx context.Context) (string, error)) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := tlsConfig(normalized.CACertBase64)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: normalized, logger: normalized.Logger, tls: tlsCfg, tokens: tokens}
	if c.tokens == nil {
		c.tokens = c.generateIAMToken
	}

	if c.usesIAM() {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis connect: IAM token: %w", err)
		}

		c.token = token
		c.lastRefresh = time.Now()
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.startRefreshLoop()
	c.mu.Unlock()

	return c, nil
}

// Connect (re)establishes the connection.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to connect to redis", err)
		return err
	}

	return nil
}

// GetClient returns the connected client, reconnecting on demand. Failed
// reconnects are rate limited with exponential backoff.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts), reconnectBackoffCap)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.reconnect")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++
		opentelemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopRefreshLoop()

	return c.closeLocked()
}

// IsConnected reports whether the last connect succeeded and the client is open.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to redis", log.Int("addresses", len(c.cfg.Addresses)))

	if c.client != nil {
		if err := c.closeLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}
	}

	rdb := redis.NewUniversalClient(c.optionsLocked(c.password()))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		c.connected = false

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in cluster mode")
	default:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis")
	}

	return nil
}

func (c *Client) password() string {
	if c.usesIAM() {
		return c.token
	}

	return c.cfg.Password
}

func (c *Client) optionsLocked(password string) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        c.cfg.Addresses,
		MasterName:   c.cfg.MasterName,
		Password:     password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		TLSConfig:    c.tls,
	}
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}
