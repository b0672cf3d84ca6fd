package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/assert"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const maxLockTries = 1000

var (
	// ErrNilLockHandle is returned when a nil lock handle is released.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock finds the lock already gone.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned when a method is called on a nil RedisLockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when WithLock receives a nil function.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrInvalidLockOptions is returned by validateLockOptions.
	ErrInvalidLockOptions = errors.New("invalid lock options")
)

// LockHandle releases a lock obtained through TryLock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockManager is the distributed mutual exclusion used by background workers.
type LockManager interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
	WithLockOptions(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) error
	TryLock(ctx context.Context, key string) (LockHandle, bool, error)
}

var _ LockManager = (*RedisLockManager)(nil)

// LockOptions configures lock acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder can keep the lock.
	Expiry time.Duration
	// Tries is at least 1 and at most 1000.
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions returns 10s expiry, 3 tries, 500ms between tries.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func validateLockOptions(opts LockOptions) error {
	switch {
	case opts.Expiry <= 0:
		return fmt.Errorf("%w: expiry must be greater than 0", ErrInvalidLockOptions)
	case opts.Tries < 1:
		return fmt.Errorf("%w: tries must be at least 1", ErrInvalidLockOptions)
	case opts.Tries > maxLockTries:
		return fmt.Errorf("%w: tries exceeds %d", ErrInvalidLockOptions, maxLockTries)
	case opts.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay cannot be negative", ErrInvalidLockOptions)
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be in [0, 1)", ErrInvalidLockOptions)
	}

	return nil
}

// clientPool resolves the current client on every Get so the pool survives reconnects.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")
		return ErrLockNotHeld
	}

	return nil
}

// RedisLockManager implements LockManager with redsync.
type RedisLockManager struct {
	redsync *redsync.Redsync
}

func nilLockAssert(ctx context.Context, operation string) error {
	a := assert.New(tokenstandard.NewLoggerFromContext(ctx), "redis.RedisLockManager", operation)
	_ = a.Never(ctx, "nil receiver on *redis.RedisLockManager")

	return ErrNilLockManager
}

// NewLockManager verifies connectivity and returns a lock manager bound to conn.
func NewLockManager(ctx context.Context, conn *Client) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(ctx); err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	return &RedisLockManager{redsync: redsync.New(&clientPool{conn: conn})}, nil
}

// WithLock runs fn while holding key with DefaultLockOptions.
func (dl *RedisLockManager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if dl == nil {
		return nilLockAssert(ctx, "WithLock")
	}

	return dl.WithLockOptions(ctx, key, DefaultLockOptions(), fn)
}

// WithLockOptions runs fn while holding key. The lock is released even when fn fails.
func (dl *RedisLockManager) WithLockOptions(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil {
		return nilLockAssert(ctx, "WithLockOptions")
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(key)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		key,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock", log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "Function execution failed", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock makes a single acquisition attempt. A busy lock is reported as
// (nil, false, nil); any other failure is returned as an error.
func (dl *RedisLockManager) TryLock(ctx context.Context, key string) (LockHandle, bool, error) {
	if dl == nil {
		return nil, false, nilLockAssert(ctx, "TryLock")
	}

	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(key)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(key, redsync.WithExpiry(DefaultLockOptions().Expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		msg := err.Error()

		if errors.Is(err, redsync.ErrFailed) || strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock") {
			logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeKey))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeKey, err)
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

func safeLockKeyForLogs(key string) string {
	const maxKeyLen = 128

	key = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}

		return r
	}, key)

	if len(key) > maxKeyLen {
		return key[:maxKeyLen] + "...(truncated)"
	}

	return key
}
