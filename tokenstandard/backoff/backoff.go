// Package backoff provides capped exponential backoff with full jitter and a
// retry helper for optimistic-concurrency conflicts and flaky transports.
package backoff

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// ErrAttemptsExhausted wraps the last error when Retry gives up.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Exponential returns base * 2^attempt, saturating at MaxInt64.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- jitter only
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for duration or until ctx is done.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Policy bounds a retry loop.
type Policy struct {
	// Base is the delay before the second attempt.
	Base time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
	// MaxAttempts is the total number of tries including the first. Values below 1 mean 1.
	MaxAttempts int
}

// DefaultPolicy suits ledger contention retries.
func DefaultPolicy() Policy {
	return Policy{Base: 10 * time.Millisecond, Max: 500 * time.Millisecond, MaxAttempts: 8}
}

// Delay returns the jittered wait after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	return FullJitter(d)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. A nil retryable retries every error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := max(p.MaxAttempts, 1)

	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		if sleepErr := SleepWithContext(ctx, p.Delay(attempt)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, err)
}
