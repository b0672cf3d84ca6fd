package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrOpen is returned while a breaker rejects calls.
	ErrOpen = errors.New("circuit breaker open")
	// ErrUnknownService is returned by Execute before GetOrCreate.
	ErrUnknownService = errors.New("circuit breaker not registered")
)

// Manager hands out named breakers.
type Manager interface {
	// GetOrCreate returns the breaker for serviceName, creating it with cfg
	// on first use. Later calls ignore cfg.
	GetOrCreate(serviceName string, cfg Config) CircuitBreaker
	// Execute runs fn through the breaker registered for serviceName.
	Execute(serviceName string, fn func() (any, error)) (any, error)
	GetState(serviceName string) State
	GetCounts(serviceName string) Counts
	// IsHealthy is true only while the breaker is closed.
	IsHealthy(serviceName string) bool
	// Reset recreates the breaker closed, with its original config.
	Reset(serviceName string)
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // requests let through while half-open
	Interval            time.Duration // closed-state window after which counts reset
	Timeout             time.Duration // open period before half-open
	ConsecutiveFailures uint32        // consecutive failures that trip the breaker
	FailureRatio        float64       // failure ratio that trips the breaker
	MinRequests         uint32        // requests before FailureRatio applies
}

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts are a breaker's statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified, asynchronously, when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(c gobreaker.Counts) Counts {
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}
