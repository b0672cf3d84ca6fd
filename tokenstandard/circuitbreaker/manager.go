package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/sony/gobreaker"
)

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates a circuit breaker manager. A nil logger discards logs.
func NewManager(logger log.Logger) Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

func (m *manager) GetOrCreate(serviceName string, cfg Config) CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}
	}

	breaker = m.newBreaker(serviceName, cfg)
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created", log.String("service", serviceName))

	return &circuitBreaker{breaker: breaker}
}

func (m *manager) newBreaker(serviceName string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if counts.Requests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	})
}

func (m *manager) breaker(serviceName string) (*gobreaker.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.breakers[serviceName]

	return b, ok
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	breaker, ok := m.breaker(serviceName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker open, request rejected", log.String("service", serviceName))
		return nil, fmt.Errorf("service %s unavailable: %w", serviceName, ErrOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker half-open, request rejected", log.String("service", serviceName))
		return nil, fmt.Errorf("service %s recovering: %w", serviceName, ErrOpen)
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	breaker, ok := m.breaker(serviceName)
	if !ok {
		return StateUnknown
	}

	return convertState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	breaker, ok := m.breaker(serviceName)
	if !ok {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

func (m *manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[serviceName]
	if !ok {
		return
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, cfg)

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("service", serviceName))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) handleStateChange(serviceName string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName),
		log.String("from", from.String()),
		log.String("to", to.String()))

	fromState, toState := convertState(from), convertState(to)

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, l := range listeners {
		runtime.SafeGo(m.logger, "circuitbreaker_listener", runtime.KeepRunning, func() {
			l.OnStateChange(serviceName, fromState, toState)
		})
	}
}
