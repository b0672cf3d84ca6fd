//go:build unit

package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errService = errors.New("service error")

func tripConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             50 * time.Millisecond,
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []State
}

func (l *recordingListener) OnStateChange(_ string, _ State, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transitions = append(l.transitions, to)
}

func (l *recordingListener) seen(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.transitions {
		if t == s {
			return true
		}
	}

	return false
}

func TestManager_InitialState(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNop())

	assert.Equal(t, StateUnknown, m.GetState("registry"))
	assert.False(t, m.IsHealthy("registry"))

	m.GetOrCreate("registry", DefaultConfig())

	assert.Equal(t, StateClosed, m.GetState("registry"))
	assert.True(t, m.IsHealthy("registry"))
}

func TestManager_ExecuteUnknownService(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil).Execute("registry", func() (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestManager_Execute(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNop())
	m.GetOrCreate("registry", DefaultConfig())

	got, err := m.Execute("registry", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = m.Execute("registry", func() (any, error) { return nil, errService })
	require.ErrorIs(t, err, errService)

	counts := m.GetCounts("registry")
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestManager_TripsAndRecovers(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNop())
	listener := &recordingListener{}
	m.RegisterStateChangeListener(listener)
	m.RegisterStateChangeListener(nil)
	m.GetOrCreate("registry", tripConfig())

	for range 3 {
		_, err := m.Execute("registry", func() (any, error) { return nil, errService })
		require.ErrorIs(t, err, errService)
	}

	assert.Equal(t, StateOpen, m.GetState("registry"))

	called := false
	_, err := m.Execute("registry", func() (any, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	assert.Eventually(t, func() bool { return listener.seen(StateOpen) }, time.Second, 5*time.Millisecond)

	// After Timeout the breaker lets one trial request through and closes on success.
	time.Sleep(60 * time.Millisecond)

	_, err = m.Execute("registry", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, m.GetState("registry"))
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNop())
	m.GetOrCreate("registry", tripConfig())

	for range 3 {
		_, _ = m.Execute("registry", func() (any, error) { return nil, errService })
	}

	require.Equal(t, StateOpen, m.GetState("registry"))

	m.Reset("registry")
	m.Reset("unknown")

	assert.Equal(t, StateClosed, m.GetState("registry"))
	assert.Zero(t, m.GetCounts("registry").Requests)
}

func TestGetOrCreate_KeepsFirstConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNop())
	first := m.GetOrCreate("registry", tripConfig())
	second := m.GetOrCreate("registry", DefaultConfig())

	for range 3 {
		_, _ = second.Execute(func() (any, error) { return nil, errService })
	}

	assert.Equal(t, StateOpen, first.State())
}
