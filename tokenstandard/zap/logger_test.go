//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return NewWithCore(core, zap.NewAtomicLevelAt(level)), observed
}

func TestLoggerNilReceiverFallsBackToNop(t *testing.T) {
	t.Parallel()

	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
	})
	assert.False(t, (&Logger{}).Enabled(logpkg.LevelError))
}

func TestLog_LevelsAndFields(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	logger.Log(ctx, logpkg.LevelDebug, "debug message")
	logger.Log(ctx, logpkg.LevelInfo, "info message", logpkg.Party("alice"), logpkg.Nonce(7))
	logger.Log(ctx, logpkg.LevelWarn, "warn message")
	logger.Log(ctx, logpkg.LevelError, "error message", logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "alice", entries[1].ContextMap()["party"])
	assert.Equal(t, uint64(7), entries[1].ContextMap()["nonce"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestLog_RespectsLevel(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.WarnLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
	logger.Log(context.Background(), logpkg.LevelWarn, "kept")

	require.Equal(t, 1, observed.Len())
	assert.Equal(t, "kept", observed.All()[0].Message)
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
	assert.True(t, logger.Enabled(logpkg.LevelError))
}

func TestLog_EscapesControlCharacters(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "forged\nentry")

	require.Equal(t, 1, observed.Len())
	assert.Equal(t, `forged\nentry`, observed.All()[0].Message)
}

func TestLog_AppendsTraceIdentifiers(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, logpkg.LevelInfo, "traced")

	fields := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestWithAndWithGroup(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "transfer"))
	child.Log(context.Background(), logpkg.LevelInfo, "with field")

	grouped := logger.WithGroup("settlement")
	grouped.Log(context.Background(), logpkg.LevelInfo, "grouped", logpkg.Int("legs", 2))

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "transfer", entries[0].ContextMap()["component"])

	group, ok := entries[1].ContextMap()["settlement"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(2), group["legs"])
}

func TestSync_CanceledContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
}

// ----------------------------------------------------------------------------
// Config
// ----------------------------------------------------------------------------

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{name: "production defaults to info", cfg: Config{Environment: EnvironmentProduction, OTelLibraryName: "svc"}, wantLevel: zapcore.InfoLevel},
		{name: "local defaults to debug", cfg: Config{Environment: EnvironmentLocal, OTelLibraryName: "svc"}, wantLevel: zapcore.DebugLevel},
		{name: "explicit level wins", cfg: Config{Environment: EnvironmentLocal, Level: "warn", OTelLibraryName: "svc"}, wantLevel: zapcore.WarnLevel},
		{name: "missing library name", cfg: Config{Environment: EnvironmentLocal}, wantErr: true},
		{name: "unknown environment", cfg: Config{Environment: "moon", OTelLibraryName: "svc"}, wantErr: true},
		{name: "invalid level", cfg: Config{Environment: EnvironmentLocal, Level: "loud", OTelLibraryName: "svc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, level, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, logger)

				return
			}

			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, tt.wantLevel, level.Level())
			assert.Equal(t, tt.wantLevel, logger.Level().Level())
		})
	}
}

func TestEnvironmentIsProduction(t *testing.T) {
	t.Parallel()

	assert.True(t, EnvironmentProduction.IsProduction())
	assert.True(t, EnvironmentUAT.IsProduction())
	assert.False(t, EnvironmentLocal.IsProduction())
}
