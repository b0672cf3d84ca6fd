//go:build unit

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMemoryRepo(t *testing.T) (*MemoryRepository, *ledger.ManualClock) {
	t.Helper()

	clock := ledger.NewManualClock(start)

	return NewMemoryRepository(WithMemoryClock(clock.Now)), clock
}

func seed(t *testing.T, repo *MemoryRepository, eventType string, at time.Time) *Event {
	t.Helper()

	event, err := NewEvent(context.Background(), uuid.New(), eventType, "agg", []byte(`{}`), at)
	require.NoError(t, err)

	_, err = repo.Create(context.Background(), event)
	require.NoError(t, err)

	return event
}

func TestMemoryRepository_AppendFromLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	store := ledger.NewMemoryStore(ledger.WithEventSink(repo))

	require.NoError(t, store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Emit(ctx, "transfer.completed", "ti-1", map[string]string{"amount": "10"}); err != nil {
			return err
		}

		return tx.Emit(ctx, "transfer.failed", "ti-2", nil)
	}))

	events := repo.Events()
	require.Len(t, events, 2)

	for _, e := range events {
		assert.Equal(t, StatusPending, e.Status)
	}

	// A failing unit of work never reaches the sink.
	_ = store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_ = tx.Emit(ctx, "transfer.completed", "ti-3", nil)
		return assert.AnError
	})
	assert.Len(t, repo.Events(), 2)

	require.Error(t, repo.Append(ctx, []ledger.Event{{ID: uuid.New(), EventType: "x", AggregateID: "a", Payload: []byte(`{`)}}))
	assert.Len(t, repo.Events(), 2)
}

func TestMemoryRepository_ClaimsPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, _ := newMemoryRepo(t)

	first := seed(t, repo, "a", start)
	second := seed(t, repo, "b", start.Add(time.Second))
	seed(t, repo, "a", start.Add(2*time.Second))

	got, err := repo.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, StatusProcessing, got[0].Status)

	byType, err := repo.ListPendingByType(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)

	rest, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)

	_, err = repo.ListPending(ctx, 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)
}

func TestMemoryRepository_MarkFailedInvalidatesAtMax(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, clock := newMemoryRepo(t)
	event := seed(t, repo, "a", start)

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Minute)

		var claimed []*Event

		var err error
		if attempt == 1 {
			claimed, err = repo.ListPending(ctx, 1)
		} else {
			claimed, err = repo.ResetForRetry(ctx, 1, clock.Now(), 3)
		}

		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, "password=hunter2 rejected", 3))
	}

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotContains(t, got.LastError, "hunter2")

	again, err := repo.ResetForRetry(ctx, 1, clock.Now(), 3)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryRepository_RetryWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, clock := newMemoryRepo(t)
	event := seed(t, repo, "a", start)

	_, err := repo.ListPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, event.ID, "broker down", 5))

	early, err := repo.ResetForRetry(ctx, 1, clock.Now().Add(-time.Second), 5)
	require.NoError(t, err)
	assert.Empty(t, early)

	clock.Advance(time.Minute)

	due, err := repo.ResetForRetry(ctx, 1, clock.Now().Add(-30*time.Second), 5)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusProcessing, due[0].Status)
}

func TestMemoryRepository_ResetStuckProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, clock := newMemoryRepo(t)
	fresh := seed(t, repo, "a", start)
	exhausted := seed(t, repo, "a", start.Add(time.Second))

	_, err := repo.ListPending(ctx, 2)
	require.NoError(t, err)

	repo.mu.Lock()
	repo.events[exhausted.ID].Attempts = 1
	repo.mu.Unlock()

	clock.Advance(time.Hour)

	reclaimed, err := repo.ResetStuckProcessing(ctx, 10, clock.Now().Add(-time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, fresh.ID, reclaimed[0].ID)
	assert.Equal(t, 1, reclaimed[0].Attempts)
	assert.Equal(t, StatusProcessing, reclaimed[0].Status)

	got, err := repo.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, got.Status)
	assert.Equal(t, MaxAttemptsExceeded, got.LastError)
}

func TestMemoryRepository_TransitionsAreChecked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, _ := newMemoryRepo(t)
	event := seed(t, repo, "a", start)

	require.ErrorIs(t, repo.MarkPublished(ctx, event.ID, start), ErrTransitionInvalid)
	require.ErrorIs(t, repo.MarkPublished(ctx, uuid.New(), start), ErrEventNotFound)

	_, err := repo.ListPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkPublished(ctx, event.ID, start))

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status)
	require.NotNil(t, got.PublishedAt)

	require.ErrorIs(t, repo.MarkInvalid(ctx, event.ID, "late"), ErrTransitionInvalid)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, ErrEventNotFound)
}
