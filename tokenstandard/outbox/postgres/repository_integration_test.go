//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	ledgerpg "github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger/postgres"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox"
	libPostgres "github.com/LerianStudio/lib-tokenstandard/tokenstandard/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setup(t *testing.T) (*ledgerpg.Store, *Repository) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client := libPostgres.New(libPostgres.Config{PrimaryDSN: dsn, DatabaseName: "testdb"})
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	store, err := ledgerpg.NewStore(client)
	require.NoError(t, err)

	repo, err := NewRepository(client)
	require.NoError(t, err)

	return store, repo
}

func emit(t *testing.T, store *ledgerpg.Store, eventType, aggregate string) {
	t.Helper()

	require.NoError(t, store.Atomically(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.Emit(ctx, eventType, aggregate, map[string]string{"id": aggregate})
	}))
}

func TestIntegration_Repository_DispatchLifecycle(t *testing.T) {
	store, repo := setup(t)
	ctx := context.Background()

	emit(t, store, "transfer.completed", "ti-1")
	emit(t, store, "transfer.failed", "ti-2")

	handlers := outbox.NewHandlerRegistry()

	var published []string

	require.NoError(t, handlers.Register("transfer.completed", func(_ context.Context, e *outbox.Event) error {
		published = append(published, e.AggregateID)
		return nil
	}))

	d, err := outbox.NewDispatcher(repo, handlers, outbox.WithPublishMaxAttempts(1))
	require.NoError(t, err)

	res := d.DispatchOnce(ctx)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"ti-1"}, published)

	again, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_Repository_ClaimsAreExclusive(t *testing.T) {
	store, repo := setup(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		emit(t, store, "x", id)
	}

	first, err := repo.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, outbox.StatusProcessing, first[0].Status)

	second, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	require.NoError(t, repo.MarkFailed(ctx, first[0].ID, "password=hunter2", 1))

	got, err := repo.GetByID(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusInvalid, got.Status)
	assert.NotContains(t, got.LastError, "hunter2")

	require.ErrorIs(t, repo.MarkPublished(ctx, first[0].ID, time.Now()), ErrStateTransitionConflict)

	stuck, err := repo.ResetStuckProcessing(ctx, 10, time.Now().Add(time.Minute), 5)
	require.NoError(t, err)
	assert.Len(t, stuck, 2)

	for _, e := range stuck {
		assert.Equal(t, 1, e.Attempts)
	}
}
