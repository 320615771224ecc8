//go:build integration

package db

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("listas"),
		tcpostgres.WithUsername("listas"),
		tcpostgres.WithPassword("listas"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(dsn, slog.Default()))

	store, err := NewPostgresStore(ctx, dsn, slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestIntegration_PostgresStore_Lifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)

	first := newEvent(t, "ListaCreada", base)
	first.EventContext = &models.EventContext{UserID: "u-1", CorrelationID: "corr-1"}
	second := newEvent(t, "ProductoAñadido", base.Add(time.Second))

	require.NoError(t, store.InTx(ctx, func(tx pgx.Tx) error {
		return store.AppendEvents(ctx, tx, []*models.OutboxEvent{second, first})
	}))
	assert.NotZero(t, first.ID)

	got, err := store.FetchPending(ctx, models.FetchFilters{MaxAttempts: 3}, models.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.EventID, got[0].EventID)
	require.NotNil(t, got[0].EventContext)
	assert.Equal(t, "corr-1", got[0].EventContext.CorrelationID)
	assert.JSONEq(t, `{"nombre":"Compra"}`, string(got[0].EventData))

	n, err := store.IncrementAttempts(ctx, second.EventID, "broker down")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.MarkProcessed(ctx, first.EventID))
	require.NoError(t, store.MarkProcessed(ctx, first.EventID))

	stats, err := store.GetStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.ProcessedEvents)
	assert.Equal(t, int64(1), stats.FailedEvents)

	reset, err := store.ResetFailedEvents(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	deleted, err := store.CleanupProcessed(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	assert.Equal(t, models.HealthHealthy, store.HealthCheck(ctx).Status)
}

func TestIntegration_PostgresStore_MarkManyProcessed(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	a := newEvent(t, "ListaCreada", base)
	b := newEvent(t, "ProductoAñadido", base.Add(time.Second))
	c := newEvent(t, "ProductoComprado", base.Add(2*time.Second))
	for _, e := range []*models.OutboxEvent{a, b, c} {
		require.NoError(t, store.AppendEvent(ctx, store.pool, e))
	}

	require.NoError(t, store.MarkManyProcessed(ctx, nil))
	require.NoError(t, store.MarkManyProcessed(ctx, []uuid.UUID{a.EventID, b.EventID, uuid.New()}))

	processedAt := func(id uuid.UUID) time.Time {
		var at time.Time
		require.NoError(t, store.pool.QueryRow(ctx,
			`SELECT processed_at FROM outbox_events WHERE event_id = $1`, id).Scan(&at))
		return at
	}
	firstMark := processedAt(a.EventID)

	require.NoError(t, store.MarkManyProcessed(ctx, []uuid.UUID{a.EventID, b.EventID}))
	assert.Equal(t, firstMark, processedAt(a.EventID), "marking again leaves the row untouched")

	got, err := store.FetchPending(ctx, models.FetchFilters{MaxAttempts: 3}, models.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.EventID, got[0].EventID)

	stats, err := store.GetStats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ProcessedEvents)
}

func TestIntegration_PostgresStore_RollbackDiscardsEvent(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	e := newEvent(t, "ListaEliminada", time.Now())
	err := store.InTx(ctx, func(tx pgx.Tx) error {
		if err := store.AppendEvent(ctx, tx, e); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := store.FetchPending(ctx, models.FetchFilters{}, models.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}
