package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/mapper"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/google/uuid"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxTable is the table written by business transactions and drained by the relay
const OutboxTable = "outbox_events"

var eventColumns = []string{
	"id", "event_id", "event_type", "event_version", "aggregate_id", "aggregate_type",
	"event_data", "event_context", "occurred_on", "processed", "processed_at",
	"attempts", "last_attempt_at", "last_error", "created_at", "updated_at",
}

// Querier is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
// Appending through the caller's transaction makes the outbox row commit or roll back with the business change.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres pool config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer ping: %w", err)
	}

	return NewPostgresStoreFromPool(p, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool; the store takes ownership and closes it on Close
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	b, _ := mapper.NewSQLBuilder(OutboxTable)

	return &PostgresStore{
		pool:    pool,
		builder: b,
		logger:  logger.With("component", "outbox_store"),
	}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// InTx runs fn inside a transaction, committing only when fn returns nil
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return models.NewStoreError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewStoreError("commit", err)
	}
	return nil
}

const insertEventSQL = `
	INSERT INTO outbox_events (
		event_id, event_type, event_version, aggregate_id, aggregate_type,
		event_data, event_context, occurred_on
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id, created_at, updated_at
`

// AppendEvent inserts one pending event through q. Pass the business pgx.Tx here.
func (s *PostgresStore) AppendEvent(ctx context.Context, q Querier, event *models.OutboxEvent) error {
	if q == nil {
		q = s.pool
	}

	ctxJSON, err := marshalContext(event.EventContext)
	if err != nil {
		return models.NewStoreError("append", err)
	}

	err = q.QueryRow(ctx, insertEventSQL,
		event.EventID,
		event.EventType,
		event.EventVersion,
		event.AggregateID,
		event.AggregateType,
		[]byte(event.EventData),
		ctxJSON,
		event.OccurredOn,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return models.NewStoreError("append", fmt.Errorf("event %s: %w", event.EventID, err))
	}

	return nil
}

// AppendEvents inserts all events in a single round trip; any failure fails the whole batch
func (s *PostgresStore) AppendEvents(ctx context.Context, q Querier, events []*models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if q == nil {
		q = s.pool
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		ctxJSON, err := marshalContext(e.EventContext)
		if err != nil {
			return models.NewStoreError("append_many", err)
		}
		batch.Queue(insertEventSQL,
			e.EventID, e.EventType, e.EventVersion, e.AggregateID, e.AggregateType,
			[]byte(e.EventData), ctxJSON, e.OccurredOn,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
		})
	}

	sender, ok := q.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		for _, e := range events {
			if err := s.AppendEvent(ctx, q, e); err != nil {
				return err
			}
		}
		return nil
	}

	if err := sender.SendBatch(ctx, batch).Close(); err != nil {
		return models.NewStoreError("append_many", err)
	}
	return nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, filters models.FetchFilters, page models.Pagination) ([]models.OutboxEvent, error) {
	query, args, err := s.builder.BuildFetchPending(eventColumns, filters, page)
	if err != nil {
		return nil, models.NewStoreError("fetch_pending", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, models.NewStoreError("fetch_pending", err)
	}
	defer rows.Close()

	events := make([]models.OutboxEvent, 0, page.Limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, models.NewStoreError("fetch_pending", fmt.Errorf("scan outbox row: %w", err))
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("fetch_pending", err)
	}

	return events, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET processed = true, processed_at = now(), updated_at = now()
		WHERE event_id = $1 AND processed = false
	`
	if _, err := s.pool.Exec(ctx, query, eventID); err != nil {
		return models.NewStoreError("mark_processed", err)
	}
	return nil
}

func (s *PostgresStore) MarkManyProcessed(ctx context.Context, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}

	ids := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		ids[i] = id.String()
	}

	query := `
		UPDATE outbox_events
		SET processed = true, processed_at = now(), updated_at = now()
		WHERE event_id = ANY($1::uuid[]) AND processed = false
	`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return models.NewStoreError("mark_many_processed", err)
	}
	return nil
}

// IncrementAttempts records a failed delivery and returns the new attempt count
func (s *PostgresStore) IncrementAttempts(ctx context.Context, eventID uuid.UUID, errMsg string) (int, error) {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    last_attempt_at = now(),
		    last_error = $2,
		    updated_at = now()
		WHERE event_id = $1 AND processed = false
		RETURNING attempts
	`

	var attempts int
	err := s.pool.QueryRow(ctx, query, eventID, models.TruncateError(errMsg)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.NewStoreError("increment_attempts", fmt.Errorf("event %s: %w", eventID, models.ErrEventNotFound))
	}
	if err != nil {
		return 0, models.NewStoreError("increment_attempts", err)
	}

	return attempts, nil
}

func (s *PostgresStore) ResetFailedEvents(ctx context.Context, maxAttempts int) (int64, error) {
	query := `
		UPDATE outbox_events
		SET attempts = 0, last_error = NULL, last_attempt_at = NULL, updated_at = now()
		WHERE processed = false AND attempts >= $1
	`
	tag, err := s.pool.Exec(ctx, query, maxAttempts)
	if err != nil {
		return 0, models.NewStoreError("reset_failed", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("failed events reset for retry", "count", n, "max_attempts", maxAttempts)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CleanupProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE processed = true AND processed_at < $1`

	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, models.NewStoreError("cleanup_processed", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetStats(ctx context.Context, maxAttempts int) (models.OutboxStats, error) {
	stats := models.OutboxStats{EventTypeDistribution: map[string]int64{}}

	query := `
		SELECT
			count(*),
			count(*) FILTER (WHERE processed),
			count(*) FILTER (WHERE NOT processed),
			count(*) FILTER (WHERE NOT processed AND attempts >= $1),
			min(occurred_on) FILTER (WHERE NOT processed)
		FROM outbox_events
	`
	err := s.pool.QueryRow(ctx, query, maxAttempts).Scan(
		&stats.TotalEvents,
		&stats.ProcessedEvents,
		&stats.PendingEvents,
		&stats.FailedEvents,
		&stats.OldestPendingEvent,
	)
	if err != nil {
		return models.OutboxStats{}, models.NewStoreError("stats", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT event_type, count(*) FROM outbox_events GROUP BY event_type`)
	if err != nil {
		return models.OutboxStats{}, models.NewStoreError("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return models.OutboxStats{}, models.NewStoreError("stats", err)
		}
		stats.EventTypeDistribution[eventType] = n
	}
	if err := rows.Err(); err != nil {
		return models.OutboxStats{}, models.NewStoreError("stats", err)
	}

	return stats, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) models.StoreHealth {
	var pending int64
	var oldest *time.Time

	query := `
		SELECT count(*), min(occurred_on)
		FROM outbox_events
		WHERE processed = false
	`
	if err := s.pool.QueryRow(ctx, query).Scan(&pending, &oldest); err != nil {
		s.logger.Error("outbox health query failed", "error", err)
		return models.StoreHealth{
			Status:  models.HealthError,
			Message: fmt.Sprintf("health query failed: %v", err),
		}
	}

	return models.EvaluateStoreHealth(pending, oldest, time.Now())
}

// RecordDeadLetter annotates an event a consumer gave up on. The processed flag is left untouched.
func (s *PostgresStore) RecordDeadLetter(ctx context.Context, eventID uuid.UUID, reason string) error {
	query := `
		UPDATE outbox_events
		SET last_error = $2, updated_at = now()
		WHERE event_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, eventID, models.TruncateError("dead-lettered: "+reason))
	if err != nil {
		return models.NewStoreError("record_dead_letter", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewStoreError("record_dead_letter", fmt.Errorf("event %s: %w", eventID, models.ErrEventNotFound))
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanEvent(row pgx.Row) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	var data, ctxJSON []byte

	err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.EventType,
		&e.EventVersion,
		&e.AggregateID,
		&e.AggregateType,
		&data,
		&ctxJSON,
		&e.OccurredOn,
		&e.Processed,
		&e.ProcessedAt,
		&e.Attempts,
		&e.LastAttemptAt,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return models.OutboxEvent{}, err
	}

	e.EventData = json.RawMessage(data)
	if len(ctxJSON) > 0 {
		var ec models.EventContext
		if err := json.Unmarshal(ctxJSON, &ec); err != nil {
			return models.OutboxEvent{}, fmt.Errorf("decode event_context: %w", err)
		}
		e.EventContext = &ec
	}

	return e, nil
}

func marshalContext(ec *models.EventContext) ([]byte, error) {
	if ec == nil {
		return nil, nil
	}
	b, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("encode event_context: %w", err)
	}
	return b, nil
}
