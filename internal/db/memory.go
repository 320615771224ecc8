package db

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process outbox used by development mode and tests
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events []*models.OutboxEvent
	byID   map[uuid.UUID]*models.OutboxEvent
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[uuid.UUID]*models.OutboxEvent),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, used by tests that age processed rows
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// MemoryTx buffers appends until the surrounding WithTx callback succeeds
type MemoryTx struct {
	pending []*models.OutboxEvent
}

func (tx *MemoryTx) AppendEvent(event *models.OutboxEvent) {
	tx.pending = append(tx.pending, event)
}

// WithTx applies buffered appends only when fn returns nil
func (s *MemoryStore) WithTx(fn func(tx *MemoryTx) error) error {
	tx := &MemoryTx{}
	if err := fn(tx); err != nil {
		return err
	}
	return s.AppendEvents(context.Background(), tx.pending)
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.OutboxEvent) error {
	return s.AppendEvents(ctx, []*models.OutboxEvent{event})
}

// AppendEvents is all or nothing: a duplicate event id rejects the whole batch
func (s *MemoryStore) AppendEvents(_ context.Context, events []*models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(events))
	for _, e := range events {
		if _, dup := s.byID[e.EventID]; dup {
			return models.NewStoreError("append", fmt.Errorf("duplicate event_id %s", e.EventID))
		}
		if _, dup := seen[e.EventID]; dup {
			return models.NewStoreError("append", fmt.Errorf("duplicate event_id %s in batch", e.EventID))
		}
		seen[e.EventID] = struct{}{}
	}

	now := s.now()
	for _, e := range events {
		s.nextID++
		row := *e
		row.ID = s.nextID
		row.CreatedAt = now
		row.UpdatedAt = now

		e.ID, e.CreatedAt, e.UpdatedAt = row.ID, now, now

		s.events = append(s.events, &row)
		s.byID[row.EventID] = &row
	}
	return nil
}

func (s *MemoryStore) FetchPending(_ context.Context, filters models.FetchFilters, page models.Pagination) ([]models.OutboxEvent, error) {
	if page.Limit <= 0 || page.Offset < 0 {
		return nil, models.NewStoreError("fetch_pending", fmt.Errorf("invalid pagination %+v", page))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.OutboxEvent
	for _, e := range s.events {
		if matches(e, filters) {
			pending = append(pending, *e)
		}
	}

	slices.SortStableFunc(pending, func(a, b models.OutboxEvent) int {
		if c := a.OccurredOn.Compare(b.OccurredOn); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if page.Offset >= len(pending) {
		return []models.OutboxEvent{}, nil
	}
	pending = pending[page.Offset:]
	if len(pending) > page.Limit {
		pending = pending[:page.Limit]
	}
	return pending, nil
}

func matches(e *models.OutboxEvent, f models.FetchFilters) bool {
	if e.Processed {
		return false
	}
	if f.MaxAttempts > 0 && e.Attempts >= f.MaxAttempts {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	return true
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	return s.MarkManyProcessed(ctx, []uuid.UUID{eventID})
}

func (s *MemoryStore) MarkManyProcessed(_ context.Context, eventIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range eventIDs {
		e, ok := s.byID[id]
		if !ok || e.Processed {
			continue
		}
		e.Processed = true
		e.ProcessedAt = &now
		e.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, eventID uuid.UUID, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok || e.Processed {
		return 0, models.NewStoreError("increment_attempts", fmt.Errorf("event %s: %w", eventID, models.ErrEventNotFound))
	}

	now := s.now()
	msg := models.TruncateError(errMsg)
	e.Attempts++
	e.LastAttemptAt = &now
	e.LastError = &msg
	e.UpdatedAt = now

	return e.Attempts, nil
}

func (s *MemoryStore) ResetFailedEvents(_ context.Context, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for _, e := range s.events {
		if e.Processed || e.Attempts < maxAttempts {
			continue
		}
		e.Attempts = 0
		e.LastError = nil
		e.LastAttemptAt = nil
		e.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) CleanupProcessed(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.Processed && e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			delete(s.byID, e.EventID)
			n++
			continue
		}
		kept = append(kept, e)
	}
	clear(s.events[len(kept):])
	s.events = kept

	return n, nil
}

func (s *MemoryStore) GetStats(_ context.Context, maxAttempts int) (models.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.OutboxStats{EventTypeDistribution: map[string]int64{}}
	for _, e := range s.events {
		stats.TotalEvents++
		stats.EventTypeDistribution[e.EventType]++

		if e.Processed {
			stats.ProcessedEvents++
			continue
		}

		stats.PendingEvents++
		if e.IsStuck(maxAttempts) {
			stats.FailedEvents++
		}
		if stats.OldestPendingEvent == nil || e.OccurredOn.Before(*stats.OldestPendingEvent) {
			at := e.OccurredOn
			stats.OldestPendingEvent = &at
		}
	}
	return stats, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) models.StoreHealth {
	stats, err := s.GetStats(ctx, 0)
	if err != nil {
		return models.StoreHealth{Status: models.HealthError, Message: err.Error()}
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	return models.EvaluateStoreHealth(stats.PendingEvents, stats.OldestPendingEvent, now)
}

func (s *MemoryStore) RecordDeadLetter(_ context.Context, eventID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok {
		return models.NewStoreError("record_dead_letter", fmt.Errorf("event %s: %w", eventID, models.ErrEventNotFound))
	}

	msg := models.TruncateError("dead-lettered: " + reason)
	e.LastError = &msg
	e.UpdatedAt = s.now()
	return nil
}

// Get returns a copy of the stored row, used by tests and the feedback path
func (s *MemoryStore) Get(eventID uuid.UUID) (models.OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok {
		return models.OutboxEvent{}, false
	}
	return *e, true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
