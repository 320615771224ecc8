package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
)

type MaintenanceStore interface {
	CleanupProcessed(ctx context.Context, olderThan time.Time) (int64, error)
	GetStats(ctx context.Context, maxAttempts int) (models.OutboxStats, error)
}

// Janitor purges delivered events past retention and refreshes the backlog gauges
type Janitor struct {
	store       MaintenanceStore
	retention   time.Duration
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewJanitor(store MaintenanceStore, retention, interval time.Duration, maxAttempts int, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:       store,
		retention:   retention,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "janitor"),
		now:         time.Now,
	}
}

// Run blocks until ctx is done, running one pass right away and then every interval
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.pass(ctx)
	for {
		select {
		case <-ticker.C:
			j.pass(ctx)
		case <-ctx.Done():
			j.logger.Info("janitor: stopping maintenance goroutine")
			return
		}
	}
}

func (j *Janitor) pass(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("janitor: maintenance pass failed", "error", err)
	}
}

// RunOnce deletes processed rows older than the retention window and returns how many went away
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)

	deleted, err := j.store.CleanupProcessed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}
	if deleted > 0 {
		metrics.CleanupDeleted.Add(float64(deleted))
		j.logger.Info("janitor: purged processed events", "count", deleted, "cutoff", cutoff)
	}

	stats, err := j.store.GetStats(ctx, j.maxAttempts)
	if err != nil {
		return deleted, fmt.Errorf("refresh outbox gauges: %w", err)
	}
	metrics.OutboxBacklog.Set(float64(stats.PendingEvents))
	metrics.StuckEvents.Set(float64(stats.FailedEvents))

	if stats.FailedEvents > 0 {
		j.logger.Warn("janitor: events waiting for operator retry", "count", stats.FailedEvents)
	}

	return deleted, nil
}
