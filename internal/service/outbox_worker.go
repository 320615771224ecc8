package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
	"github.com/google/uuid"

	"golang.org/x/sync/errgroup"
)

const MaxBatchMemoryThresholdMB = 20

var (
	ErrWorkerAlreadyRunning = errors.New("outbox worker is already running")
	ErrWorkerNotRunning     = errors.New("outbox worker is not running")
)

// OutboxStore is the persistence contract the worker drains
type OutboxStore interface {
	FetchPending(ctx context.Context, filters models.FetchFilters, page models.Pagination) ([]models.OutboxEvent, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	IncrementAttempts(ctx context.Context, eventID uuid.UUID, errMsg string) (int, error)
	ResetFailedEvents(ctx context.Context, maxAttempts int) (int64, error)
}

// EventPublisher delivers one event to the outside world
type EventPublisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

// PollLocker guards a poll cycle across relay replicas
type PollLocker interface {
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
}

type WorkerConfig struct {
	ProcessingInterval time.Duration
	BatchSize          int
	MaxAttempts        int
	InitialDelay       time.Duration
	PublishTimeout     time.Duration
	Concurrency        int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.BatchSize
	}
	return c
}

// PublishBound is the longest a cycle can spend publishing: one PublishTimeout per wave of Concurrency events.
func (c WorkerConfig) PublishBound() time.Duration {
	c = c.withDefaults()
	waves := (c.BatchSize + c.Concurrency - 1) / c.Concurrency
	return time.Duration(waves) * c.PublishTimeout
}

type WorkerStats struct {
	IsRunning             bool       `json:"isRunning"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	LastPollAt            *time.Time `json:"lastPollAt,omitempty"`
	TotalPolls            int64      `json:"totalPolls"`
	SuccessfullyProcessed int64      `json:"successfullyProcessed"`
	FailedEvents          int64      `json:"failedEvents"`
	ExhaustedEvents       int64      `json:"exhaustedEvents"`
	LastError             string     `json:"lastError,omitempty"`
}

type WorkerHealth struct {
	Status  models.HealthStatus `json:"status"`
	Message string              `json:"message"`
	Stats   WorkerStats         `json:"stats"`
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Skipped           bool
	Fetched           int
	Published         int
	Failed            int
	Exhausted         int
	StateUpdateFailed int
}

// OutboxWorker polls the outbox on a fixed interval and publishes pending events
type OutboxWorker struct {
	store     OutboxStore
	publisher EventPublisher
	locker    PollLocker
	cfg       WorkerConfig
	logger    *slog.Logger
	now       func() time.Time

	polling atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
	stats   WorkerStats
}

func NewOutboxWorker(store OutboxStore, publisher EventPublisher, cfg WorkerConfig, logger *slog.Logger) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "outbox_worker"),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// WithLocker makes every poll cycle take a distributed lock first
func (w *OutboxWorker) WithLocker(l PollLocker) *OutboxWorker {
	w.locker = l
	return w
}

func (w *OutboxWorker) WithClock(now func() time.Time) *OutboxWorker {
	w.now = now
	return w
}

func (w *OutboxWorker) Config() WorkerConfig {
	return w.cfg
}

// Start launches the polling loop. The first poll runs after InitialDelay.
func (w *OutboxWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrWorkerAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := w.now()
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.stats.IsRunning = true
	w.stats.StartedAt = &now

	go w.loop(ctx, w.done)

	metrics.HealthStatus.Set(1)
	w.logger.Info("outbox worker started",
		"interval", w.cfg.ProcessingInterval,
		"batch_size", w.cfg.BatchSize,
		"max_attempts", w.cfg.MaxAttempts,
		"concurrency", w.cfg.Concurrency,
	)
	return nil
}

// Stop cancels future polls. Publishes already in flight settle normally.
func (w *OutboxWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrWorkerNotRunning
	}

	w.cancel()
	w.running = false
	w.stats.IsRunning = false

	metrics.HealthStatus.Set(0)
	w.logger.Info("outbox worker stopped")
	return nil
}

// Shutdown stops the worker and waits for the current cycle to finish
func (w *OutboxWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if err := w.Stop(); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
	}
}

func (w *OutboxWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.runCycle(ctx)
			timer.Reset(w.cfg.ProcessingInterval)
		case <-w.trigger:
			w.runCycle(ctx)
		}
	}
}

func (w *OutboxWorker) runCycle(ctx context.Context) {
	if _, err := w.PollOnce(ctx); err != nil {
		w.logger.Error("poll cycle aborted", "error", err)
	}
}

// PollOnce runs a single cycle: fetch a bounded batch, publish concurrently, record each outcome.
// A cycle already in progress makes the call return a skipped result.
func (w *OutboxWorker) PollOnce(ctx context.Context) (CycleResult, error) {
	if !w.polling.CompareAndSwap(false, true) {
		metrics.PollsSkipped.Inc()
		w.logger.Debug("poll skipped, previous cycle still in progress")
		return CycleResult{Skipped: true}, nil
	}
	defer w.polling.Store(false)

	// counted before the lock so a replica standing by still reports as alive
	start := w.now()
	w.mu.Lock()
	w.stats.TotalPolls++
	w.stats.LastPollAt = &start
	w.mu.Unlock()

	if w.locker != nil {
		release, acquired, err := w.locker.TryAcquire(ctx)
		if err != nil {
			w.recordPollError(err)
			return CycleResult{}, fmt.Errorf("acquire poll lock: %w", err)
		}
		if !acquired {
			metrics.PollsSkipped.Inc()
			return CycleResult{Skipped: true}, nil
		}
		defer release()
	}

	events, err := w.store.FetchPending(ctx,
		models.FetchFilters{MaxAttempts: w.cfg.MaxAttempts},
		models.Pagination{Limit: w.cfg.BatchSize},
	)
	if err != nil {
		w.recordPollError(err)
		return CycleResult{}, fmt.Errorf("fetch failure: %w", err)
	}

	res := CycleResult{Fetched: len(events)}
	if len(events) == 0 {
		return res, nil
	}

	metrics.BatchSize.Observe(float64(len(events)))
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		w.logger.Info("batch cycle telemetry",
			"count", res.Fetched,
			"published", res.Published,
			"failed", res.Failed,
			"exhausted", res.Exhausted,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	var batchBytes int
	for i := range events {
		batchBytes += events[i].EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		w.logger.Warn("heavy batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(events),
		)
	}

	// stopping the worker must not abort deliveries that already started
	deliveryCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for _, e := range events {
		g.Go(func() error {
			outcome := w.deliver(deliveryCtx, e)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomePublished:
				res.Published++
			case outcomeMarkFailed:
				res.StateUpdateFailed++
			case outcomeFailed:
				res.Failed++
			case outcomeExhausted:
				res.Failed++
				res.Exhausted++
			case outcomeIncrementFailed:
				res.Failed++
				res.StateUpdateFailed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeMarkFailed
	outcomeFailed
	outcomeExhausted
	outcomeIncrementFailed
)

func (w *OutboxWorker) deliver(ctx context.Context, e models.OutboxEvent) outcome {
	l := w.logger.With("event_id", e.EventID, "event_type", e.EventType)
	if e.EventContext != nil && e.EventContext.CorrelationID != "" {
		l = l.With("correlation_id", e.EventContext.CorrelationID)
	}

	pctx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	pubErr := w.publisher.Publish(pctx, e)
	cancel()

	if pubErr == nil {
		if err := w.store.MarkProcessed(ctx, e.EventID); err != nil {
			// the event stays pending and is redelivered next cycle
			l.Error("event published but failed to mark as processed", "error", err)
			metrics.EventsProcessed.WithLabelValues("state_update_failed", e.EventType).Inc()
			w.setLastError(err)
			return outcomeMarkFailed
		}

		w.mu.Lock()
		w.stats.SuccessfullyProcessed++
		w.mu.Unlock()
		metrics.EventsProcessed.WithLabelValues("published", e.EventType).Inc()
		return outcomePublished
	}

	w.mu.Lock()
	w.stats.FailedEvents++
	w.stats.LastError = pubErr.Error()
	w.mu.Unlock()

	attempts, err := w.store.IncrementAttempts(ctx, e.EventID, pubErr.Error())
	if err != nil {
		l.Error("publish failed and attempt could not be recorded", "publish_error", pubErr, "error", err)
		metrics.EventsProcessed.WithLabelValues("state_update_failed", e.EventType).Inc()
		return outcomeIncrementFailed
	}

	if attempts >= w.cfg.MaxAttempts {
		w.mu.Lock()
		w.stats.ExhaustedEvents++
		w.mu.Unlock()
		l.Error("event exhausted its delivery attempts, waiting for operator retry",
			"attempts", attempts,
			"max_attempts", w.cfg.MaxAttempts,
			"error", pubErr,
		)
		metrics.EventsProcessed.WithLabelValues("exhausted", e.EventType).Inc()
		return outcomeExhausted
	}

	l.Warn("publish failed, will retry", "attempts", attempts, "error", pubErr)
	metrics.EventsProcessed.WithLabelValues("failed", e.EventType).Inc()
	return outcomeFailed
}

// RetryFailedEvents makes stuck events eligible again and polls right away when the worker runs
func (w *OutboxWorker) RetryFailedEvents(ctx context.Context) (int64, error) {
	n, err := w.store.ResetFailedEvents(ctx, w.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reset failed events: %w", err)
	}
	metrics.EventsReset.Add(float64(n))
	w.logger.Info("failed events reset for retry", "count", n)

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	if running && n > 0 {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (w *OutboxWorker) HealthCheck() WorkerHealth {
	stats := w.Stats()
	h := WorkerHealth{Status: models.HealthHealthy, Message: "worker is polling normally", Stats: stats}

	if !stats.IsRunning {
		h.Status = models.HealthError
		h.Message = "worker is not running"
		metrics.HealthStatus.Set(0)
		return h
	}
	metrics.HealthStatus.Set(1)

	if float64(stats.FailedEvents) > 0.1*float64(stats.SuccessfullyProcessed) {
		h.Status = models.HealthWarning
		h.Message = fmt.Sprintf("high failure rate: %d failed vs %d processed", stats.FailedEvents, stats.SuccessfullyProcessed)
		return h
	}

	ref := stats.StartedAt
	if stats.LastPollAt != nil {
		ref = stats.LastPollAt
	}
	if ref != nil {
		if since := w.now().Sub(*ref); since > 3*w.cfg.ProcessingInterval {
			h.Status = models.HealthWarning
			h.Message = fmt.Sprintf("no poll for %s", since.Round(time.Millisecond))
		}
	}

	return h
}

func (w *OutboxWorker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *OutboxWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *OutboxWorker) recordPollError(err error) {
	metrics.PollErrors.Inc()
	w.setLastError(err)
}

func (w *OutboxWorker) setLastError(err error) {
	w.mu.Lock()
	w.stats.LastError = err.Error()
	w.mu.Unlock()
}
