package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
)

const DefaultMemoryDelay = 10 * time.Millisecond

// MemoryPublisher records events instead of sending them, used in development mode and tests
type MemoryPublisher struct {
	mu        sync.Mutex
	published []models.OutboxEvent
	delay     time.Duration
	failWith  func(models.OutboxEvent) error
	logger    *slog.Logger
}

func NewMemoryPublisher(logger *slog.Logger) *MemoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPublisher{
		delay:  DefaultMemoryDelay,
		logger: logger.With("component", "memory_publisher"),
	}
}

// WithDelay changes the artificial I/O latency; zero disables it
func (p *MemoryPublisher) WithDelay(d time.Duration) *MemoryPublisher {
	p.delay = d
	return p
}

// WithFailureHook lets tests fail selected publishes. A nil return means the event is recorded.
func (p *MemoryPublisher) WithFailureHook(hook func(models.OutboxEvent) error) *MemoryPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = hook
	return p
}

func (p *MemoryPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failWith != nil {
		if err := p.failWith(event); err != nil {
			return &models.PublishError{EventID: event.EventID, EventType: event.EventType, Err: err}
		}
	}

	p.published = append(p.published, event)
	p.logger.Debug("event published to memory", "event_id", event.EventID, "event_type", event.EventType)
	return nil
}

// Published returns a copy of everything recorded so far, in publish order
func (p *MemoryPublisher) Published() []models.OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OutboxEvent(nil), p.published...)
}

func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = nil
}
