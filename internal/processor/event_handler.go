package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/events"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/publisher"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
	"github.com/google/uuid"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventFunc reacts to one decoded event. payload holds the typed value returned by the registry.
type EventFunc func(ctx context.Context, env models.Envelope, payload any) error

// EventHandler turns broker deliveries into typed events and dispatches them with at-most-once effect per event id
type EventHandler struct {
	registry     *events.Registry
	dedup        Deduper
	handlers     map[string]EventFunc
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
}

func NewEventHandler(registry *events.Registry, dedup Deduper, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		registry:     registry,
		dedup:        dedup,
		handlers:     make(map[string]EventFunc),
		logger:       logger.With("component", "event_handler"),
		maxRetries:   3,
		retryBackoff: 200 * time.Millisecond,
	}
}

func (h *EventHandler) On(eventType string, fn EventFunc) *EventHandler {
	h.handlers[eventType] = fn
	return h
}

// WithRetry tunes the internal linear retry applied to transient handler failures
func (h *EventHandler) WithRetry(maxRetries int, backoff time.Duration) *EventHandler {
	if maxRetries < 1 {
		maxRetries = 1
	}
	h.maxRetries = maxRetries
	h.retryBackoff = backoff
	return h
}

// EventTypes lists the types this handler subscribes to
func (h *EventHandler) EventTypes() []string {
	types := make([]string, 0, len(h.handlers))
	for t := range h.handlers {
		types = append(types, t)
	}
	return types
}

func (h *EventHandler) Handle(ctx context.Context, d amqp.Delivery) (err error) {
	start := time.Now()
	status := "success"
	eventType := d.Type

	defer func() {
		if err != nil {
			status = "transient"
			if broker.IsPermanent(err) {
				status = "fatal"
			}
		}
		metrics.ConsumerDuration.WithLabelValues(status, eventType).Observe(time.Since(start).Seconds())
	}()

	var env models.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		h.logger.Error("fatal: failed to parse envelope", "message_id", d.MessageId, "error", err)
		return broker.Permanent(fmt.Errorf("envelope unmarshal: %w", err))
	}
	if env.EventID == uuid.Nil || env.EventType == "" {
		return broker.Permanent(errors.New("envelope without eventId or eventType"))
	}
	eventType = env.EventType

	l := h.logger.With("event_id", env.EventID, "event_type", env.EventType)
	if env.Context != nil && env.Context.CorrelationID != "" {
		l = l.With("correlation_id", env.Context.CorrelationID)
	}

	ctx = publisher.ExtractContext(ctx, d.Headers)

	payload, err := h.registry.Decode(env.EventType, env.EventVersion, env.Data)
	if err != nil {
		l.Error("fatal: event cannot be decoded", "version", env.EventVersion, "error", err)
		return broker.Permanent(err)
	}

	fn, ok := h.handlers[env.EventType]
	if !ok {
		status = "ignored"
		l.Debug("no handler registered, acking")
		return nil
	}

	if h.dedup != nil {
		first, err := h.dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if !first {
			status = "duplicate"
			l.Info("event already handled, skipping to ACK")
			return nil
		}
	}

	if err := h.run(ctx, l, fn, env, payload); err != nil {
		if h.dedup != nil {
			// the redelivery must run the handler again
			if ferr := h.dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
				l.Warn("failed to release idempotency claim", "error", ferr)
			}
		}
		return err
	}

	l.Info("event handled")
	return nil
}

func (h *EventHandler) run(ctx context.Context, l *slog.Logger, fn EventFunc, env models.Envelope, payload any) error {
	var lastErr error

	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		err := fn(ctx, env, payload)
		if err == nil {
			return nil
		}
		if broker.IsPermanent(err) {
			return err
		}
		lastErr = err

		if attempt == h.maxRetries {
			break
		}

		metrics.ConsumerRetries.WithLabelValues(env.EventType).Inc()
		// linear: 200ms, 400ms, ...
		backoff := time.Duration(attempt) * h.retryBackoff
		l.Warn("handler failed, retrying internally", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("failed after %d attempts (last error: %w)", h.maxRetries, lastErr)
}
