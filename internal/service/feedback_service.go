package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
	"github.com/google/uuid"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrMalformedDeadLetter = errors.New("malformed dead letter")

type FeedbackRepository interface {
	RecordDeadLetter(ctx context.Context, eventID uuid.UUID, reason string) error
}

// FeedbackService writes consumer rejections seen on the dead-letter queue back onto the outbox row
type FeedbackService struct {
	repo   FeedbackRepository
	logger *slog.Logger
}

func NewFeedbackService(r FeedbackRepository, l *slog.Logger) *FeedbackService {
	if l == nil {
		l = slog.Default()
	}
	return &FeedbackService{repo: r, logger: l.With("component", "feedback")}
}

func (s *FeedbackService) HandleDeadLetter(ctx context.Context, body []byte) error {
	return s.record(ctx, body, "rejected by consumer")
}

// Handle adapts the service to a dead-letter queue consumer
func (s *FeedbackService) Handle(ctx context.Context, d amqp.Delivery) error {
	return s.record(ctx, d.Body, DeathReason(d.Headers))
}

func (s *FeedbackService) record(ctx context.Context, body []byte, reason string) error {
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Error("feedback: failed to unmarshal dead letter", "error", err)
		return fmt.Errorf("%w: %v", ErrMalformedDeadLetter, err)
	}
	if env.EventID == uuid.Nil {
		return fmt.Errorf("%w: missing eventId", ErrMalformedDeadLetter)
	}

	metrics.DeadLetters.WithLabelValues(env.EventType).Inc()
	s.logger.Warn("feedback: caught dead letter, updating outbox",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"reason", reason,
	)

	err := s.repo.RecordDeadLetter(ctx, env.EventID, reason)
	if errors.Is(err, models.ErrEventNotFound) {
		// already purged by the janitor
		s.logger.Info("feedback: dead letter refers to an unknown event", "event_id", env.EventID)
		return nil
	}
	if err != nil {
		s.logger.Error("feedback: failed to update outbox", "event_id", env.EventID, "error", err)
		return err
	}

	return nil
}

// DeathReason reads the first x-death entry RabbitMQ attaches to dead-lettered messages
func DeathReason(headers amqp.Table) string {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return "rejected by consumer"
	}

	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return "rejected by consumer"
	}

	reason, _ := first["reason"].(string)
	queue, _ := first["queue"].(string)
	switch {
	case reason != "" && queue != "":
		return fmt.Sprintf("%s from %s", reason, queue)
	case reason != "":
		return reason
	}
	return "rejected by consumer"
}
