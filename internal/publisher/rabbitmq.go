package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/encoding"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Sender is the broker side of BrokerPublisher, satisfied by *broker.Connection
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts broker.PublishOptions) error
}

type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker; zero disables it
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial request through
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BrokerPublisher serializes outbox events into envelopes and publishes them to the topic exchange
type BrokerPublisher struct {
	sender   Sender
	exchange string
	prefix   string
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewBrokerPublisher(sender Sender, exchange, routingKeyPrefix string, bs BreakerSettings, logger *slog.Logger) *BrokerPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "broker_publisher", "exchange", exchange)

	p := &BrokerPublisher{
		sender:   sender,
		exchange: exchange,
		prefix:   routingKeyPrefix,
		logger:   l,
	}

	if bs.ConsecutiveFailures > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "rabbitmq-publish",
			MaxRequests: bs.HalfOpenRequests,
			Timeout:     bs.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return p
}

func (p *BrokerPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	body, err := json.Marshal(event.Envelope())
	if err != nil {
		return p.fail(event, fmt.Errorf("failed to serialize envelope: %w", err))
	}

	routingKey := encoding.RoutingKey(p.prefix, event.EventType)
	opts := broker.PublishOptions{
		Headers:     Headers(ctx, event),
		MessageID:   event.EventID.String(),
		Type:        event.EventType,
		ContentType: "application/json",
		Timestamp:   event.OccurredOn,
	}
	if event.EventContext != nil {
		opts.CorrelationID = event.EventContext.CorrelationID
	}

	send := func() (any, error) {
		return nil, p.sender.Publish(ctx, p.exchange, routingKey, body, opts)
	}

	if p.breaker != nil {
		_, err = p.breaker.Execute(send)
	} else {
		_, err = send()
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("broker unavailable (circuit breaker %s): %w", p.BreakerState(), err)
		}
		return p.fail(event, err)
	}

	p.logger.Debug("event published", "event_id", event.EventID, "routing_key", routingKey)
	return nil
}

// BreakerState reports "closed", "half-open" or "open"; "disabled" when no breaker is configured
func (p *BrokerPublisher) BreakerState() string {
	if p.breaker == nil {
		return "disabled"
	}
	return p.breaker.State().String()
}

func (p *BrokerPublisher) fail(event models.OutboxEvent, err error) error {
	return &models.PublishError{EventID: event.EventID, EventType: event.EventType, Err: err}
}

// Headers builds the AMQP headers of an event, including the trace context of ctx
func Headers(ctx context.Context, event models.OutboxEvent) amqp.Table {
	h := amqp.Table{
		"event_type":     event.EventType,
		"event_version":  strconv.Itoa(event.EventVersion),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
	}

	if ec := event.EventContext; ec != nil {
		if ec.CorrelationID != "" {
			h["correlation_id"] = ec.CorrelationID
		}
		if ec.CausationID != "" {
			h["causation_id"] = ec.CausationID
		}
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		h[k] = v
	}

	return h
}

// ExtractContext restores the trace context carried in delivery headers
func ExtractContext(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
