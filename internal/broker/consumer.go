package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Listen when the broker closes the delivery stream
var ErrDeliveriesClosed = errors.New("message channel closed")

// PermanentError marks a delivery that must be dead-lettered instead of requeued
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error {
	return f(ctx, d)
}

// QueueSpec describes a durable subscriber queue bound to the events exchange
type QueueSpec struct {
	Name        string
	BindingKeys []string
	Prefetch    int
	// NoDeadLetter binds to the dead-letter exchange without x-dead-letter-exchange, used for the DLQ itself
	NoDeadLetter bool
}

// Consumer reads deliveries from its own AMQP connection with manual acknowledgements
type Consumer struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	topology     Topology
	logger       *slog.Logger
	requeueDelay time.Duration
}

func NewConsumer(url string, topology Topology, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %s", sanitize(err, url))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := DeclareTopology(ch, topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Consumer{
		conn:         conn,
		channel:      ch,
		topology:     topology,
		logger:       logger.With("component", "consumer"),
		requeueDelay: 5 * time.Second,
	}, nil
}

// WithRequeueDelay throttles redelivery of transiently failed messages
func (c *Consumer) WithRequeueDelay(d time.Duration) *Consumer {
	c.requeueDelay = d
	return c
}

// Listen declares and binds the queue, then consumes until ctx is done or the stream closes
func (c *Consumer) Listen(ctx context.Context, spec QueueSpec, h Handler) error {
	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	var args amqp.Table
	if !spec.NoDeadLetter {
		args = DeadLetterArgs(c.topology.DeadLetterExchange)
	}

	q, err := c.channel.QueueDeclare(spec.Name, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}

	exchange := c.topology.Exchange
	if spec.NoDeadLetter {
		exchange = c.topology.DeadLetterExchange
	}
	for _, key := range spec.BindingKeys {
		if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, key, err)
		}
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("consumer is online and waiting for messages", "queue", q.Name, "bindings", spec.BindingKeys)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.dispatch(ctx, q.Name, d, h)
		}
	}
}

// dispatch settles one delivery: ack on success, dead-letter on permanent errors, requeue otherwise
func (c *Consumer) dispatch(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	l := c.logger.With("queue", queue, "message_id", d.MessageId, "routing_key", d.RoutingKey)

	err := h.Handle(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			l.Error("failed to ack message", "error", ackErr)
		}
		metrics.ConsumerMessages.WithLabelValues("acked", queue).Inc()

	case IsPermanent(err):
		l.Error("dropping message to dead-letter", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			l.Error("failed to nack message", "error", nackErr)
		}
		metrics.ConsumerMessages.WithLabelValues("dead_lettered", queue).Inc()

	default:
		l.Warn("processing failed, requeueing", "error", err)
		if c.requeueDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.requeueDelay):
			}
		}
		if nackErr := d.Nack(false, true); nackErr != nil {
			l.Error("failed to requeue message", "error", nackErr)
		}
		metrics.ConsumerMessages.WithLabelValues("requeued", queue).Inc()
	}
}

// NotifyClose exposes connection loss so callers can rebuild the consumer
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Consumer) Close() {
	c.logger.Info("shutting down RabbitMQ consumer")
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
