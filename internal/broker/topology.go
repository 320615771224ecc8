package broker

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges and queues the relay relies on
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// TopologyDeclarer is the subset of *amqp.Channel needed to declare exchanges and queues
type TopologyDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares the dead-letter side first, then the main topic exchange.
// Messages no queue is bound for are diverted to the dead-letter exchange through alternate-exchange.
func DeclareTopology(ch TopologyDeclarer, t Topology) error {
	if ch == nil {
		return errors.New("declare topology: nil channel")
	}
	if t.Exchange == "" || t.DeadLetterExchange == "" || t.DeadLetterQueue == "" {
		return fmt.Errorf("declare topology: incomplete names %+v", t)
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, "#", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	args := amqp.Table{"alternate-exchange": t.DeadLetterExchange}
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare topic exchange %s: %w", t.Exchange, err)
	}

	return nil
}

// DeadLetterArgs are the queue arguments that route rejected deliveries to dlx
func DeadLetterArgs(dlx string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": dlx}
}
