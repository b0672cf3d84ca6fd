package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	unroutedSuffix     = ".unrouted"
	defaultBindingKey  = "#"
	topicExchangeType  = "topic"
	fanoutExchangeType = "fanout"
)

// TopologyChannel defines the AMQP channel operations required to declare
// the event exchange.
type TopologyChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareEventTopology declares the durable topic exchange events are routed
// to, plus an alternate exchange and queue that keep events no consumer has
// bound a key for. Nothing published is silently dropped.
func DeclareEventTopology(ch TopologyChannel, exchange string) error {
	if ch == nil {
		return fmt.Errorf("declare event topology: %w", ErrChannelRequired)
	}

	if exchange == "" {
		return fmt.Errorf("declare event topology: %w", ErrExchangeRequired)
	}

	unrouted := exchange + unroutedSuffix

	if err := ch.ExchangeDeclare(unrouted, fanoutExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare unrouted exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(unrouted, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare unrouted queue: %w", err)
	}

	if err := ch.QueueBind(unrouted, defaultBindingKey, unrouted, false, nil); err != nil {
		return fmt.Errorf("bind unrouted queue: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, topicExchangeType, true, false, false, false,
		amqp.Table{"alternate-exchange": unrouted}); err != nil {
		return fmt.Errorf("declare event exchange: %w", err)
	}

	return nil
}
