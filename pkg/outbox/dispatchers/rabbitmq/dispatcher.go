package rabbitmq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iota-uz/async-orders/pkg/headers"
	"github.com/iota-uz/async-orders/pkg/outbox"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

// Dispatcher publishes outbox records to a RabbitMQ exchange and returns only
// after the broker confirmed the publish.
type Dispatcher struct {
	ch        Declarer
	publisher rabbitmq.Publisher
	exchange  string
}

// Declarer declares the target exchange before the relay starts.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

var (
	_ outbox.Dispatcher = (*Dispatcher)(nil)
	_ outbox.Preparer   = (*Dispatcher)(nil)
)

func New(ch Declarer, publisher rabbitmq.Publisher, exchange string) (*Dispatcher, error) {
	if publisher == nil {
		return nil, errors.New("outbox rabbitmq dispatcher: publisher is required")
	}
	if exchange == "" {
		return nil, errors.New("outbox rabbitmq dispatcher: exchange is required")
	}
	return &Dispatcher{ch: ch, publisher: publisher, exchange: exchange}, nil
}

// Prepare declares the exchange. Queues belong to the consumer side.
func (d *Dispatcher) Prepare(ctx context.Context) error {
	if d.ch == nil {
		return nil
	}
	return rabbitmq.DeclareExchange(d.ch, d.exchange)
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	rec := msg.Record

	var body bytes.Buffer
	if err := json.Compact(&body, rec.Payload); err != nil {
		return fmt.Errorf("outbox record %s has invalid payload: %w", rec.ID, err)
	}

	hdrs := rec.Headers.Clone()
	rabbitmq.InjectTrace(ctx, hdrs)

	pub := amqp.Publishing{
		MessageId:     rec.ID.String(),
		CorrelationId: hdrs.String(headers.CorrelationID),
		Type:          rec.Type,
		Timestamp:     rec.OccurredAt.UTC(),
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Headers:       rabbitmq.HeadersToTable(hdrs),
		Body:          body.Bytes(),
	}
	if err := d.publisher.Publish(ctx, d.exchange, rec.RoutingKey, pub); err != nil {
		return fmt.Errorf("publish %s to %s/%s: %w", rec.ID, d.exchange, rec.RoutingKey, err)
	}
	return nil
}
