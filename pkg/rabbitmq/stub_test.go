package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type queueDecl struct {
	Name string
	Args amqp.Table
}

type fakeChannel struct {
	mu sync.Mutex

	exchanges []string
	queues    []queueDecl
	bindings  [][3]string
	qos       int

	deliveries chan amqp.Delivery
	consumeErr error

	confirms   chan amqp.Confirmation
	seq        uint64
	nack       bool
	noConfirm  bool
	publishErr error
	published  []published
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.exchanges = append(c.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.queues = append(c.queues, queueDecl{Name: name, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.bindings = append(c.bindings, [3]string{name, key, exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{Exchange: exchange, Key: key, Msg: msg})
	c.seq++
	if c.confirms != nil && !c.noConfirm {
		c.confirms <- amqp.Confirmation{DeliveryTag: c.seq, Ack: !c.nack}
	}
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error { return nil }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) Close() error { return nil }

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	calls []published
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{Exchange: exchange, Key: routingKey, Msg: msg})
	return p.err
}

type ackRecord struct {
	acks     int
	nacks    int
	requeued bool
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	tags map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{tags: map[uint64]*ackRecord{}}
}

func (a *fakeAcknowledger) get(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.tags[tag]
	if !ok {
		r = &ackRecord{}
		a.tags[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	r := a.get(tag)
	a.mu.Lock()
	r.acks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	r := a.get(tag)
	a.mu.Lock()
	r.nacks++
	r.requeued = requeue
	a.mu.Unlock()
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}
