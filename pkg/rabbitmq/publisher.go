package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultConfirmTimeout = 5 * time.Second

	confirmBuffer = 256
)

// Publisher publishes a message and returns once the broker has confirmed it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ConfirmPublisher puts a channel into confirm mode and serialises publishes.
// Confirmations for earlier publishes that timed out are skipped by tag.
type ConfirmPublisher struct {
	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	timeout  time.Duration
	seq      uint64
}

func NewConfirmPublisher(ch Channel, timeout time.Duration) (*ConfirmPublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	return &ConfirmPublisher{ch: ch, confirms: confirms, timeout: timeout}, nil
}

func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.seq++
	want := p.seq

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case conf, ok := <-p.confirms:
			if !ok {
				return ErrConfirmsClosed
			}
			if conf.DeliveryTag < want {
				continue
			}
			if !conf.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, conf.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
