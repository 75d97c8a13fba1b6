package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology describes the main exchange and queue, the TTL delay queues that
// dead-letter back into the main exchange, and the terminal DLQ.
type Topology struct {
	Exchange      string
	Queue         string
	RoutingKey    string
	DLQQueue      string
	DLQRoutingKey string
	// Delays[i] is the wait before attempt i+2; the last entry repeats.
	Delays      []time.Duration
	MaxAttempts int
}

func (t Topology) Validate() error {
	if t.Exchange == "" {
		return invalidTopology("exchange is required")
	}
	if t.Queue == "" || t.RoutingKey == "" {
		return invalidTopology("queue and routing key are required")
	}
	if t.DLQQueue == "" || t.DLQRoutingKey == "" {
		return invalidTopology("dlq queue and routing key are required")
	}
	if t.MaxAttempts < 1 {
		return invalidTopology("max attempts must be >= 1")
	}
	if len(t.Delays) == 0 {
		return invalidTopology("at least one retry delay is required")
	}
	for _, d := range t.Delays {
		if d < time.Second || d%time.Second != 0 {
			return invalidTopology("retry delay %s must be a whole number of seconds", d)
		}
	}
	return nil
}

// DelayQueueName names the delay queue for d, e.g. orders.created.delay.15s.q.
func (t Topology) DelayQueueName(d time.Duration) string {
	return fmt.Sprintf("%s.delay.%ds.q", t.baseName(), int64(d/time.Second))
}

func (t Topology) baseName() string {
	return strings.TrimSuffix(t.Queue, ".q")
}

// DelayFor returns the wait before the given attempt (2, 3, ...).
func (t Topology) DelayFor(attempt int) time.Duration {
	if len(t.Delays) == 0 {
		return 0
	}
	idx := attempt - 2
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.Delays) {
		idx = len(t.Delays) - 1
	}
	return t.Delays[idx]
}

// Route returns where a message should be republished for nextAttempt:
// the delay queue (through the default exchange) while attempts remain,
// the DLQ otherwise. An attempt below 2 cannot be a retry and goes to the DLQ.
func (t Topology) Route(nextAttempt int) (exchange, routingKey string, toDLQ bool) {
	if nextAttempt > 1 && nextAttempt <= t.MaxAttempts {
		return "", t.DelayQueueName(t.DelayFor(nextAttempt)), false
	}
	return t.Exchange, t.DLQRoutingKey, true
}

func (t Topology) uniqueDelays() []time.Duration {
	seen := make(map[time.Duration]struct{}, len(t.Delays))
	out := make([]time.Duration, 0, len(t.Delays))
	for _, d := range t.Delays {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareExchange declares only the durable direct exchange. Producers need
// nothing else.
func DeclareExchange(ch declarer, exchange string) error {
	if ch == nil {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Declare idempotently declares the whole topology.
func Declare(ch declarer, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}

	for _, d := range t.uniqueDelays() {
		name := t.DelayQueueName(d)
		args := amqp.Table{
			"x-message-ttl":             d.Milliseconds(),
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": t.RoutingKey,
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", name, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DLQQueue, err)
	}
	if err := ch.QueueBind(t.DLQQueue, t.DLQRoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", t.DLQQueue, err)
	}
	return nil
}
