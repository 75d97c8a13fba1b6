package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iota-uz/async-orders/pkg/headers"
)

// Delivery is the broker-independent view of a received message.
type Delivery struct {
	// MessageID is the AMQP message id; may be empty.
	MessageID string
	// CorrelationID starts as the x-correlation-id header. Handlers may
	// replace it (for example from the body); republishes use the final value.
	CorrelationID string
	// Attempt is x-attempt, 1 when absent or unreadable.
	Attempt     int
	Headers     headers.Map
	Body        []byte
	RoutingKey  string
	DeliveryTag uint64
	Redelivered bool
}

// Identity is the inbox key for the delivery: the message id when present,
// otherwise correlationID:deliveryTag.
func (d *Delivery) Identity() string {
	if d.MessageID != "" {
		return d.MessageID
	}
	return fmt.Sprintf("%s:%d", d.CorrelationID, d.DeliveryTag)
}

// Handler processes one delivery. A nil error acks it. An error wrapped with
// Transient sends it back to the queue. Any other error sends it to the next
// delay queue, or the DLQ once attempts are exhausted.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

type ConsumerOptions struct {
	Prefetch    int
	ConsumerTag string

	// RequeueDelay is the base pause before a transient failure is nacked
	// back to the queue; it doubles per consecutive failure up to MaxRequeueDelay.
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration

	Logger *logrus.Entry
}

func (o *ConsumerOptions) setDefaults() {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.RequeueDelay == 0 {
		o.RequeueDelay = time.Second
	}
	if o.MaxRequeueDelay == 0 {
		o.MaxRequeueDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

type Consumer struct {
	ch        Channel
	publisher Publisher
	topology  Topology
	handler   Handler
	opts      ConsumerOptions

	m   *metrics
	rnd *rand.Rand

	consecutiveTransient int
	sleep                func(ctx context.Context, d time.Duration)
}

func NewConsumer(ch Channel, publisher Publisher, topology Topology, handler Handler, opts ConsumerOptions) (*Consumer, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}
	if publisher == nil {
		return nil, errors.New("rabbitmq: publisher is required")
	}
	if handler == nil {
		return nil, errors.New("rabbitmq: handler is required")
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Consumer{
		ch:        ch,
		publisher: publisher,
		topology:  topology,
		handler:   handler,
		opts:      opts,
		m:         getMetrics(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		sleep:     sleepCtx,
	}, nil
}

// Run consumes until ctx ends or the delivery stream closes. Deliveries are
// handled one at a time; a delivery already being handled when ctx ends is
// finished before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.topology.Queue, c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topology.Queue, err)
	}
	c.opts.Logger.WithFields(logrus.Fields{
		"queue":    c.topology.Queue,
		"prefetch": c.opts.Prefetch,
	}).Info("rabbitmq: consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrDeliveriesClosed
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(runCtx context.Context, raw amqp.Delivery) {
	d := toDelivery(raw)
	log := c.opts.Logger.WithFields(logrus.Fields{
		"message_id":     d.MessageID,
		"correlation_id": d.CorrelationID,
		"attempt":        d.Attempt,
		"delivery_tag":   d.DeliveryTag,
	})

	ctx := ExtractTrace(context.WithoutCancel(runCtx), d.Headers)
	ctx, span := tracer.Start(ctx, "rabbitmq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", c.topology.Queue),
			attribute.String("messaging.message_id", d.MessageID),
			attribute.Int("messaging.attempt", d.Attempt),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.safeHandle(ctx, d)
	latency := time.Since(start)

	switch {
	case err == nil:
		c.consecutiveTransient = 0
		c.observe("ack", latency)
		if ackErr := raw.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("rabbitmq: ack failed")
		}
	case IsTransient(err):
		span.RecordError(err)
		c.observe("requeue", latency)
		c.requeue(runCtx, raw, log.WithError(err))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.retry(runCtx, raw, d, latency, log.WithError(err))
	}
}

func (c *Consumer) safeHandle(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.Logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("rabbitmq: handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, d)
}

// retry republishes the original body to the delay queue for the next
// attempt, or to the DLQ, and acks the original only after the republish is
// confirmed. When the republish fails the original is requeued instead.
func (c *Consumer) retry(runCtx context.Context, raw amqp.Delivery, d *Delivery, latency time.Duration, log *logrus.Entry) {
	next := nextAttempt(d.Attempt)
	exchange, key, toDLQ := c.topology.Route(next)
	target := "delay"
	if toDLQ {
		target = "dlq"
	}

	hdrs := d.Headers.Clone()
	hdrs.Set(headers.CorrelationID, headers.String(d.CorrelationID))
	hdrs.Set(headers.Attempt, headers.Int(int64(next)))

	msg := amqp.Publishing{
		MessageId:     d.Identity(),
		CorrelationId: d.CorrelationID,
		ContentType:   contentType(raw.ContentType),
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Type:          raw.Type,
		Headers:       HeadersToTable(hdrs),
		Body:          d.Body,
	}

	log = log.WithFields(logrus.Fields{"next_attempt": next, "target": key})
	if err := c.publisher.Publish(context.WithoutCancel(runCtx), exchange, key, msg); err != nil {
		c.m.republishTotal.WithLabelValues(c.topology.Queue, target, "failure").Inc()
		log.WithField("republish_error", err.Error()).Error("rabbitmq: republish failed, returning message to queue")
		c.observe("requeue", latency)
		c.requeue(runCtx, raw, log)
		return
	}
	c.m.republishTotal.WithLabelValues(c.topology.Queue, target, "success").Inc()
	c.consecutiveTransient = 0

	if toDLQ {
		c.observe("dlq", latency)
		log.Error("rabbitmq: attempts exhausted, message moved to dlq")
	} else {
		c.observe("retry", latency)
		log.WithField("delay", c.topology.DelayFor(next).String()).Warn("rabbitmq: processing failed, scheduled retry")
	}

	if err := raw.Ack(false); err != nil {
		log.WithField("ack_error", err.Error()).Error("rabbitmq: ack after republish failed")
	}
}

func (c *Consumer) requeue(runCtx context.Context, raw amqp.Delivery, log *logrus.Entry) {
	c.consecutiveTransient++
	wait := backoff(c.consecutiveTransient, c.opts.RequeueDelay, c.opts.MaxRequeueDelay) + jitter(c.rnd, c.opts.RequeueDelay/4)
	log.WithField("wait", wait.String()).Warn("rabbitmq: requeueing delivery")
	c.sleep(runCtx, wait)
	if err := raw.Nack(false, true); err != nil {
		log.WithField("nack_error", err.Error()).Error("rabbitmq: nack failed")
	}
}

func (c *Consumer) observe(outcome string, latency time.Duration) {
	c.m.handledTotal.WithLabelValues(c.topology.Queue, outcome).Inc()
	c.m.handleLatency.WithLabelValues(c.topology.Queue, outcome).Observe(latency.Seconds())
}

func toDelivery(raw amqp.Delivery) *Delivery {
	hdrs := HeadersFromTable(raw.Headers)
	attempt := hdrs.Int(headers.Attempt, 1)
	if attempt < 1 {
		attempt = 1
	}
	if attempt > math.MaxInt {
		attempt = math.MaxInt
	}
	corr := hdrs.String(headers.CorrelationID)
	if corr == "" {
		corr = raw.CorrelationId
	}
	return &Delivery{
		MessageID:     raw.MessageId,
		CorrelationID: corr,
		Attempt:       int(attempt),
		Headers:       hdrs,
		Body:          raw.Body,
		RoutingKey:    raw.RoutingKey,
		DeliveryTag:   raw.DeliveryTag,
		Redelivered:   raw.Redelivered,
	}
}

// nextAttempt saturates so an absurd x-attempt still routes to the DLQ.
func nextAttempt(attempt int) int {
	if attempt < 1 {
		return 2
	}
	if attempt == math.MaxInt {
		return math.MaxInt
	}
	return attempt + 1
}

func contentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
