package rabbitmq

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/async-orders/pkg/headers"
)

type consumerHarness struct {
	ch     *fakeChannel
	pub    *fakePublisher
	acks   *fakeAcknowledger
	sleeps []time.Duration
	c      *Consumer
}

func newConsumerHarness(t *testing.T, h Handler) *consumerHarness {
	t.Helper()
	hs := &consumerHarness{
		ch:   &fakeChannel{deliveries: make(chan amqp.Delivery, 8)},
		pub:  &fakePublisher{},
		acks: newFakeAcknowledger(),
	}
	c, err := NewConsumer(hs.ch, hs.pub, ordersTopology(), h, ConsumerOptions{
		Prefetch:        1,
		RequeueDelay:    time.Second,
		MaxRequeueDelay: 30 * time.Second,
	})
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) { hs.sleeps = append(hs.sleeps, d) }
	hs.c = c
	return hs
}

func (h *consumerHarness) deliver(tag uint64, messageID string, hdrs amqp.Table, body string) {
	h.ch.deliveries <- amqp.Delivery{
		Acknowledger: h.acks,
		DeliveryTag:  tag,
		MessageId:    messageID,
		Headers:      hdrs,
		Body:         []byte(body),
		ContentType:  "application/json",
	}
}

func (h *consumerHarness) run(t *testing.T) {
	t.Helper()
	close(h.ch.deliveries)
	require.ErrorIs(t, h.c.Run(context.Background()), ErrDeliveriesClosed)
}

func TestConsumer_AcksOnSuccess(t *testing.T) {
	var seen []*Delivery
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		seen = append(seen, d)
		return nil
	}))
	h.deliver(1, "m-1", amqp.Table{"x-correlation-id": "c-1", "x-attempt": int32(3)}, `{"orderId":"x"}`)
	h.run(t)

	require.Equal(t, 1, h.ch.qos)
	require.Len(t, seen, 1)
	require.Equal(t, "m-1", seen[0].MessageID)
	require.Equal(t, "c-1", seen[0].CorrelationID)
	require.Equal(t, 3, seen[0].Attempt)
	require.Equal(t, 1, h.acks.get(1).acks)
	require.Zero(t, h.acks.get(1).nacks)
	require.Empty(t, h.pub.calls)
}

func TestConsumer_AttemptDefaultsToOne(t *testing.T) {
	var attempt int
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		attempt = d.Attempt
		return nil
	}))
	h.deliver(1, "m-1", amqp.Table{"x-attempt": "garbage"}, `{}`)
	h.run(t)
	require.Equal(t, 1, attempt)
}

func TestConsumer_FailureRepublishesToDelayQueueThenAcks(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		d.CorrelationID = "from-body"
		return errors.New("order not ready")
	}))
	h.deliver(7, "m-7", amqp.Table{"x-attempt": int64(2), "traceparent": "t"}, `{"a":1}`)
	h.run(t)

	require.Len(t, h.pub.calls, 1)
	call := h.pub.calls[0]
	require.Equal(t, "", call.Exchange)
	require.Equal(t, "orders.created.delay.15s.q", call.Key)
	require.Equal(t, "m-7", call.Msg.MessageId)
	require.Equal(t, "from-body", call.Msg.CorrelationId)
	require.Equal(t, amqp.Persistent, call.Msg.DeliveryMode)
	require.Equal(t, `{"a":1}`, string(call.Msg.Body))
	require.Equal(t, int64(3), call.Msg.Headers["x-attempt"])
	require.Equal(t, "from-body", call.Msg.Headers["x-correlation-id"])
	require.Equal(t, "t", call.Msg.Headers["traceparent"])

	require.Equal(t, 1, h.acks.get(7).acks)
	require.Zero(t, h.acks.get(7).nacks)
	require.Empty(t, h.sleeps)
}

func TestConsumer_ExhaustedAttemptsGoToDLQ(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return errors.New("still failing")
	}))
	h.deliver(9, "m-9", amqp.Table{"x-attempt": int64(5), "x-correlation-id": "c"}, `{}`)
	h.run(t)

	require.Len(t, h.pub.calls, 1)
	require.Equal(t, "orders.ex", h.pub.calls[0].Exchange)
	require.Equal(t, "orders.created.dlq", h.pub.calls[0].Key)
	require.Equal(t, int64(6), h.pub.calls[0].Msg.Headers["x-attempt"])
	require.Equal(t, 1, h.acks.get(9).acks)
}

func TestConsumer_HugeAttemptHeaderGoesToDLQ(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return errors.New("still failing")
	}))
	h.deliver(11, "m-11", amqp.Table{"x-attempt": int64(math.MaxInt64)}, `{}`)
	h.run(t)

	require.Len(t, h.pub.calls, 1)
	require.Equal(t, "orders.ex", h.pub.calls[0].Exchange)
	require.Equal(t, "orders.created.dlq", h.pub.calls[0].Key)
	require.Equal(t, int64(math.MaxInt64), h.pub.calls[0].Msg.Headers["x-attempt"])
	require.Equal(t, 1, h.acks.get(11).acks)
}

func TestNextAttempt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    int
	}{
		{math.MinInt, 2},
		{0, 2},
		{1, 2},
		{4, 5},
		{math.MaxInt - 1, math.MaxInt},
		{math.MaxInt, math.MaxInt},
	}
	topo := ordersTopology()
	for _, tc := range cases {
		next := nextAttempt(tc.attempt)
		require.Equal(t, tc.want, next, "attempt %d", tc.attempt)
		require.Greater(t, next, 1, "attempt %d", tc.attempt)
		if tc.attempt >= topo.MaxAttempts {
			_, _, dlq := topo.Route(next)
			require.True(t, dlq, "attempt %d", tc.attempt)
		}
	}
}

func TestConsumer_MissingMessageIDUsesCorrelationAndTag(t *testing.T) {
	var identity string
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		identity = d.Identity()
		return errors.New("boom")
	}))
	h.deliver(42, "", amqp.Table{"x-correlation-id": "corr"}, `{}`)
	h.run(t)

	require.Equal(t, "corr:42", identity)
	require.Equal(t, "corr:42", h.pub.calls[0].Msg.MessageId)
}

func TestConsumer_TransientErrorNacksWithRequeue(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return Transient(errors.New("database unavailable"))
	}))
	h.deliver(1, "m-1", nil, `{}`)
	h.deliver(2, "m-2", nil, `{}`)
	h.run(t)

	require.Empty(t, h.pub.calls)
	for _, tag := range []uint64{1, 2} {
		rec := h.acks.get(tag)
		require.Zero(t, rec.acks)
		require.Equal(t, 1, rec.nacks)
		require.True(t, rec.requeued)
	}
	require.Len(t, h.sleeps, 2)
	require.GreaterOrEqual(t, h.sleeps[0], time.Second)
	require.GreaterOrEqual(t, h.sleeps[1], 2*time.Second)
}

func TestConsumer_RepublishFailureRequeuesOriginal(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return errors.New("boom")
	}))
	h.pub.err = ErrConfirmTimeout
	h.deliver(3, "m-3", nil, `{}`)
	h.run(t)

	rec := h.acks.get(3)
	require.Zero(t, rec.acks)
	require.Equal(t, 1, rec.nacks)
	require.True(t, rec.requeued)
	require.Len(t, h.sleeps, 1)
}

func TestConsumer_HandlerPanicTakesRetryPath(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error {
		panic("nil map")
	}))
	h.deliver(1, "m-1", nil, `{}`)
	h.run(t)

	require.Len(t, h.pub.calls, 1)
	require.Equal(t, "orders.created.delay.5s.q", h.pub.calls[0].Key)
	require.Equal(t, 1, h.acks.get(1).acks)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.c.Run(ctx), context.Canceled)
}

func TestConsumer_ConsumeError(t *testing.T) {
	h := newConsumerHarness(t, HandlerFunc(func(ctx context.Context, d *Delivery) error { return nil }))
	h.ch.consumeErr = errors.New("access refused")
	require.ErrorContains(t, h.c.Run(context.Background()), "consume orders.created.q")
}

func TestNewConsumer_Validates(t *testing.T) {
	t.Parallel()

	noop := HandlerFunc(func(ctx context.Context, d *Delivery) error { return nil })
	_, err := NewConsumer(nil, &fakePublisher{}, ordersTopology(), noop, ConsumerOptions{})
	require.ErrorIs(t, err, ErrChannelRequired)
	_, err = NewConsumer(&fakeChannel{}, &fakePublisher{}, Topology{}, noop, ConsumerOptions{})
	require.ErrorIs(t, err, ErrInvalidTopology)
	_, err = NewConsumer(&fakeChannel{}, nil, ordersTopology(), noop, ConsumerOptions{})
	require.Error(t, err)
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()

	m := headers.Map{}
	c := HeaderCarrier(m)
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
	require.Equal(t, headers.String("00-abc"), m["traceparent"])
}
