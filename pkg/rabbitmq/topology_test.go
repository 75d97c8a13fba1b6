package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func ordersTopology() Topology {
	return Topology{
		Exchange:      "orders.ex",
		Queue:         "orders.created.q",
		RoutingKey:    "orders.created",
		DLQQueue:      "orders.created.dlq.q",
		DLQRoutingKey: "orders.created.dlq",
		Delays:        []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second},
		MaxAttempts:   5,
	}
}

func TestTopology_Route(t *testing.T) {
	t.Parallel()

	topo := ordersTopology()
	cases := []struct {
		next     int
		exchange string
		key      string
		dlq      bool
	}{
		{2, "", "orders.created.delay.5s.q", false},
		{3, "", "orders.created.delay.15s.q", false},
		{4, "", "orders.created.delay.30s.q", false},
		{5, "", "orders.created.delay.60s.q", false},
		{6, "orders.ex", "orders.created.dlq", true},
	}
	for _, tc := range cases {
		ex, key, dlq := topo.Route(tc.next)
		require.Equal(t, tc.exchange, ex, "attempt %d", tc.next)
		require.Equal(t, tc.key, key, "attempt %d", tc.next)
		require.Equal(t, tc.dlq, dlq, "attempt %d", tc.next)
	}
}

func TestTopology_DelayForRepeatsLastEntry(t *testing.T) {
	t.Parallel()

	topo := ordersTopology()
	topo.Delays = []time.Duration{5 * time.Second, 10 * time.Second}
	topo.MaxAttempts = 8
	require.Equal(t, 5*time.Second, topo.DelayFor(1))
	require.Equal(t, 5*time.Second, topo.DelayFor(2))
	require.Equal(t, 10*time.Second, topo.DelayFor(3))
	require.Equal(t, 10*time.Second, topo.DelayFor(7))

	_, key, dlq := topo.Route(8)
	require.False(t, dlq)
	require.Equal(t, "orders.created.delay.10s.q", key)
}

func TestTopology_RouteBelowSecondAttemptGoesToDLQ(t *testing.T) {
	t.Parallel()

	topo := ordersTopology()
	for _, next := range []int{1, 0, -1} {
		_, key, dlq := topo.Route(next)
		require.True(t, dlq, "attempt %d", next)
		require.Equal(t, "orders.created.dlq", key)
	}
}

func TestTopology_MaxAttemptsOneGoesStraightToDLQ(t *testing.T) {
	t.Parallel()

	topo := ordersTopology()
	topo.MaxAttempts = 1
	ex, key, dlq := topo.Route(2)
	require.True(t, dlq)
	require.Equal(t, "orders.ex", ex)
	require.Equal(t, "orders.created.dlq", key)
}

func TestTopology_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ordersTopology().Validate())

	mutations := map[string]func(*Topology){
		"no exchange":     func(t *Topology) { t.Exchange = "" },
		"no queue":        func(t *Topology) { t.Queue = "" },
		"no dlq":          func(t *Topology) { t.DLQRoutingKey = "" },
		"zero attempts":   func(t *Topology) { t.MaxAttempts = 0 },
		"no delays":       func(t *Topology) { t.Delays = nil },
		"sub-second":      func(t *Topology) { t.Delays = []time.Duration{500 * time.Millisecond} },
		"fractional secs": func(t *Topology) { t.Delays = []time.Duration{1500 * time.Millisecond} },
	}
	for name, mutate := range mutations {
		topo := ordersTopology()
		mutate(&topo)
		require.ErrorIs(t, topo.Validate(), ErrInvalidTopology, name)
	}
}

func TestDeclare_DeclaresFullTopology(t *testing.T) {
	t.Parallel()

	topo := ordersTopology()
	topo.Delays = append(topo.Delays, 60*time.Second)
	ch := &fakeChannel{}
	require.NoError(t, Declare(ch, topo))

	require.Equal(t, []string{"orders.ex:direct"}, ch.exchanges)

	names := make([]string, 0, len(ch.queues))
	for _, q := range ch.queues {
		names = append(names, q.Name)
	}
	require.Equal(t, []string{
		"orders.created.q",
		"orders.created.delay.5s.q",
		"orders.created.delay.15s.q",
		"orders.created.delay.30s.q",
		"orders.created.delay.60s.q",
		"orders.created.dlq.q",
	}, names)

	require.Equal(t, amqp.Table{
		"x-message-ttl":             int64(15000),
		"x-dead-letter-exchange":    "orders.ex",
		"x-dead-letter-routing-key": "orders.created",
	}, ch.queues[2].Args)

	require.Equal(t, [][3]string{
		{"orders.created.q", "orders.created", "orders.ex"},
		{"orders.created.dlq.q", "orders.created.dlq", "orders.ex"},
	}, ch.bindings)
}

func TestDeclare_RejectsInvalidTopology(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	require.ErrorIs(t, Declare(ch, Topology{}), ErrInvalidTopology)
	require.Empty(t, ch.exchanges)
	require.ErrorIs(t, DeclareExchange(nil, "x"), ErrChannelRequired)
}
