//go:build integration

package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/async-orders/pkg/headers"
)

type typeFailDispatcher struct {
	failType string
	calls    []DispatchedMessage
}

func (d *typeFailDispatcher) Dispatch(ctx context.Context, msg DispatchedMessage) error {
	d.calls = append(d.calls, msg)
	if msg.Record.Type == d.failType {
		return errors.New("poison")
	}
	return nil
}

func TestRelay_Integration_NoHeadOfLineBlocking(t *testing.T) {
	dsn := os.Getenv("OUTBOX_TEST_DSN")
	if dsn == "" {
		t.Skip("OUTBOX_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	tableName := "outbox_it_" + uuid.NewString()[:8]
	table, err := ParseIdentifier("public." + tableName)
	require.NoError(t, err)

	createSQL := fmt.Sprintf(`
CREATE TABLE %s (
  id           UUID        PRIMARY KEY,
  type         TEXT        NOT NULL,
  payload      JSONB       NOT NULL,
  routing_key  TEXT        NOT NULL,
  headers      JSONB       NOT NULL DEFAULT '{}'::jsonb,
  occurred_at  TIMESTAMPTZ NOT NULL,
  processed_at TIMESTAMPTZ NULL,
  attempts     INT         NOT NULL DEFAULT 0,
  last_error   TEXT        NULL
);
`, table.Sanitize())
	_, err = pool.Exec(ctx, createSQL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", table.Sanitize()))
	})

	w := NewWriter(table)
	base := time.Now().Add(-time.Minute)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	failRec, err := w.Enqueue(ctx, tx, Message{Type: "test.fail.v1", Event: map[string]int{"x": 1}, RoutingKey: "k", OccurredAt: base})
	require.NoError(t, err)
	okRec, err := w.Enqueue(ctx, tx, Message{
		Type:       "test.ok.v1",
		Event:      map[string]int{"y": 2},
		RoutingKey: "k",
		Headers:    headers.Map{headers.Attempt: headers.Int(1)},
		OccurredAt: base.Add(time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	t.Run("rolled back enqueue leaves nothing behind", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		rec, err := w.Enqueue(ctx, tx, Message{Type: "test.ok.v1", Event: map[string]int{"z": 3}, RoutingKey: "k"})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		var n int
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE id=$1`, table.Sanitize()), rec.ID).Scan(&n))
		require.Zero(t, n)
	})

	dispatcher := &typeFailDispatcher{failType: "test.fail.v1"}
	relay, err := NewRelay(pool, table, dispatcher, RelayOptions{
		PollInterval:           10 * time.Millisecond,
		BatchSize:              10,
		LastErrorMaxLen:        1024,
		ObserveQueueDepthEvery: time.Hour,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	// ok record dispatched once, poison retried every cycle
	require.Len(t, dispatcher.calls, 4)
	require.Equal(t, failRec.ID, dispatcher.calls[0].Record.ID)
	require.Equal(t, okRec.ID, dispatcher.calls[1].Record.ID)
	require.Equal(t, headers.Int(1), dispatcher.calls[1].Record.Headers[headers.Attempt])

	var processed bool
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT processed_at IS NOT NULL FROM %s WHERE id=$1`, table.Sanitize()), okRec.ID).Scan(&processed))
	require.True(t, processed)

	var attempts int
	var lastErr *string
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT attempts, last_error FROM %s WHERE id=$1`, table.Sanitize()), failRec.ID).Scan(&attempts, &lastErr))
	require.Equal(t, 3, attempts)
	require.NotNil(t, lastErr)
	require.Equal(t, "poison", *lastErr)
}
