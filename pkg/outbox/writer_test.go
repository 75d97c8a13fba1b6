package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/async-orders/internal/pgxstub"
	"github.com/iota-uz/async-orders/pkg/headers"
)

type sampleEvent struct {
	OrderID uuid.UUID `json:"orderId"`
	Note    string    `json:"note"`
}

type namedEvent struct {
	ID int `json:"id"`
}

func (namedEvent) EventName() string { return "sample.named.v1" }

func TestWriter_Enqueue_InsertsInCallerTx(t *testing.T) {
	tx := &pgxstub.Tx{}
	w := NewWriter(pgx.Identifier{"public", "outbox_messages"})

	orderID := uuid.New()
	occurredAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("UTC+5", 5*3600))
	hdrs := headers.Map{headers.CorrelationID: headers.String("c1"), headers.Attempt: headers.Int(1)}

	rec, err := w.Enqueue(context.Background(), tx, Message{
		Event:      sampleEvent{OrderID: orderID, Note: "hi"},
		RoutingKey: "orders.created",
		Headers:    hdrs,
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)

	require.Len(t, tx.Execs, 1)
	require.Contains(t, tx.Execs[0], `INSERT INTO "public"."outbox_messages"`)
	args := tx.ExecArgs[0]
	require.Equal(t, rec.ID, args[0])
	require.Equal(t, "github.com/iota-uz/async-orders/pkg/outbox.sampleEvent", args[1])
	require.JSONEq(t, `{"orderId":"`+orderID.String()+`","note":"hi"}`, string(args[2].([]byte)))
	require.Equal(t, "orders.created", args[3])
	require.JSONEq(t, `{"x-correlation-id":"c1","x-attempt":1}`, string(args[4].([]byte)))
	require.Equal(t, occurredAt.UTC(), args[5])

	require.NotEqual(t, uuid.Nil, rec.ID)
	require.Nil(t, rec.ProcessedAt)
	require.Zero(t, rec.Attempts)
	require.False(t, tx.Committed)

	// caller's map is not shared with the record
	hdrs[headers.Attempt] = headers.Int(9)
	require.Equal(t, headers.Int(1), rec.Headers[headers.Attempt])
}

func TestWriter_Enqueue_UsesEventName(t *testing.T) {
	tx := &pgxstub.Tx{}
	w := NewWriter(pgx.Identifier{"outbox_messages"})

	rec, err := w.Enqueue(context.Background(), tx, Message{Event: &namedEvent{ID: 1}, RoutingKey: "k"})
	require.NoError(t, err)
	require.Equal(t, "sample.named.v1", rec.Type)
	require.False(t, rec.OccurredAt.IsZero())
	require.JSONEq(t, `{}`, string(tx.ExecArgs[0][4].([]byte)))
}

func TestWriter_Enqueue_ExplicitTypeAndRawPayload(t *testing.T) {
	tx := &pgxstub.Tx{}
	w := NewWriter(pgx.Identifier{"outbox_messages"})

	rec, err := w.Enqueue(context.Background(), tx, Message{
		Type:       "custom.v1",
		Event:      json.RawMessage(`{"raw":true}`),
		RoutingKey: "k",
	})
	require.NoError(t, err)
	require.Equal(t, "custom.v1", rec.Type)
	require.JSONEq(t, `{"raw":true}`, string(rec.Payload))

	_, err = w.Enqueue(context.Background(), tx, Message{Event: json.RawMessage(`{broken`), RoutingKey: "k"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWriter_Enqueue_Validation(t *testing.T) {
	t.Parallel()

	w := NewWriter(pgx.Identifier{"outbox_messages"})
	ctx := context.Background()

	_, err := w.Enqueue(ctx, nil, Message{Event: sampleEvent{}, RoutingKey: "k"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = w.Enqueue(ctx, &pgxstub.Tx{}, Message{RoutingKey: "k"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = w.Enqueue(ctx, &pgxstub.Tx{}, Message{Event: sampleEvent{}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewWriter(nil).Enqueue(ctx, &pgxstub.Tx{}, Message{Event: sampleEvent{}, RoutingKey: "k"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = w.Enqueue(ctx, &pgxstub.Tx{}, Message{Event: map[string]any{"f": func() {}}, RoutingKey: "k"})
	require.ErrorContains(t, err, "outbox encode payload")
}

func TestWriter_Enqueue_PropagatesInsertError(t *testing.T) {
	tx := &pgxstub.Tx{ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("relation does not exist")
	}}
	_, err := NewWriter(pgx.Identifier{"outbox_messages"}).Enqueue(context.Background(), tx, Message{Event: sampleEvent{}, RoutingKey: "k"})
	require.ErrorContains(t, err, "outbox enqueue: relation does not exist")
}

func TestCleaner_CleanOnce_DeletesOnlyProcessed(t *testing.T) {
	tx := &pgxstub.Tx{ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 2"), nil
	}}
	table := pgx.Identifier{"public", "outbox_messages"}
	c := &Cleaner{table: table, tableLabel: TableLabel(table), m: getMetrics(), opts: CleanerOptions{Retention: time.Hour, Logger: logrusNop()}}

	n, err := c.cleanOnce(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Contains(t, tx.Execs[0], "processed_at IS NOT NULL AND processed_at < $1")
	cutoff := tx.ExecArgs[0][0].(time.Time)
	require.WithinDuration(t, time.Now().Add(-time.Hour), cutoff, time.Minute)
}
