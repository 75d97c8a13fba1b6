package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/async-orders/pkg/headers"
	"github.com/iota-uz/async-orders/pkg/repo"
)

// Writer stages events in the outbox table using the caller's transaction.
// It never commits and never talks to the broker.
type Writer interface {
	Enqueue(ctx context.Context, tx repo.Tx, msg Message) (Record, error)
}

type writer struct {
	table pgx.Identifier
	m     *metrics
	now   func() time.Time
}

func NewWriter(table pgx.Identifier) Writer {
	return &writer{table: table, m: getMetrics(), now: time.Now}
}

func (w *writer) Enqueue(ctx context.Context, tx repo.Tx, msg Message) (Record, error) {
	if tx == nil {
		return Record{}, invalidConfig("tx is required")
	}
	if len(w.table) == 0 {
		return Record{}, invalidConfig("table is required")
	}
	if msg.Event == nil {
		return Record{}, invalidConfig("event is required")
	}
	if msg.RoutingKey == "" {
		return Record{}, invalidConfig("routing key is required")
	}

	payload, err := encodePayload(msg.Event)
	if err != nil {
		return Record{}, err
	}

	typ := msg.Type
	if typ == "" {
		typ = TypeName(msg.Event)
	}

	hdrs := msg.Headers.Clone()
	rawHeaders, err := headers.Encode(hdrs)
	if err != nil {
		return Record{}, fmt.Errorf("outbox encode headers: %w", err)
	}

	occurredAt := msg.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = w.now()
	}
	occurredAt = occurredAt.UTC()

	rec := Record{
		ID:         uuid.New(),
		Type:       typ,
		Payload:    payload,
		RoutingKey: msg.RoutingKey,
		Headers:    hdrs,
		OccurredAt: occurredAt,
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (id, type, payload, routing_key, headers, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.table.Sanitize(),
	)
	if _, err := tx.Exec(ctx, q, rec.ID, rec.Type, []byte(rec.Payload), rec.RoutingKey, rawHeaders, rec.OccurredAt); err != nil {
		return Record{}, fmt.Errorf("outbox enqueue: %w", err)
	}

	w.m.enqueueTotal.WithLabelValues(TableLabel(w.table), rec.Type).Inc()
	return rec, nil
}

func encodePayload(event any) (json.RawMessage, error) {
	switch v := event.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, invalidConfig("event payload is not valid json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, invalidConfig("event payload is not valid json")
		}
		return json.RawMessage(v), nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("outbox encode payload: %w", err)
	}
	return data, nil
}
