package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OrderCreatedV1Name = "orders.order_created.v1"
	OrdersExchange     = "orders.ex"
	OrderCreatedKey    = "orders.created"
)

var ErrMalformedEvent = errors.New("malformed order created event")

type OrderCreatedV1 struct {
	OrderID       uuid.UUID `json:"orderId"`
	CorrelationID string    `json:"correlationId"`
	CreatedAtUTC  time.Time `json:"createdAtUtc"`
}

func (OrderCreatedV1) EventName() string { return OrderCreatedV1Name }

// DecodeOrderCreated parses a message body. Unknown fields are ignored; a
// null body, missing order id or undecodable JSON is malformed.
func DecodeOrderCreated(body []byte) (OrderCreatedV1, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return OrderCreatedV1{}, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	var ev OrderCreatedV1
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return OrderCreatedV1{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if ev.OrderID == uuid.Nil {
		return OrderCreatedV1{}, fmt.Errorf("%w: orderId is required", ErrMalformedEvent)
	}
	ev.CorrelationID = strings.TrimSpace(ev.CorrelationID)
	return ev, nil
}
