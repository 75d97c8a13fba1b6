package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/async-orders/pkg/headers"
)

// Message is what callers stage inside their business transaction.
type Message struct {
	// Type overrides the name derived from Event.
	Type       string
	Event      any
	RoutingKey string
	Headers    headers.Map
	OccurredAt time.Time
}

// Record is a row of the outbox table.
type Record struct {
	ID          uuid.UUID
	Type        string
	Payload     json.RawMessage
	RoutingKey  string
	Headers     headers.Map
	OccurredAt  time.Time
	ProcessedAt *time.Time
	Attempts    int
	LastError   *string
}

// Named events report their own type name.
type Named interface {
	EventName() string
}

// DispatchedMessage is the unit delivered by Relay to Dispatcher.
type DispatchedMessage struct {
	Table  pgx.Identifier
	Record Record
}
