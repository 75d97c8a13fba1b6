// Package inbox records which broker messages a consumer has already handled
// so redeliveries can be recognised and skipped.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrNotFound = errors.New("inbox record not found")

// MaxErrorLength bounds the stored failure reason in characters.
const MaxErrorLength = 2048

// Key identifies a message within the inbox. (MessageID, Type) is unique.
type Key struct {
	MessageID string
	Type      string
}

type Record struct {
	ID            uuid.UUID
	MessageID     string
	CorrelationID string
	Type          string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	Status        Status
	Attempts      int
	LastError     *string
	LastFailedAt  *time.Time
}

// Store operates on the transaction carried by ctx, or the pool when there
// is none.
type Store interface {
	// HasProcessed reports whether the message reached status completed.
	HasProcessed(ctx context.Context, key Key) (bool, error)
	// StartProcessing inserts the record, or on redelivery bumps attempts,
	// resets status to processing and clears the last error.
	StartProcessing(ctx context.Context, key Key, correlationID string) error
	MarkCompleted(ctx context.Context, key Key) error
	// MarkFailed records the reason; processed_at stays NULL.
	MarkFailed(ctx context.Context, key Key, reason string) error
	Get(ctx context.Context, key Key) (Record, error)
}
