package processinglog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyEnded = errors.New("processing log entry already ended")

const MaxErrorLength = 1024

// Entry is one processing attempt of an order. Entries are append-only.
type Entry struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	CorrelationID string
	Attempt       int
	StartedAt     time.Time
	EndedAt       *time.Time
	Succeeded     bool
	ErrorMessage  *string
}

func Start(orderID uuid.UUID, correlationID string, attempt int, now time.Time) *Entry {
	if attempt < 1 {
		attempt = 1
	}
	return &Entry{
		ID:            uuid.New(),
		OrderID:       orderID,
		CorrelationID: correlationID,
		Attempt:       attempt,
		StartedAt:     now.UTC(),
	}
}

func (e *Entry) MarkSucceeded(now time.Time) error {
	if e.EndedAt != nil {
		return ErrAlreadyEnded
	}
	ended := now.UTC()
	e.EndedAt = &ended
	e.Succeeded = true
	e.ErrorMessage = nil
	return nil
}

func (e *Entry) MarkFailed(reason string, now time.Time) error {
	if e.EndedAt != nil {
		return ErrAlreadyEnded
	}
	ended := now.UTC()
	e.EndedAt = &ended
	if r := []rune(reason); len(r) > MaxErrorLength {
		reason = string(r[:MaxErrorLength])
	}
	e.Succeeded = false
	e.ErrorMessage = &reason
	return nil
}

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	// HasSucceeded reports whether any entry for correlationID succeeded.
	HasSucceeded(ctx context.Context, correlationID string) (bool, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*Entry, error)
}
