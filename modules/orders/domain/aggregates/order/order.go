package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

const (
	MaxCustomerIDLength = 64
	// MaxErrorLength bounds LastError in characters.
	MaxErrorLength = 1024
)

var (
	MaxAmount = decimal.NewFromInt(1_000_000)

	ErrNotFound          = errors.New("order not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrIllegalTransition = errors.New("illegal order status transition")
)

type Order struct {
	id            uuid.UUID
	customerID    string
	amount        decimal.Decimal
	status        Status
	correlationID string
	createdAt     time.Time
	updatedAt     time.Time
	lastError     *string
}

// New creates a pending order. Amount is rounded to cents.
func New(customerID string, amount decimal.Decimal, correlationID string, now time.Time) (Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if len(customerID) > MaxCustomerIDLength {
		return Order{}, fmt.Errorf("%w: customer id exceeds %d characters", ErrInvalidOrder, MaxCustomerIDLength)
	}
	if !amount.IsPositive() || amount.GreaterThan(MaxAmount) {
		return Order{}, fmt.Errorf("%w: amount must be greater than 0 and at most %s", ErrInvalidOrder, MaxAmount)
	}
	if strings.TrimSpace(correlationID) == "" {
		return Order{}, fmt.Errorf("%w: correlation id is required", ErrInvalidOrder)
	}
	now = now.UTC()
	return Order{
		id:            uuid.New(),
		customerID:    customerID,
		amount:        amount.Round(2),
		status:        StatusPending,
		correlationID: correlationID,
		createdAt:     now,
		updatedAt:     now,
	}, nil
}

func Hydrate(
	id uuid.UUID,
	customerID string,
	amount decimal.Decimal,
	status Status,
	correlationID string,
	createdAt time.Time,
	updatedAt time.Time,
	lastError *string,
) Order {
	return Order{
		id:            id,
		customerID:    customerID,
		amount:        amount,
		status:        status,
		correlationID: correlationID,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
		lastError:     lastError,
	}
}

func (o Order) ID() uuid.UUID           { return o.id }
func (o Order) CustomerID() string      { return o.customerID }
func (o Order) Amount() decimal.Decimal { return o.amount }
func (o Order) Status() Status          { return o.status }
func (o Order) CorrelationID() string   { return o.correlationID }
func (o Order) CreatedAt() time.Time    { return o.createdAt }
func (o Order) UpdatedAt() time.Time    { return o.updatedAt }
func (o Order) LastError() *string      { return o.lastError }
func (o Order) IsZero() bool            { return o.id == uuid.Nil }

// MarkProcessing moves Pending to Processing.
func (o Order) MarkProcessing(now time.Time) (Order, error) {
	if o.status != StatusPending {
		return o, illegal(o.status, StatusProcessing)
	}
	o.status = StatusProcessing
	o.updatedAt = now.UTC()
	return o, nil
}

// MarkCompleted moves Processing to Completed and clears the last error.
func (o Order) MarkCompleted(now time.Time) (Order, error) {
	if o.status != StatusProcessing {
		return o, illegal(o.status, StatusCompleted)
	}
	o.status = StatusCompleted
	o.lastError = nil
	o.updatedAt = now.UTC()
	return o, nil
}

// MarkFailed moves Processing to Failed and records reason.
func (o Order) MarkFailed(reason string, now time.Time) (Order, error) {
	if o.status != StatusProcessing {
		return o, illegal(o.status, StatusFailed)
	}
	reason = truncate(reason, MaxErrorLength)
	o.status = StatusFailed
	o.lastError = &reason
	o.updatedAt = now.UTC()
	return o, nil
}

func illegal(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
