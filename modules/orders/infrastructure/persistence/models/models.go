package models

import (
	"time"

	"github.com/google/uuid"
)

type Order struct {
	ID            uuid.UUID
	CustomerID    string
	Amount        string
	Status        string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     *string
}

type ProcessingLog struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	CorrelationID string
	Attempt       int
	StartedAt     time.Time
	EndedAt       *time.Time
	Succeeded     bool
	ErrorMessage  *string
}
