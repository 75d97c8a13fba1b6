package order

import (
	"context"

	"github.com/google/uuid"
)

type FindParams struct {
	Status Status
	Limit  int
	Offset int
}

type Repository interface {
	Create(ctx context.Context, o Order) (Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (Order, error)
	// Update persists status, last error and updated_at.
	Update(ctx context.Context, o Order) error
	List(ctx context.Context, params *FindParams) ([]Order, error)
	Count(ctx context.Context, params *FindParams) (int64, error)
}
