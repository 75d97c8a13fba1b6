package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type OrderPage struct {
	Items    []order.Order
	Total    int64
	Page     int
	PageSize int
}

type OrderService struct {
	orders order.Repository
	logs   processinglog.Repository
}

func NewOrderService(orders order.Repository, logs processinglog.Repository) *OrderService {
	return &OrderService{orders: orders, logs: logs}
}

func (s *OrderService) GetByID(ctx context.Context, id uuid.UUID) (order.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// List returns one page of orders, newest first. page starts at 1 and
// pageSize is clamped to [1, MaxPageSize].
func (s *OrderService) List(ctx context.Context, status order.Status, page, pageSize int) (OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	params := &order.FindParams{Status: status, Limit: pageSize, Offset: (page - 1) * pageSize}

	items, err := s.orders.List(ctx, params)
	if err != nil {
		return OrderPage{}, err
	}
	total, err := s.orders.Count(ctx, params)
	if err != nil {
		return OrderPage{}, err
	}
	return OrderPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ProcessingLogs returns the processing attempts of the order, oldest first.
func (s *OrderService) ProcessingLogs(ctx context.Context, id uuid.UUID) ([]*processinglog.Entry, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.logs.ListByCorrelationID(ctx, o.CorrelationID())
}
