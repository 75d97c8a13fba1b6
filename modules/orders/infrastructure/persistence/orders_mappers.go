package persistence

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/infrastructure/persistence/models"
)

func toDBOrder(o order.Order) models.Order {
	return models.Order{
		ID:            o.ID(),
		CustomerID:    o.CustomerID(),
		Amount:        o.Amount().StringFixed(2),
		Status:        string(o.Status()),
		CorrelationID: o.CorrelationID(),
		CreatedAt:     o.CreatedAt(),
		UpdatedAt:     o.UpdatedAt(),
		LastError:     o.LastError(),
	}
}

func toDomainOrder(m *models.Order) (order.Order, error) {
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return order.Order{}, errors.Wrapf(err, "order %s has unreadable amount %q", m.ID, m.Amount)
	}
	status := order.Status(m.Status)
	if !status.IsValid() {
		return order.Order{}, errors.Errorf("order %s has unknown status %q", m.ID, m.Status)
	}
	return order.Hydrate(
		m.ID,
		m.CustomerID,
		amount,
		status,
		m.CorrelationID,
		m.CreatedAt,
		m.UpdatedAt,
		m.LastError,
	), nil
}

func toDBProcessingLog(e *processinglog.Entry) models.ProcessingLog {
	return models.ProcessingLog{
		ID:            e.ID,
		OrderID:       e.OrderID,
		CorrelationID: e.CorrelationID,
		Attempt:       e.Attempt,
		StartedAt:     e.StartedAt,
		EndedAt:       e.EndedAt,
		Succeeded:     e.Succeeded,
		ErrorMessage:  e.ErrorMessage,
	}
}

func toDomainProcessingLog(m *models.ProcessingLog) *processinglog.Entry {
	return &processinglog.Entry{
		ID:            m.ID,
		OrderID:       m.OrderID,
		CorrelationID: m.CorrelationID,
		Attempt:       m.Attempt,
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
		Succeeded:     m.Succeeded,
		ErrorMessage:  m.ErrorMessage,
	}
}
