package mappers

import (
	"time"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/presentation/viewmodels"
	"github.com/iota-uz/async-orders/modules/orders/services"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func OrderToViewModel(o order.Order) viewmodels.Order {
	return viewmodels.Order{
		ID:            o.ID().String(),
		CustomerID:    o.CustomerID(),
		Amount:        o.Amount().StringFixed(2),
		Status:        string(o.Status()),
		CorrelationID: o.CorrelationID(),
		CreatedAt:     formatTime(o.CreatedAt()),
		UpdatedAt:     formatTime(o.UpdatedAt()),
		LastError:     o.LastError(),
	}
}

func OrderPageToViewModel(p services.OrderPage) viewmodels.OrderPage {
	items := make([]viewmodels.Order, 0, len(p.Items))
	for _, o := range p.Items {
		items = append(items, OrderToViewModel(o))
	}
	return viewmodels.OrderPage{
		Items:    items,
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}
}

func ProcessingLogToViewModel(e *processinglog.Entry) viewmodels.ProcessingLog {
	vm := viewmodels.ProcessingLog{
		ID:            e.ID.String(),
		OrderID:       e.OrderID.String(),
		CorrelationID: e.CorrelationID,
		Attempt:       e.Attempt,
		StartedAt:     formatTime(e.StartedAt),
		Succeeded:     e.Succeeded,
		ErrorMessage:  e.ErrorMessage,
	}
	if e.EndedAt != nil {
		ended := formatTime(*e.EndedAt)
		vm.EndedAt = &ended
	}
	return vm
}
