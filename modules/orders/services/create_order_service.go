package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/events"
	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/headers"
	"github.com/iota-uz/async-orders/pkg/outbox"
)

type CreatedOrder struct {
	OrderID       uuid.UUID `json:"orderId"`
	CorrelationID string    `json:"correlationId"`
}

// CreateOrderService writes the order and its OrderCreated event in one
// transaction; the relay publishes the event after commit.
type CreateOrderService struct {
	orders order.Repository
	outbox outbox.Writer
	inTx   TxRunner
	now    func() time.Time
	log    *logrus.Entry
}

func NewCreateOrderService(orders order.Repository, writer outbox.Writer, log *logrus.Entry) *CreateOrderService {
	return &CreateOrderService{
		orders: orders,
		outbox: writer,
		inTx:   composables.InTx,
		now:    time.Now,
		log:    log,
	}
}

func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *CreateOrderService) Create(ctx context.Context, dto *order.CreateDTO) (CreatedOrder, error) {
	if dto == nil {
		return CreatedOrder{}, errors.New("missing dto")
	}
	if errs, ok := dto.Ok(); !ok {
		return CreatedOrder{}, &ValidationError{Fields: errs}
	}

	now := s.now().UTC()
	o, err := order.New(dto.CustomerID, dto.Amount, newCorrelationID(), now)
	if err != nil {
		return CreatedOrder{}, err
	}

	err = s.inTx(ctx, func(txCtx context.Context) error {
		created, err := s.orders.Create(txCtx, o)
		if err != nil {
			return err
		}
		tx, err := composables.UseTx(txCtx)
		if err != nil {
			return err
		}
		_, err = s.outbox.Enqueue(txCtx, tx, outbox.Message{
			Event: events.OrderCreatedV1{
				OrderID:       created.ID(),
				CorrelationID: created.CorrelationID(),
				CreatedAtUTC:  created.CreatedAt(),
			},
			RoutingKey: events.OrderCreatedKey,
			Headers: headers.Map{
				headers.CorrelationID: headers.String(created.CorrelationID()),
				headers.Attempt:       headers.Int(1),
			},
			OccurredAt: now,
		})
		if err != nil {
			return fmt.Errorf("stage order created event: %w", err)
		}
		return nil
	})
	if err != nil {
		return CreatedOrder{}, err
	}

	if s.log != nil {
		s.log.WithFields(logrus.Fields{
			"order_id":       o.ID().String(),
			"correlation_id": o.CorrelationID(),
		}).Info("order created")
	}
	return CreatedOrder{OrderID: o.ID(), CorrelationID: o.CorrelationID()}, nil
}

// ValidationError carries field -> message pairs for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+" "+e.Fields[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
