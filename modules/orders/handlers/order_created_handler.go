package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/domain/events"
	"github.com/iota-uz/async-orders/modules/orders/services"
	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/inbox"
	"github.com/iota-uz/async-orders/pkg/logging"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

const orderNotFoundReason = "order not found"

// Effect is the business work done while the order is Processing.
type Effect func(ctx context.Context, o order.Order) error

// DelayEffect simulates work by waiting d.
func DelayEffect(d time.Duration) Effect {
	return func(ctx context.Context, _ order.Order) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

type Options struct {
	Effect Effect
	Logger *logrus.Entry
}

// OrderCreatedHandler drives an order from Pending to Completed for each
// OrderCreated delivery, deduplicating through the inbox and the processing
// log. Store failures are returned as transient; processing failures are
// returned as plain errors so the consumer schedules a delayed retry.
type OrderCreatedHandler struct {
	inbox  inbox.Store
	orders order.Repository
	logs   processinglog.Repository
	effect Effect
	inTx   services.TxRunner
	now    func() time.Time
	log    *logrus.Entry
	m      *metrics
}

var _ rabbitmq.Handler = (*OrderCreatedHandler)(nil)

func NewOrderCreatedHandler(store inbox.Store, orders order.Repository, logs processinglog.Repository, opts Options) *OrderCreatedHandler {
	if opts.Effect == nil {
		opts.Effect = DelayEffect(0)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &OrderCreatedHandler{
		inbox:  store,
		orders: orders,
		logs:   logs,
		effect: opts.Effect,
		inTx:   composables.InTx,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
		m:      metricsSingleton(),
	}
}

func (h *OrderCreatedHandler) Handle(ctx context.Context, d *rabbitmq.Delivery) error {
	ev, err := events.DecodeOrderCreated(d.Body)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"message_id":     d.MessageID,
			"correlation_id": d.CorrelationID,
		}).Warn("dropping malformed order created message")
		h.m.outcomes.WithLabelValues("malformed").Inc()
		return nil
	}
	if d.CorrelationID == "" {
		d.CorrelationID = ev.CorrelationID
	}
	// The processing log is keyed by the correlation id the order was
	// created with, which the body carries even when a header disagrees.
	corrID := ev.CorrelationID
	if corrID == "" {
		corrID = d.CorrelationID
	}

	key := inbox.Key{MessageID: d.Identity(), Type: events.OrderCreatedV1Name}
	log := h.log.WithFields(logrus.Fields{
		"message_id":     key.MessageID,
		"correlation_id": d.CorrelationID,
		"order_id":       ev.OrderID.String(),
		"attempt":        d.Attempt,
	})

	done, err := h.inbox.HasProcessed(ctx, key)
	if err != nil {
		return storeError(err)
	}
	if done {
		log.Info("order created message already processed")
		h.m.outcomes.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := h.inTx(ctx, func(txCtx context.Context) error {
		return h.inbox.StartProcessing(txCtx, key, d.CorrelationID)
	}); err != nil {
		return storeError(err)
	}

	var (
		current   order.Order
		skip      bool
		skipLabel string
	)
	if err := h.inTx(ctx, func(txCtx context.Context) error {
		succeeded, err := h.logs.HasSucceeded(txCtx, corrID)
		if err != nil {
			return err
		}
		if succeeded {
			skip, skipLabel = true, "already_succeeded"
			return h.inbox.MarkCompleted(txCtx, key)
		}
		current, err = h.orders.GetByID(txCtx, ev.OrderID)
		if errors.Is(err, order.ErrNotFound) {
			skip, skipLabel = true, "order_not_found"
			return h.inbox.MarkFailed(txCtx, key, orderNotFoundReason)
		}
		return err
	}); err != nil {
		return storeError(err)
	}
	if skip {
		if skipLabel == "order_not_found" {
			log.Warn("order referenced by event does not exist")
		} else {
			log.Info("order already processed for correlation id")
		}
		h.m.outcomes.WithLabelValues(skipLabel).Inc()
		return nil
	}

	startedAt := h.now()
	working, err := h.process(ctx, key, corrID, d.Attempt, current, startedAt)
	if err == nil {
		log.Info("order processed")
		h.m.outcomes.WithLabelValues("completed").Inc()
		return nil
	}

	if errors.Is(err, order.ErrIllegalTransition) {
		h.m.contractViolations.Inc()
		log.WithError(err).WithField("status", string(working.Status())).Error("order state contract violation")
	} else {
		log.WithError(err).Warn("order processing failed")
	}
	h.recordFailure(ctx, key, corrID, d.Attempt, working, startedAt, err, log)
	h.m.outcomes.WithLabelValues("failed").Inc()
	return err
}

// process runs the Pending -> Processing -> Completed transition, the effect,
// the success log entry and the inbox completion in one transaction. The
// returned order reflects the in-memory state reached, even on error.
func (h *OrderCreatedHandler) process(ctx context.Context, key inbox.Key, corrID string, attempt int, o order.Order, startedAt time.Time) (order.Order, error) {
	working := o
	err := h.inTx(ctx, func(txCtx context.Context) error {
		next, err := working.MarkProcessing(h.now())
		if err != nil {
			return err
		}
		working = next
		if err := h.orders.Update(txCtx, working); err != nil {
			return err
		}

		if err := h.effect(txCtx, working); err != nil {
			return err
		}

		next, err = working.MarkCompleted(h.now())
		if err != nil {
			return err
		}
		working = next
		if err := h.orders.Update(txCtx, working); err != nil {
			return err
		}

		entry := processinglog.Start(working.ID(), corrID, attempt, startedAt)
		if err := entry.MarkSucceeded(h.now()); err != nil {
			return err
		}
		if err := h.logs.Create(txCtx, entry); err != nil {
			return err
		}
		return h.inbox.MarkCompleted(txCtx, key)
	})
	return working, err
}

// recordFailure is best effort: it marks the order failed, appends a failed
// log entry and marks the inbox failed. Errors are logged only.
func (h *OrderCreatedHandler) recordFailure(ctx context.Context, key inbox.Key, corrID string, attempt int, working order.Order, startedAt time.Time, cause error, log *logrus.Entry) {
	reason := cause.Error()
	err := h.inTx(ctx, func(txCtx context.Context) error {
		if failed, err := working.MarkFailed(reason, h.now()); err != nil {
			log.WithError(err).Warn("order cannot be marked failed from its current status")
		} else if err := h.orders.Update(txCtx, failed); err != nil {
			return fmt.Errorf("mark order failed: %w", err)
		}

		entry := processinglog.Start(working.ID(), corrID, attempt, startedAt)
		if err := entry.MarkFailed(reason, h.now()); err != nil {
			return err
		}
		if err := h.logs.Create(txCtx, entry); err != nil {
			return fmt.Errorf("append failed processing log: %w", err)
		}
		return h.inbox.MarkFailed(txCtx, key, reason)
	})
	if err != nil {
		log.WithError(err).Error("failed to record order processing failure")
	}
}

// storeError classifies a store failure. Data exceptions (class 22) and
// integrity violations (class 23) will fail the same way on redelivery, so
// they take the delayed retry path and end in the DLQ; anything else is
// treated as transient.
func storeError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("inbox store rejected message: %w", err)
		}
	}
	return rabbitmq.Transient(err)
}
