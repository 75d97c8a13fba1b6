package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/async-orders/internal/pgxstub"
	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/domain/events"
	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/headers"
	"github.com/iota-uz/async-orders/pkg/outbox"
	"github.com/iota-uz/async-orders/pkg/repo"
)

type memOrders struct {
	created   []order.Order
	createErr error
	byID      map[uuid.UUID]order.Order
	params    []*order.FindParams
}

func (m *memOrders) Create(ctx context.Context, o order.Order) (order.Order, error) {
	if m.createErr != nil {
		return order.Order{}, m.createErr
	}
	m.created = append(m.created, o)
	return o, nil
}

func (m *memOrders) GetByID(ctx context.Context, id uuid.UUID) (order.Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) Update(ctx context.Context, o order.Order) error { return nil }

func (m *memOrders) List(ctx context.Context, params *order.FindParams) ([]order.Order, error) {
	m.params = append(m.params, params)
	return m.created, nil
}

func (m *memOrders) Count(ctx context.Context, params *order.FindParams) (int64, error) {
	return int64(len(m.created)), nil
}

type recordingWriter struct {
	err  error
	msgs []outbox.Message
	txs  []repo.Tx
}

func (w *recordingWriter) Enqueue(ctx context.Context, tx repo.Tx, msg outbox.Message) (outbox.Record, error) {
	w.txs = append(w.txs, tx)
	w.msgs = append(w.msgs, msg)
	return outbox.Record{ID: uuid.New()}, w.err
}

type memLogs struct {
	byCorrelation map[string][]*processinglog.Entry
}

func (m *memLogs) Create(ctx context.Context, e *processinglog.Entry) error { return nil }
func (m *memLogs) HasSucceeded(ctx context.Context, correlationID string) (bool, error) {
	return false, nil
}
func (m *memLogs) ListByCorrelationID(ctx context.Context, correlationID string) ([]*processinglog.Entry, error) {
	return m.byCorrelation[correlationID], nil
}

func stubRunner(tx *pgxstub.Tx) TxRunner {
	return func(ctx context.Context, fn func(context.Context) error) error {
		if err := fn(composables.WithTx(ctx, tx)); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}
}

func newCreateService(orders *memOrders, w *recordingWriter, tx *pgxstub.Tx) *CreateOrderService {
	s := NewCreateOrderService(orders, w, nil)
	s.inTx = stubRunner(tx)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateOrderService_WritesOrderAndEventTogether(t *testing.T) {
	orders := &memOrders{}
	w := &recordingWriter{}
	tx := &pgxstub.Tx{}
	svc := newCreateService(orders, w, tx)

	res, err := svc.Create(context.Background(), &order.CreateDTO{CustomerID: "cust-1", Amount: decimal.RequireFromString("25.00")})
	require.NoError(t, err)
	require.True(t, tx.Committed)

	require.Len(t, orders.created, 1)
	created := orders.created[0]
	require.Equal(t, res.OrderID, created.ID())
	require.Equal(t, order.StatusPending, created.Status())
	require.Len(t, res.CorrelationID, 32)
	require.NotContains(t, res.CorrelationID, "-")

	require.Len(t, w.msgs, 1)
	require.Same(t, tx, w.txs[0])
	msg := w.msgs[0]
	require.Equal(t, events.OrderCreatedKey, msg.RoutingKey)
	ev := msg.Event.(events.OrderCreatedV1)
	require.Equal(t, res.OrderID, ev.OrderID)
	require.Equal(t, res.CorrelationID, ev.CorrelationID)
	require.Equal(t, headers.String(res.CorrelationID), msg.Headers[headers.CorrelationID])
	require.Equal(t, headers.Int(1), msg.Headers[headers.Attempt])
}

func TestCreateOrderService_OutboxFailureRollsBack(t *testing.T) {
	tx := &pgxstub.Tx{}
	svc := newCreateService(&memOrders{}, &recordingWriter{err: errors.New("outbox table missing")}, tx)

	_, err := svc.Create(context.Background(), &order.CreateDTO{CustomerID: "c", Amount: decimal.NewFromInt(1)})
	require.ErrorContains(t, err, "outbox table missing")
	require.False(t, tx.Committed)
	require.True(t, tx.RolledBack)
}

func TestCreateOrderService_RejectsInvalidInput(t *testing.T) {
	w := &recordingWriter{}
	tx := &pgxstub.Tx{}
	svc := newCreateService(&memOrders{}, w, tx)

	_, err := svc.Create(context.Background(), &order.CreateDTO{CustomerID: "", Amount: decimal.Zero})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "CustomerID")
	require.Contains(t, verr.Fields, "Amount")
	require.Empty(t, w.msgs)
	require.False(t, tx.Committed)

	_, err = svc.Create(context.Background(), nil)
	require.Error(t, err)
}

func TestOrderService_ListClampsPaging(t *testing.T) {
	orders := &memOrders{}
	svc := NewOrderService(orders, &memLogs{})

	page, err := svc.List(context.Background(), "", 0, 500)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, MaxPageSize, page.PageSize)
	require.Equal(t, &order.FindParams{Limit: 100, Offset: 0}, orders.params[0])

	page, err = svc.List(context.Background(), order.StatusFailed, 3, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, page.PageSize)
	require.Equal(t, &order.FindParams{Status: order.StatusFailed, Limit: 20, Offset: 40}, orders.params[1])
}

func TestOrderService_ProcessingLogs(t *testing.T) {
	o, err := order.New("c", decimal.NewFromInt(5), "corr-9", time.Now())
	require.NoError(t, err)
	entry := processinglog.Start(o.ID(), "corr-9", 1, time.Now())
	svc := NewOrderService(
		&memOrders{byID: map[uuid.UUID]order.Order{o.ID(): o}},
		&memLogs{byCorrelation: map[string][]*processinglog.Entry{"corr-9": {entry}}},
	)

	logs, err := svc.ProcessingLogs(context.Background(), o.ID())
	require.NoError(t, err)
	require.Equal(t, []*processinglog.Entry{entry}, logs)

	_, err = svc.ProcessingLogs(context.Background(), uuid.New())
	require.ErrorIs(t, err, order.ErrNotFound)
}
