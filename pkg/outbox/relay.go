package outbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iota-uz/async-orders/pkg/headers"
)

var tracer = otel.Tracer("async-orders/outbox")

// Relay polls the outbox table and hands unprocessed records to a Dispatcher.
// Every record in a batch is dispatched independently; the resulting state
// changes are committed together with the row locks taken by the select.
type Relay struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	dispatcher Dispatcher
	opts       RelayOptions

	lockKey int64

	m          *metrics
	tableLabel string
}

// db is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewRelay(pool *pgxpool.Pool, table pgx.Identifier, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}

	opts.setDefaults()

	r := &Relay{
		pool:       pool,
		table:      table,
		dispatcher: dispatcher,
		opts:       opts,
		m:          getMetrics(),
		tableLabel: TableLabel(table),
		lockKey:    advisoryLockKey("outbox:" + TableLabel(table)),
	}
	if r.opts.Logger == nil {
		r.opts.Logger = logrusNop()
	}
	return r, nil
}

func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	if err := r.prepare(ctx); err != nil {
		return err
	}

	if r.opts.SingleActive {
		return r.runSingleActive(ctx)
	}

	r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
	return r.runLoop(ctx, r.pool)
}

// prepare blocks until the dispatcher reports ready or ctx ends.
func (r *Relay) prepare(ctx context.Context) error {
	p, ok := r.dispatcher.(Preparer)
	if !ok {
		return nil
	}
	for {
		err := p.Prepare(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.opts.Logger.WithError(err).Warn("outbox: dispatcher prepare failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

func (r *Relay) runSingleActive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			r.opts.Logger.WithError(err).Warn("outbox: failed to acquire connection for single-active relay")
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		leader, err := r.tryAcquireLeader(ctx, conn)
		if err != nil {
			conn.Release()
			r.opts.Logger.WithError(err).Warn("outbox: failed to attempt advisory lock")
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		if !leader {
			r.m.relayLeader.WithLabelValues(r.tableLabel).Set(0)
			conn.Release()
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
		r.opts.Logger.WithField("table", r.tableLabel).Info("outbox: relay became leader")

		err = r.runLoop(ctx, conn)
		_ = r.releaseLeader(context.Background(), conn)
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(0)
		conn.Release()
		return err
	}
}

func (r *Relay) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.opts.PollInterval):
		return nil
	}
}

func (r *Relay) runLoop(ctx context.Context, conn db) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	nextDepthAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(nextDepthAt) {
			if err := r.observeQueueDepth(ctx, conn); err != nil {
				r.opts.Logger.WithError(err).Debug("outbox: observe queue depth failed")
			}
			nextDepthAt = time.Now().Add(r.opts.ObserveQueueDepthEvery)
		}

		if _, err := r.processOnce(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: process tick failed")
		}
	}
}

// CycleResult summarises one poll cycle.
type CycleResult struct {
	Selected   int
	Dispatched int
	Failed     int
}

// ProcessOnce runs a single poll cycle against the pool.
func (r *Relay) ProcessOnce(ctx context.Context) (CycleResult, error) {
	return r.processOnce(ctx, r.pool)
}

// processOnce runs one cycle to completion even when ctx is cancelled part
// way through: publishes already in flight get their confirms and the
// resulting row updates are committed. Cancellation is observed between
// cycles by runLoop. DispatchTimeout bounds each publish.
func (r *Relay) processOnce(ctx context.Context, conn db) (CycleResult, error) {
	var res CycleResult
	ctx = context.WithoutCancel(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("outbox begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := r.selectPending(ctx, tx)
	if err != nil {
		return res, err
	}
	res.Selected = len(records)
	if len(records) == 0 {
		return res, tx.Commit(ctx)
	}

	tableName := r.table.Sanitize()
	succeeded := fmt.Sprintf(
		`UPDATE %s
		    SET processed_at = now(),
		        last_error = NULL
		  WHERE id = $1 AND processed_at IS NULL`,
		tableName,
	)
	failed := fmt.Sprintf(
		`UPDATE %s
		    SET attempts = attempts + 1,
		        last_error = $2
		  WHERE id = $1 AND processed_at IS NULL`,
		tableName,
	)

	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := r.dispatch(ctx, rec); err != nil {
			res.Failed++
			r.opts.Logger.WithError(err).WithFields(logFields(rec, r.tableLabel)).Warn("outbox: dispatch failed")
			batch.Queue(failed, rec.ID, truncateError(err, r.opts.LastErrorMaxLen))
			continue
		}
		res.Dispatched++
		batch.Queue(succeeded, rec.ID)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return res, fmt.Errorf("outbox update: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return res, fmt.Errorf("outbox update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("outbox commit: %w", err)
	}
	return res, nil
}

func (r *Relay) selectPending(ctx context.Context, tx pgx.Tx) ([]Record, error) {
	q := fmt.Sprintf(
		`SELECT id, type, payload, routing_key, headers, occurred_at, attempts
		   FROM %s
		  WHERE processed_at IS NULL
		  ORDER BY occurred_at
		  LIMIT $1
		  FOR UPDATE SKIP LOCKED`,
		r.table.Sanitize(),
	)
	rows, err := tx.Query(ctx, q, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox select: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var (
			rec        Record
			payload    []byte
			rawHeaders []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &payload, &rec.RoutingKey, &rawHeaders, &rec.OccurredAt, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		rec.Payload = payload
		hdrs, err := headers.Decode(rawHeaders)
		if err != nil {
			r.opts.Logger.WithError(err).WithField("id", rec.ID.String()).Warn("outbox: unreadable headers, dispatching without them")
			hdrs = headers.Map{}
		}
		rec.Headers = hdrs
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return items, nil
}

func (r *Relay) dispatch(ctx context.Context, rec Record) error {
	dispatchCtx := ctx
	var cancel context.CancelFunc
	if r.opts.DispatchTimeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, r.opts.DispatchTimeout)
		defer cancel()
	}

	dispatchCtx, span := tracer.Start(dispatchCtx, "outbox.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.table", r.tableLabel),
			attribute.String("outbox.id", rec.ID.String()),
			attribute.String("outbox.type", rec.Type),
			attribute.String("messaging.destination", rec.RoutingKey),
		),
	)
	defer span.End()

	start := time.Now()
	err := r.dispatcher.Dispatch(dispatchCtx, DispatchedMessage{Table: r.table, Record: rec})
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.recordDispatch(rec.Type, "failure", latency)
		return err
	}
	r.recordDispatch(rec.Type, "success", latency)
	return nil
}

func (r *Relay) observeQueueDepth(ctx context.Context, conn db) error {
	tableName := r.table.Sanitize()
	q := fmt.Sprintf(
		`SELECT count(*),
		        count(*) FILTER (WHERE attempts > 0),
		        COALESCE(EXTRACT(EPOCH FROM now() - min(occurred_at)), 0)::float8
		   FROM %s
		  WHERE processed_at IS NULL`,
		tableName,
	)

	var pending, failing int64
	var oldestAge float64
	if err := conn.QueryRow(ctx, q).Scan(&pending, &failing, &oldestAge); err != nil {
		return fmt.Errorf("outbox pending count: %w", err)
	}

	r.m.pending.WithLabelValues(r.tableLabel).Set(float64(pending))
	r.m.failing.WithLabelValues(r.tableLabel).Set(float64(failing))
	r.m.oldestPendingAge.WithLabelValues(r.tableLabel).Set(oldestAge)
	return nil
}

func (r *Relay) recordDispatch(typ, result string, latency time.Duration) {
	r.m.dispatchTotal.WithLabelValues(r.tableLabel, typ, result).Inc()
	r.m.dispatchLatency.WithLabelValues(r.tableLabel, typ, result).Observe(latency.Seconds())
}

func (r *Relay) tryAcquireLeader(ctx context.Context, conn *pgxpool.Conn) (bool, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, r.lockKey).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Relay) releaseLeader(ctx context.Context, conn *pgxpool.Conn) error {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, r.lockKey).Scan(&ok); err != nil {
		return err
	}
	return nil
}

func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func logFields(rec Record, table string) logrus.Fields {
	return logrus.Fields{
		"table":       table,
		"id":          rec.ID.String(),
		"type":        rec.Type,
		"routing_key": rec.RoutingKey,
		"attempts":    rec.Attempts,
	}
}
