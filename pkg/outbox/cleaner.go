package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cleaner removes processed records older than the retention window.
// Unprocessed records are never touched.
type Cleaner struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	opts       CleanerOptions
	tableLabel string
	m          *metrics
}

func NewCleaner(pool *pgxpool.Pool, table pgx.Identifier, opts CleanerOptions) (*Cleaner, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	opts.setDefaults()
	if opts.Logger == nil {
		opts.Logger = logrusNop()
	}
	return &Cleaner{
		pool:       pool,
		table:      table,
		opts:       opts,
		tableLabel: TableLabel(table),
		m:          getMetrics(),
	}, nil
}

func (c *Cleaner) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if !c.opts.Enabled {
		return nil
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := c.cleanOnce(ctx, c.pool); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.opts.Logger.WithError(err).WithField("table", c.tableLabel).Warn("outbox: cleaner tick failed")
		}
	}
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (c *Cleaner) cleanOnce(ctx context.Context, db execer) (int64, error) {
	cutoff := time.Now().Add(-c.opts.Retention)

	q := fmt.Sprintf(`DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < $1`, c.table.Sanitize())
	tag, err := db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox cleaner delete processed: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		c.m.cleanedTotal.WithLabelValues(c.tableLabel).Add(float64(n))
		c.opts.Logger.WithField("table", c.tableLabel).WithField("deleted", n).Debug("outbox: cleaner removed processed records")
	}
	return n, nil
}
