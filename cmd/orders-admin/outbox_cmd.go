package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/iota-uz/async-orders/internal/bootstrap"
)

type outboxStats struct {
	Table     string `json:"table"`
	Pending   int64  `json:"pending"`
	Processed int64  `json:"processed"`
	// Failing counts pending rows that have failed at least once.
	Failing          int64    `json:"failing"`
	OldestPendingAge *float64 `json:"oldestPendingAgeSeconds,omitempty"`
}

type statsRow struct {
	Pending   int64           `db:"pending"`
	Processed int64           `db:"processed"`
	Failing   int64           `db:"failing"`
	Oldest    sql.NullFloat64 `db:"oldest"`
}

type failingRecord struct {
	ID         string    `json:"id" db:"id"`
	Type       string    `json:"type" db:"type"`
	RoutingKey string    `json:"routingKey" db:"routing_key"`
	Attempts   int       `json:"attempts" db:"attempts"`
	LastError  string    `json:"lastError" db:"last_error"`
	OccurredAt time.Time `json:"occurredAt" db:"occurred_at"`
}

func newOutboxCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the transactional outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending, processed and failing record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutboxDB(root, func(db *sqlx.DB, table pgx.Identifier) error {
				stats, err := queryOutboxStats(cmd.Context(), db, table)
				if err != nil {
					return withCode(exitDB, err)
				}
				return writeJSONLine(cmd.OutOrStdout(), stats)
			})
		},
	})

	var limit int
	failing := &cobra.Command{
		Use:   "failing",
		Short: "List pending records that have failed to publish, most attempts first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 || limit > 1000 {
				return withCode(exitUsage, fmt.Errorf("--limit must be between 1 and 1000, got %d", limit))
			}
			return withOutboxDB(root, func(db *sqlx.DB, table pgx.Identifier) error {
				records, err := queryFailing(cmd.Context(), db, table, limit)
				if err != nil {
					return withCode(exitDB, err)
				}
				for _, rec := range records {
					if err := writeJSONLine(cmd.OutOrStdout(), rec); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	failing.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.AddCommand(failing)
	return cmd
}

func withOutboxDB(root *rootOptions, fn func(db *sqlx.DB, table pgx.Identifier) error) error {
	conf, err := root.load()
	if err != nil {
		return err
	}
	defer conf.Unload()

	table, err := bootstrap.OutboxTable(conf)
	if err != nil {
		return withCode(exitConfig, err)
	}
	db, err := openDB(conf.Database.Opts)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer db.Close()
	return fn(sqlx.NewDb(db, "pgx"), table)
}

func queryOutboxStats(ctx context.Context, db *sqlx.DB, table pgx.Identifier) (outboxStats, error) {
	query := fmt.Sprintf(`
SELECT
  count(*) FILTER (WHERE processed_at IS NULL) AS pending,
  count(*) FILTER (WHERE processed_at IS NOT NULL) AS processed,
  count(*) FILTER (WHERE processed_at IS NULL AND attempts > 0) AS failing,
  EXTRACT(EPOCH FROM now() - min(occurred_at) FILTER (WHERE processed_at IS NULL))::float8 AS oldest
FROM %s`, table.Sanitize())

	var row statsRow
	if err := db.GetContext(ctx, &row, query); err != nil {
		return outboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	stats := outboxStats{
		Table:     table.Sanitize(),
		Pending:   row.Pending,
		Processed: row.Processed,
		Failing:   row.Failing,
	}
	if row.Oldest.Valid {
		stats.OldestPendingAge = &row.Oldest.Float64
	}
	return stats, nil
}

func queryFailing(ctx context.Context, db *sqlx.DB, table pgx.Identifier, limit int) ([]failingRecord, error) {
	query := fmt.Sprintf(`
SELECT id::text AS id, type, routing_key, attempts, COALESCE(last_error, '') AS last_error, occurred_at
FROM %s
WHERE processed_at IS NULL AND attempts > 0
ORDER BY attempts DESC, occurred_at
LIMIT $1`, table.Sanitize())

	out := []failingRecord{}
	if err := db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("outbox failing: %w", err)
	}
	return out, nil
}
