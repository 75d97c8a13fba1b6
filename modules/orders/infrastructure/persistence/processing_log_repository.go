package persistence

import (
	"context"

	"github.com/pkg/errors"

	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/infrastructure/persistence/models"
	"github.com/iota-uz/async-orders/pkg/composables"
)

const (
	insertProcessingLogQuery = `
		INSERT INTO order_processing_logs (id, order_id, correlation_id, attempt, started_at, ended_at, succeeded, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	hasSucceededQuery = `
		SELECT EXISTS (
			SELECT 1 FROM order_processing_logs
			WHERE correlation_id = $1 AND succeeded
		)`

	listProcessingLogsQuery = `
		SELECT id, order_id, correlation_id, attempt, started_at, ended_at, succeeded, error_message
		FROM order_processing_logs
		WHERE correlation_id = $1
		ORDER BY started_at, attempt`
)

type ProcessingLogRepository struct{}

func NewProcessingLogRepository() processinglog.Repository {
	return &ProcessingLogRepository{}
}

func (r *ProcessingLogRepository) Create(ctx context.Context, e *processinglog.Entry) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	row := toDBProcessingLog(e)
	if _, err := tx.Exec(
		ctx,
		insertProcessingLogQuery,
		row.ID,
		row.OrderID,
		row.CorrelationID,
		row.Attempt,
		row.StartedAt,
		row.EndedAt,
		row.Succeeded,
		row.ErrorMessage,
	); err != nil {
		return errors.Wrap(err, "failed to insert processing log")
	}
	return nil
}

func (r *ProcessingLogRepository) HasSucceeded(ctx context.Context, correlationID string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := tx.QueryRow(ctx, hasSucceededQuery, correlationID).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "failed to check processing log")
	}
	return ok, nil
}

func (r *ProcessingLogRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*processinglog.Entry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listProcessingLogsQuery, correlationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processing logs")
	}
	defer rows.Close()

	var out []*processinglog.Entry
	for rows.Next() {
		var row models.ProcessingLog
		if err := rows.Scan(
			&row.ID,
			&row.OrderID,
			&row.CorrelationID,
			&row.Attempt,
			&row.StartedAt,
			&row.EndedAt,
			&row.Succeeded,
			&row.ErrorMessage,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan processing log")
		}
		out = append(out, toDomainProcessingLog(&row))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate processing logs")
	}
	return out, nil
}
