package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/async-orders/pkg/composables"
)

const (
	hasProcessedQuery = `
		SELECT EXISTS (
			SELECT 1 FROM inbox_messages
			WHERE message_id = $1 AND type = $2 AND status = 'completed'
		)`

	startProcessingQuery = `
		INSERT INTO inbox_messages AS i (message_id, correlation_id, type, received_at, status, attempts)
		VALUES ($1, $2, $3, $4, 'processing', 1)
		ON CONFLICT (message_id, type) DO UPDATE
		SET attempts = i.attempts + 1,
		    status = 'processing',
		    last_error = NULL`

	markCompletedQuery = `
		UPDATE inbox_messages
		SET status = 'completed', processed_at = $3, last_error = NULL
		WHERE message_id = $1 AND type = $2`

	markFailedQuery = `
		UPDATE inbox_messages
		SET status = 'failed', last_error = $3, last_failed_at = $4
		WHERE message_id = $1 AND type = $2`

	selectRecordQuery = `
		SELECT id, message_id, correlation_id, type, received_at, processed_at, status, attempts, last_error, last_failed_at
		FROM inbox_messages
		WHERE message_id = $1 AND type = $2`
)

type PostgresStore struct {
	now func() time.Time
}

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{now: func() time.Time { return time.Now().UTC() }}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) HasProcessed(ctx context.Context, key Key) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, hasProcessedQuery, key.MessageID, key.Type).Scan(&exists); err != nil {
		return false, fmt.Errorf("inbox has processed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) StartProcessing(ctx context.Context, key Key, correlationID string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, startProcessingQuery, key.MessageID, correlationID, key.Type, s.now()); err != nil {
		return fmt.Errorf("inbox start processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, key Key) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, markCompletedQuery, key.MessageID, key.Type, s.now())
	if err != nil {
		return fmt.Errorf("inbox mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key Key, reason string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if r := []rune(reason); len(r) > MaxErrorLength {
		reason = string(r[:MaxErrorLength])
	}
	tag, err := tx.Exec(ctx, markFailedQuery, key.MessageID, key.Type, reason, s.now())
	if err != nil {
		return fmt.Errorf("inbox mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return Record{}, err
	}
	var (
		rec    Record
		status string
	)
	err = tx.QueryRow(ctx, selectRecordQuery, key.MessageID, key.Type).Scan(
		&rec.ID,
		&rec.MessageID,
		&rec.CorrelationID,
		&rec.Type,
		&rec.ReceivedAt,
		&rec.ProcessedAt,
		&status,
		&rec.Attempts,
		&rec.LastError,
		&rec.LastFailedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("inbox get: %w", err)
	}
	rec.Status = Status(status)
	return rec, nil
}
