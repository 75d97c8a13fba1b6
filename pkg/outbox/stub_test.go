package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/async-orders/internal/pgxstub"
)

// stubDB hands out tx from Begin; transaction doubles come from pgxstub.
type stubDB struct {
	mu        sync.Mutex
	tx        pgx.Tx
	beginErr  error
	begins    int
	queryRowF func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (d *stubDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begins++
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

func (d *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if d.queryRowF == nil {
		return pgxstub.ErrRow(errors.New("query row not implemented"))
	}
	return d.queryRowF(ctx, sql, args...)
}

func (d *stubDB) beginCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begins
}
