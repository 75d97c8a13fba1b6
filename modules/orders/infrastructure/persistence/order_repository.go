package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/infrastructure/persistence/models"
	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/repo"
)

const (
	orderColumns = `id, customer_id, amount::text, status, correlation_id, created_at, updated_at, last_error`

	insertOrderQuery = `
		INSERT INTO orders (id, customer_id, amount, status, correlation_id, created_at, updated_at, last_error)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)`

	updateOrderQuery = `
		UPDATE orders
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1`
)

type OrderRepository struct{}

func NewOrderRepository() order.Repository {
	return &OrderRepository{}
}

func (r *OrderRepository) Create(ctx context.Context, o order.Order) (order.Order, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return order.Order{}, err
	}
	row := toDBOrder(o)
	if _, err := tx.Exec(
		ctx,
		insertOrderQuery,
		row.ID,
		row.CustomerID,
		row.Amount,
		row.Status,
		row.CorrelationID,
		row.CreatedAt,
		row.UpdatedAt,
		row.LastError,
	); err != nil {
		return order.Order{}, errors.Wrap(err, "failed to insert order")
	}
	return o, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (order.Order, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return order.Order{}, err
	}
	var row models.Order
	err = tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(
		&row.ID,
		&row.CustomerID,
		&row.Amount,
		&row.Status,
		&row.CorrelationID,
		&row.CreatedAt,
		&row.UpdatedAt,
		&row.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, errors.Wrapf(err, "failed to load order %s", id)
	}
	return toDomainOrder(&row)
}

func (r *OrderRepository) Update(ctx context.Context, o order.Order) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	row := toDBOrder(o)
	tag, err := tx.Exec(ctx, updateOrderQuery, row.ID, row.Status, row.LastError, row.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to update order %s", row.ID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) List(ctx context.Context, params *order.FindParams) ([]order.Order, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	where, args := buildOrderFilters(params)
	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at DESC, id`
	if params != nil {
		query += " " + repo.FormatLimitOffset(params.Limit, params.Offset)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		var row models.Order
		if err := rows.Scan(
			&row.ID,
			&row.CustomerID,
			&row.Amount,
			&row.Status,
			&row.CorrelationID,
			&row.CreatedAt,
			&row.UpdatedAt,
			&row.LastError,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan order")
		}
		o, err := toDomainOrder(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate orders")
	}
	return out, nil
}

func (r *OrderRepository) Count(ctx context.Context, params *order.FindParams) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	where, args := buildOrderFilters(params)
	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count orders")
	}
	return count, nil
}

func buildOrderFilters(params *order.FindParams) (string, []any) {
	if params == nil {
		return "", nil
	}
	var (
		where []string
		args  []any
	)
	if params.Status != "" {
		args = append(args, string(params.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}
