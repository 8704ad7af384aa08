package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const orderColumns = `order_id, user_id, items::text, paid, total_cost, checkout_attempts, version, created_at, updated_at`

// orderFieldColumns задаёт колонки, которые разрешено обновлять точечно.
var orderFieldColumns = map[string]string{
	domain.FieldItems:            "items",
	domain.FieldPaid:             "paid",
	domain.FieldTotalCost:        "total_cost",
	domain.FieldCheckoutAttempts: "checkout_attempts",
}

type orderRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, err := encodeLines(order.Items)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, user_id, items, paid, total_cost, checkout_attempts, version, created_at, updated_at
		) VALUES ($1, $2, $3::text::json, $4, $5, $6, $7, $8, $9)
	`,
		order.ID, order.UserID, items, order.Paid, order.TotalCost,
		order.CheckoutAttempts, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return persistenceError("insert order", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, persistenceError("select order", err)
	}
	return order, nil
}

func (r *orderRepository) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`, id).Scan(&exists); err != nil {
		return false, persistenceError("check order exists", err)
	}
	return exists, nil
}

func (r *orderRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = $1`, id)
	if err != nil {
		return persistenceError("delete order", err)
	}
	return requireAffected(res, domain.ErrOrderNotFound)
}

// Save перезаписывает изменяемые поля заказа при совпадении версии.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, err := encodeLines(order.Items)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET items = $1::text::json,
		    paid = $2,
		    total_cost = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE order_id = $5
		  AND version = $6
	`, items, order.Paid, order.TotalCost, order.UpdatedAt, order.ID, order.Version)
	if err != nil {
		return persistenceError("update order", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistenceError("rows affected", err)
	}
	if affected > 0 {
		return nil
	}

	exists, err := r.Exists(ctx, order.ID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

func (r *orderRepository) SetField(ctx context.Context, id, field string, value any) error {
	column, ok := orderFieldColumns[field]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedField, field)
	}
	var probe domain.Order
	if err := probe.ApplyField(field, value); err != nil {
		return err
	}

	var arg any
	placeholder := "$1"
	switch field {
	case domain.FieldItems:
		encoded, err := encodeLines(probe.Items)
		if err != nil {
			return err
		}
		arg, placeholder = encoded, "$1::text::json"
	case domain.FieldPaid:
		arg = probe.Paid
	case domain.FieldTotalCost:
		arg = probe.TotalCost
	case domain.FieldCheckoutAttempts:
		arg = probe.CheckoutAttempts
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// column берётся только из orderFieldColumns
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET `+column+` = `+placeholder+`, version = version + 1, updated_at = $2 WHERE order_id = $3`,
		arg, r.now(), id,
	)
	if err != nil {
		return persistenceError("update order field "+field, err)
	}
	return requireAffected(res, domain.ErrOrderNotFound)
}

func (r *orderRepository) IncrementField(ctx context.Context, id, field string, delta int64) (int64, error) {
	if field != domain.FieldTotalCost && field != domain.FieldCheckoutAttempts {
		return 0, fmt.Errorf("%w: %s is not numeric", domain.ErrUnsupportedField, field)
	}
	column := orderFieldColumns[field]

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var value int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE orders SET `+column+` = `+column+` + $1, version = version + 1, updated_at = $2
		 WHERE order_id = $3 RETURNING `+column,
		delta, r.now(), id,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrOrderNotFound
	}
	if err != nil {
		return 0, persistenceError("increment order field "+field, err)
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order domain.Order
		items string
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &items, &order.Paid, &order.TotalCost,
		&order.CheckoutAttempts, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Items = domain.Lines{}
	if err := json.Unmarshal([]byte(items), &order.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode items of %s: %w", order.ID, err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func encodeLines(lines domain.Lines) (string, error) {
	if lines == nil {
		lines = domain.Lines{}
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(raw), nil
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return persistenceError("rows affected", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
