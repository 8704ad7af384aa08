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

const attemptColumns = `id, order_id, user_id, number, state, amount, reserved::text, failure, compensations::text, started_at, updated_at`

type checkoutLog struct {
	db *sql.DB
}

// NewCheckoutLog создаёт PostgreSQL-реализацию журнала попыток checkout.
func NewCheckoutLog(store *Store) domain.CheckoutLog {
	return &checkoutLog{db: store.DB()}
}

func (l *checkoutLog) Begin(ctx context.Context, attempt domain.CheckoutAttempt) error {
	reserved, compensations, err := encodeAttemptJSON(attempt)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO checkout_attempts (
			id, order_id, user_id, number, state, amount, reserved, failure, compensations, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::text::json, $8, $9::text::jsonb, $10, $11)
	`,
		attempt.ID, attempt.OrderID, attempt.UserID, attempt.Number, string(attempt.State), attempt.Amount,
		reserved, attempt.Failure, compensations, attempt.StartedAt, attempt.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("checkout attempt %s: %w", attempt.ID, domain.ErrOrderAlreadyExists)
		}
		return persistenceError("insert checkout attempt", err)
	}
	return nil
}

func (l *checkoutLog) Update(ctx context.Context, attempt domain.CheckoutAttempt) error {
	reserved, compensations, err := encodeAttemptJSON(attempt)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := l.db.ExecContext(ctx, `
		UPDATE checkout_attempts
		SET state = $2,
		    reserved = $3::text::json,
		    failure = $4,
		    compensations = $5::text::jsonb,
		    updated_at = $6
		WHERE id = $1
	`, attempt.ID, string(attempt.State), reserved, attempt.Failure, compensations, attempt.UpdatedAt)
	if err != nil {
		return persistenceError("update checkout attempt", err)
	}
	return requireAffected(res, domain.ErrCheckoutAttemptNotFound)
}

func (l *checkoutLog) Get(ctx context.Context, id string) (domain.CheckoutAttempt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	attempt, err := scanAttempt(l.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CheckoutAttempt{}, domain.ErrCheckoutAttemptNotFound
	}
	if err != nil {
		return domain.CheckoutAttempt{}, persistenceError("select checkout attempt", err)
	}
	return attempt, nil
}

func (l *checkoutLog) ListByOrder(ctx context.Context, orderID string) ([]domain.CheckoutAttempt, error) {
	return l.query(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE order_id = $1 ORDER BY number`, orderID)
}

func (l *checkoutLog) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `
		SELECT `+attemptColumns+`
		FROM checkout_attempts
		WHERE state NOT IN ('succeeded', 'failed')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
}

func (l *checkoutLog) query(ctx context.Context, query string, args ...any) ([]domain.CheckoutAttempt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("query checkout attempts", err)
	}
	defer rows.Close()

	result := make([]domain.CheckoutAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, persistenceError("scan checkout attempt", err)
		}
		result = append(result, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate checkout attempts", err)
	}
	return result, nil
}

func scanAttempt(row rowScanner) (domain.CheckoutAttempt, error) {
	var (
		attempt       domain.CheckoutAttempt
		state         string
		reserved      string
		compensations string
	)
	if err := row.Scan(
		&attempt.ID, &attempt.OrderID, &attempt.UserID, &attempt.Number, &state, &attempt.Amount,
		&reserved, &attempt.Failure, &compensations, &attempt.StartedAt, &attempt.UpdatedAt,
	); err != nil {
		return domain.CheckoutAttempt{}, err
	}
	attempt.State = domain.SagaState(state)
	if err := json.Unmarshal([]byte(reserved), &attempt.Reserved); err != nil {
		return domain.CheckoutAttempt{}, fmt.Errorf("decode reserved of %s: %w", attempt.ID, err)
	}
	if err := json.Unmarshal([]byte(compensations), &attempt.Compensations); err != nil {
		return domain.CheckoutAttempt{}, fmt.Errorf("decode compensations of %s: %w", attempt.ID, err)
	}
	attempt.StartedAt = attempt.StartedAt.UTC()
	attempt.UpdatedAt = attempt.UpdatedAt.UTC()
	return attempt, nil
}

func encodeAttemptJSON(attempt domain.CheckoutAttempt) (string, string, error) {
	reserved, err := encodeLines(attempt.Reserved)
	if err != nil {
		return "", "", err
	}
	compensations := attempt.Compensations
	if compensations == nil {
		compensations = []domain.CompensationRecord{}
	}
	raw, err := json.Marshal(compensations)
	if err != nil {
		return "", "", fmt.Errorf("encode compensations: %w", err)
	}
	return reserved, string(raw), nil
}

var _ domain.CheckoutLog = (*checkoutLog)(nil)
