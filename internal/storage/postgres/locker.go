package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// orderLockNamespace отделяет блокировки заказов от прочих advisory lock в базе.
const orderLockNamespace = int32(7301)

// OrderLocker блокирует заказ session-level advisory lock на выделенном соединении.
type OrderLocker struct {
	db     *sql.DB
	logger *log.Entry
}

// NewOrderLocker создаёт блокировщик поверх пула Store.
func NewOrderLocker(store *Store, logger *log.Entry) *OrderLocker {
	if logger == nil {
		logger = log.New().WithField("component", "postgres-locker")
	}
	return &OrderLocker{db: store.DB(), logger: logger}
}

// Acquire ждёт pg_advisory_lock. Соединение удерживается до вызова release.
func (l *OrderLocker) Acquire(ctx context.Context, orderID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, persistenceError("acquire lock connection", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, orderLockNamespace, orderID); err != nil {
		// соединение могло остаться в ожидании блокировки, поэтому не возвращаем его в пул
		discard(conn)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, orderID, ctx.Err())
		}
		return nil, persistenceError("pg_advisory_lock", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1, hashtext($2))`, orderLockNamespace, orderID); err != nil {
				l.logger.WithError(err).WithField("order_id", orderID).Warn("failed to release advisory lock")
				discard(conn)
				return
			}
			_ = conn.Close()
		})
	}, nil
}

// discard закрывает соединение без возврата в пул: сессия с advisory lock не должна переиспользоваться.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

var _ domain.OrderLocker = (*OrderLocker)(nil)
