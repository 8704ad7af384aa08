package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов. Все операции затрагивают один ключ.
type OrderRepository interface {
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// Exists проверяет, занят ли идентификатор.
	Exists(ctx context.Context, id string) (bool, error)
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID уже занят.
	Create(ctx context.Context, order Order) error
	// Delete удаляет заказ или возвращает ErrOrderNotFound.
	Delete(ctx context.Context, id string) error
	// Save перезаписывает заказ с учётом optimistic locking по Version.
	Save(ctx context.Context, order Order) error
	// SetField записывает одно поле (items, paid, total_cost).
	SetField(ctx context.Context, id, field string, value any) error
	// IncrementField атомарно прибавляет delta к числовому полю и возвращает новое значение.
	IncrementField(ctx context.Context, id, field string, delta int64) (int64, error)
}

// CheckoutLog хранит попытки checkout, чтобы незавершённые саги можно было доразобрать.
type CheckoutLog interface {
	// Begin регистрирует новую попытку.
	Begin(ctx context.Context, attempt CheckoutAttempt) error
	// Update перезаписывает состояние попытки.
	Update(ctx context.Context, attempt CheckoutAttempt) error
	// Get возвращает попытку по идентификатору.
	Get(ctx context.Context, id string) (CheckoutAttempt, error)
	// ListByOrder возвращает попытки заказа в порядке их номеров.
	ListByOrder(ctx context.Context, orderID string) ([]CheckoutAttempt, error)
	// ListStale возвращает незавершённые попытки, не обновлявшиеся с before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]CheckoutAttempt, error)
}

// OrderLocker обеспечивает не более одной изменяющей операции на заказ одновременно.
type OrderLocker interface {
	// Acquire блокирует заказ до вызова release или отмены ctx.
	Acquire(ctx context.Context, orderID string) (release func(), err error)
}
