package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// keyedLock — мьютекс одного заказа. Канал ёмкостью 1 позволяет ждать с учётом ctx.
type keyedLock struct {
	ch   chan struct{}
	refs int
}

// OrderLocker сериализует изменяющие операции над заказом внутри одного процесса.
type OrderLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// NewOrderLocker создаёт in-process блокировщик заказов.
func NewOrderLocker() *OrderLocker {
	return &OrderLocker{locks: make(map[string]*keyedLock)}
}

// Acquire ждёт блокировку заказа или отмену ctx.
func (l *OrderLocker) Acquire(ctx context.Context, orderID string) (func(), error) {
	lock := l.ref(orderID)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(orderID)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, orderID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.unref(orderID)
		})
	}, nil
}

func (l *OrderLocker) ref(orderID string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[orderID]
	if !ok {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[orderID] = lock
	}
	lock.refs++
	return lock
}

// unref удаляет запись, когда заказ больше никто не ждёт, чтобы карта не росла.
func (l *OrderLocker) unref(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[orderID]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, orderID)
	}
}

// Size возвращает число заказов, по которым есть владельцы или ожидающие.
func (l *OrderLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

var _ domain.OrderLocker = (*OrderLocker)(nil)
