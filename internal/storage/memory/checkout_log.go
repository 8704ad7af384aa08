package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// checkoutLogInMemory хранит попытки checkout в памяти (для разработки/тестов).
type checkoutLogInMemory struct {
	mu       sync.RWMutex
	attempts map[string]domain.CheckoutAttempt
}

// NewCheckoutLog создаёт in-memory реализацию CheckoutLog.
func NewCheckoutLog() domain.CheckoutLog {
	return &checkoutLogInMemory{attempts: make(map[string]domain.CheckoutAttempt)}
}

func (l *checkoutLogInMemory) Begin(_ context.Context, attempt domain.CheckoutAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.attempts[attempt.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	l.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (l *checkoutLogInMemory) Update(_ context.Context, attempt domain.CheckoutAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.attempts[attempt.ID]; !exists {
		return domain.ErrCheckoutAttemptNotFound
	}
	l.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (l *checkoutLogInMemory) Get(_ context.Context, id string) (domain.CheckoutAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempt, ok := l.attempts[id]
	if !ok {
		return domain.CheckoutAttempt{}, domain.ErrCheckoutAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

// ListByOrder возвращает попытки заказа по возрастанию номера.
func (l *checkoutLogInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.CheckoutAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.CheckoutAttempt, 0)
	for _, attempt := range l.attempts {
		if attempt.OrderID == orderID {
			result = append(result, cloneAttempt(attempt))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Number < result[j].Number
	})
	return result, nil
}

// ListStale возвращает незавершённые попытки, начиная с самых старых.
func (l *checkoutLogInMemory) ListStale(_ context.Context, before time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.CheckoutAttempt, 0)
	for _, attempt := range l.attempts {
		if attempt.State.Terminal() || !attempt.UpdatedAt.Before(before) {
			continue
		}
		result = append(result, cloneAttempt(attempt))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneAttempt(a domain.CheckoutAttempt) domain.CheckoutAttempt {
	a.Reserved = a.Reserved.Clone()
	a.Compensations = append([]domain.CompensationRecord(nil), a.Compensations...)
	return a
}

var _ domain.CheckoutLog = (*checkoutLogInMemory)(nil)
