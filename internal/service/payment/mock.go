package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// MockService — конфигурируемая заглушка PaymentGateway для тестов.
// Ведёт баланс пользователей и список проведённых платежей.
type MockService struct {
	mu sync.Mutex

	Credit  map[string]int64
	Charges map[string]int64

	ChargeErr error
	RefundErr error

	ChargeCalls int
	RefundCalls int
}

// NewMockService возвращает mock без средств на счетах.
func NewMockService() *MockService {
	return &MockService{
		Credit:  make(map[string]int64),
		Charges: make(map[string]int64),
	}
}

// Fund пополняет баланс пользователя.
func (m *MockService) Fund(userID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credit[userID] += amount
}

// Balance возвращает баланс пользователя.
func (m *MockService) Balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Credit[userID]
}

// Calls возвращает счётчики вызовов.
func (m *MockService) Calls() (charge, refund int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChargeCalls, m.RefundCalls
}

// Charge списывает amount или возвращает настроенную ошибку.
func (m *MockService) Charge(_ context.Context, userID, orderID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChargeCalls++
	if m.ChargeErr != nil {
		return m.ChargeErr
	}
	if m.Credit[userID] < amount {
		return fmt.Errorf("%w: %w: user %s", domain.ErrRemoteRejected, domain.ErrInsufficientFunds, userID)
	}
	m.Credit[userID] -= amount
	m.Charges[chargeKey(userID, orderID)] += amount
	return nil
}

// Refund возвращает списанное по заказу. Повторный возврат ничего не меняет.
func (m *MockService) Refund(_ context.Context, userID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundCalls++
	if m.RefundErr != nil {
		return m.RefundErr
	}
	key := chargeKey(userID, orderID)
	m.Credit[userID] += m.Charges[key]
	delete(m.Charges, key)
	return nil
}

func chargeKey(userID, orderID string) string {
	return userID + "/" + orderID
}

var _ domain.PaymentGateway = (*MockService)(nil)
