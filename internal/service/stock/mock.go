package stock

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Call — один зафиксированный вызов mock-склада.
type Call struct {
	Op       string
	ItemID   string
	Quantity int64
}

// MockService — конфигурируемая заглушка StockGateway для тестов.
// Хранит остатки и списывает их, как настоящий склад.
type MockService struct {
	mu sync.Mutex

	Items map[string]domain.Item

	FindErr    error
	ReserveErr map[string]error
	ReleaseErr map[string]error

	Calls []Call
}

// NewMockService возвращает mock без товаров.
func NewMockService() *MockService {
	return &MockService{
		Items:      make(map[string]domain.Item),
		ReserveErr: make(map[string]error),
		ReleaseErr: make(map[string]error),
	}
}

// Put задаёт цену и остаток товара.
func (m *MockService) Put(itemID string, price, stock int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Items[itemID] = domain.Item{Price: price, Stock: stock}
}

// Stock возвращает текущий остаток товара.
func (m *MockService) Stock(itemID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Items[itemID].Stock
}

// CallsOf возвращает вызовы операции op в порядке поступления.
func (m *MockService) CallsOf(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// FindItem возвращает товар или ErrItemNotFound.
func (m *MockService) FindItem(_ context.Context, itemID string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Op: "find", ItemID: itemID})
	if m.FindErr != nil {
		return domain.Item{}, m.FindErr
	}
	item, ok := m.Items[itemID]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

// Reserve списывает остаток или возвращает настроенную ошибку.
func (m *MockService) Reserve(_ context.Context, itemID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Op: "reserve", ItemID: itemID, Quantity: qty})
	if err := m.ReserveErr[itemID]; err != nil {
		return err
	}
	item, ok := m.Items[itemID]
	if !ok {
		return fmt.Errorf("%w: %w: %s", domain.ErrRemoteRejected, domain.ErrItemNotFound, itemID)
	}
	if item.Stock < qty {
		return fmt.Errorf("%w: %w: %s", domain.ErrRemoteRejected, domain.ErrOutOfStock, itemID)
	}
	item.Stock -= qty
	m.Items[itemID] = item
	return nil
}

// Release возвращает остаток или настроенную ошибку.
func (m *MockService) Release(_ context.Context, itemID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Op: "release", ItemID: itemID, Quantity: qty})
	if err := m.ReleaseErr[itemID]; err != nil {
		return err
	}
	item := m.Items[itemID]
	item.Stock += qty
	m.Items[itemID] = item
	return nil
}

var _ domain.StockGateway = (*MockService)(nil)
