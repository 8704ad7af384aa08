package domain

import (
	"context"
	"time"
)

// StockGateway описывает взаимодействие со складским сервисом.
type StockGateway interface {
	// FindItem возвращает цену и остаток товара или ErrItemNotFound.
	FindItem(ctx context.Context, itemID string) (Item, error)
	// Reserve списывает qty единиц со склада.
	Reserve(ctx context.Context, itemID string, qty int64) error
	// Release возвращает ранее списанные единицы (компенсация).
	Release(ctx context.Context, itemID string, qty int64) error
}

// PaymentGateway описывает взаимодействие с платёжным сервисом.
type PaymentGateway interface {
	// Charge списывает amount с пользователя; ключ платежа — orderID.
	Charge(ctx context.Context, userID, orderID string, amount int64) error
	// Refund отменяет списание по заказу (компенсация).
	Refund(ctx context.Context, userID, orderID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepValidate SagaStep = "validate"
	SagaStepReserve  SagaStep = "reserve"
	SagaStepPay      SagaStep = "pay"
	SagaStepCommit   SagaStep = "commit"
	SagaStepRelease  SagaStep = "release"
	SagaStepRefund   SagaStep = "refund"
)

// Типы событий заказа в outbox.
const (
	EventOrderCreated           = "OrderCreated"
	EventOrderDeleted           = "OrderDeleted"
	EventOrderCheckoutSucceeded = "OrderCheckoutSucceeded"
	EventOrderCheckoutFailed    = "OrderCheckoutFailed"
	EventOrderReconciled        = "OrderCheckoutReconciled"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
