package domain

import (
	"fmt"
	"time"
)

// SagaState — состояние попытки checkout.
type SagaState string

const (
	SagaStateValidating          SagaState = "validating"
	SagaStateReservingStock      SagaState = "reserving_stock"
	SagaStatePaying              SagaState = "paying"
	SagaStateCommitting          SagaState = "committing"
	SagaStateSucceeded           SagaState = "succeeded"
	SagaStateCompensatingStock   SagaState = "compensating_stock"
	SagaStateCompensatingPayment SagaState = "compensating_payment"
	SagaStateFailed              SagaState = "failed"
)

// Terminal сообщает, завершена ли сага.
func (s SagaState) Terminal() bool {
	return s == SagaStateSucceeded || s == SagaStateFailed
}

// MayHaveCharged сообщает, могло ли списание уже произойти к моменту остановки в этом состоянии.
func (s SagaState) MayHaveCharged() bool {
	switch s {
	case SagaStatePaying, SagaStateCommitting, SagaStateCompensatingPayment:
		return true
	default:
		return false
	}
}

// CompensationRecord — исход одного компенсирующего вызова.
type CompensationRecord struct {
	Step     SagaStep `json:"step"`
	ItemID   string   `json:"item_id,omitempty"`
	Quantity int64    `json:"quantity,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// OK сообщает, удалась ли компенсация.
func (c CompensationRecord) OK() bool {
	return c.Error == ""
}

// CheckoutAttempt — запись журнала саги для одной попытки checkout.
type CheckoutAttempt struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	UserID  string    `json:"user_id"`
	Number  int64     `json:"number"`
	State   SagaState `json:"state"`
	Amount  int64     `json:"amount"`
	// Reserved — позиции, резерв которых склад подтвердил.
	Reserved      Lines                `json:"reserved"`
	Failure       string               `json:"failure,omitempty"`
	Compensations []CompensationRecord `json:"compensations,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// CheckoutAttemptID строит идентификатор попытки из заказа и её номера.
func CheckoutAttemptID(orderID string, number int64) string {
	return fmt.Sprintf("%s#%d", orderID, number)
}
