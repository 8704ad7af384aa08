package saga

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// CheckoutError — отчёт о неудачном checkout: основная ошибка и исход каждой компенсации.
type CheckoutError struct {
	AttemptID     string
	OrderID       string
	State         domain.SagaState
	FailedStep    domain.SagaStep
	Err           error
	Compensations []domain.CompensationRecord

	compensationErrs []error
}

func (e *CheckoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checkout %s failed at %s: %v", e.AttemptID, e.FailedStep, e.Err)
	for _, c := range e.Compensations {
		b.WriteString("; ")
		b.WriteString(string(c.Step))
		if c.ItemID != "" {
			fmt.Fprintf(&b, " %s x%d", c.ItemID, c.Quantity)
		}
		if c.OK() {
			b.WriteString(": ok")
		} else {
			b.WriteString(": ")
			b.WriteString(c.Error)
		}
	}
	return b.String()
}

// Unwrap отдаёт основную ошибку и, если компенсация не удалась, ErrCompensation.
func (e *CheckoutError) Unwrap() []error {
	out := []error{e.Err}
	if len(e.compensationErrs) > 0 {
		out = append(out, fmt.Errorf("%w: %w", domain.ErrCompensation, errors.Join(e.compensationErrs...)))
	}
	return out
}

// CompensationFailed сообщает, остались ли удалённые сервисы рассогласованными с заказом.
func (e *CheckoutError) CompensationFailed() bool {
	return len(e.compensationErrs) > 0
}

func (e *CheckoutError) addCompensation(step domain.SagaStep, itemID string, qty int64, err error) domain.CompensationRecord {
	rec := domain.CompensationRecord{Step: step, ItemID: itemID, Quantity: qty}
	if err != nil {
		rec.Error = err.Error()
		e.compensationErrs = append(e.compensationErrs, err)
	}
	e.Compensations = append(e.Compensations, rec)
	return rec
}
