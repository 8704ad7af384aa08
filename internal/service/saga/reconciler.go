package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultStaleAfter        = time.Minute
	defaultReconcileBatch    = 50
	defaultLockWait          = 2 * time.Second
)

// Результаты reconcile для метрик и логов.
const (
	ReconcileSucceeded = "succeeded"
	ReconcileFailed    = "failed"
	ReconcileRetry     = "retry"
	ReconcileSkipped   = "skipped"
)

// ReconcilerOptions задаёт параметры reconciler.
type ReconcilerOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.CheckoutMetrics
	Outbox     domain.OutboxRepository
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	LockWait   time.Duration
	Now        func() time.Time

	// CompensationTimeout ограничивает все компенсации одной попытки за проход.
	CompensationTimeout time.Duration
}

// Reconciler доразбирает попытки checkout, застрявшие в незавершённом состоянии
// (процесс упал посреди саги или компенсация не удалась).
type Reconciler struct {
	orders   domain.OrderRepository
	attempts domain.CheckoutLog
	stock    domain.StockGateway
	payments domain.PaymentGateway
	locker   domain.OrderLocker
	opts     ReconcilerOptions
}

// NewReconciler создаёт reconciler. StaleAfter должен превышать бюджет саги.
func NewReconciler(
	orders domain.OrderRepository,
	attempts domain.CheckoutLog,
	stock domain.StockGateway,
	payments domain.PaymentGateway,
	locker domain.OrderLocker,
	opts ReconcilerOptions,
) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "checkout-reconciler")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultReconcileInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultReconcileBatch
	}
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = defaultCompensationTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		orders:   orders,
		attempts: attempts,
		stock:    stock,
		payments: payments,
		locker:   locker,
		opts:     opts,
	}
}

// Run периодически вызывает ReconcileOnce до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.opts.Logger.WithError(err).Warn("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileOnce обрабатывает одну пачку устаревших попыток и возвращает число закрытых.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	stale, err := r.attempts.ListStale(ctx, r.opts.Now().Add(-r.opts.StaleAfter), r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale checkout attempts: %w", err)
	}

	closed := 0
	for _, attempt := range stale {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		result, err := r.reconcile(ctx, attempt)
		r.opts.Metrics.RecordReconciled(result)

		logger := r.opts.Logger.WithFields(log.Fields{
			"attempt_id": attempt.ID,
			"order_id":   attempt.OrderID,
			"result":     result,
		})
		if err != nil {
			logger.WithError(err).Warn("checkout attempt left open")
			continue
		}
		if result == ReconcileSucceeded || result == ReconcileFailed {
			closed++
			logger.Info("checkout attempt reconciled")
		}
	}
	return closed, nil
}

func (r *Reconciler) reconcile(ctx context.Context, stale domain.CheckoutAttempt) (string, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.opts.LockWait)
	defer cancel()
	release, err := r.locker.Acquire(lockCtx, stale.OrderID)
	if err != nil {
		// заказ занят живой операцией; вернёмся на следующем проходе
		return ReconcileSkipped, nil
	}
	defer release()

	attempt, err := r.attempts.Get(ctx, stale.ID)
	if err != nil {
		return ReconcileRetry, err
	}
	if attempt.State.Terminal() {
		return ReconcileSkipped, nil
	}

	order, err := r.orders.Get(ctx, attempt.OrderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return ReconcileRetry, err
	}
	paid := err == nil && order.Paid
	if paid {
		owner, err := r.paidBy(ctx, attempt)
		if err != nil {
			return ReconcileRetry, err
		}
		if owner {
			r.finish(&attempt, domain.SagaStateSucceeded)
			return ReconcileSucceeded, r.update(ctx, attempt)
		}
	}

	// заказ не оплачен этой попыткой: возвращаем товар, а деньги только если заказ не оплачен вовсе.
	// Платёж идентифицируется заказом, поэтому refund оплаченного заказа отменил бы чужое списание.
	done := completedCompensations(attempt.Compensations)
	var failed []error

	compCtx, compCancel := context.WithTimeout(ctx, r.opts.CompensationTimeout)
	defer compCancel()

	if !paid && attempt.State.MayHaveCharged() && !done[compensationKey(domain.SagaStepRefund, "")] {
		callErr := r.compensate(compCtx, func(callCtx context.Context) error {
			return r.payments.Refund(callCtx, attempt.UserID, attempt.OrderID)
		})
		attempt.Compensations = append(attempt.Compensations, compensationRecord(domain.SagaStepRefund, "", 0, callErr))
		r.opts.Metrics.RecordCompensation(string(domain.SagaStepRefund), callErr == nil)
		if callErr != nil {
			failed = append(failed, callErr)
		}
	}
	for _, line := range attempt.Reserved {
		if done[compensationKey(domain.SagaStepRelease, line.ItemID)] {
			continue
		}
		callErr := r.compensate(compCtx, func(callCtx context.Context) error {
			return r.stock.Release(callCtx, line.ItemID, line.Quantity)
		})
		attempt.Compensations = append(attempt.Compensations, compensationRecord(domain.SagaStepRelease, line.ItemID, line.Quantity, callErr))
		r.opts.Metrics.RecordCompensation(string(domain.SagaStepRelease), callErr == nil)
		if callErr != nil {
			failed = append(failed, callErr)
		}
	}

	if len(failed) > 0 {
		attempt.UpdatedAt = r.opts.Now()
		if err := r.update(ctx, attempt); err != nil {
			return ReconcileRetry, err
		}
		return ReconcileRetry, fmt.Errorf("%w: %w", domain.ErrCompensation, errors.Join(failed...))
	}

	if attempt.Failure == "" {
		attempt.Failure = "abandoned in state " + string(attempt.State)
	}
	r.finish(&attempt, domain.SagaStateFailed)
	return ReconcileFailed, r.update(ctx, attempt)
}

// paidBy сообщает, принадлежит ли оплата заказа этой попытке. Попытка, уже начавшая компенсацию,
// или попытка, после которой успешно завершилась другая, оплату не совершала.
func (r *Reconciler) paidBy(ctx context.Context, attempt domain.CheckoutAttempt) (bool, error) {
	if attempt.Failure != "" {
		return false, nil
	}
	if attempt.State != domain.SagaStatePaying && attempt.State != domain.SagaStateCommitting {
		return false, nil
	}
	siblings, err := r.attempts.ListByOrder(ctx, attempt.OrderID)
	if err != nil {
		return false, fmt.Errorf("list checkout attempts of %s: %w", attempt.OrderID, err)
	}
	for _, other := range siblings {
		if other.ID != attempt.ID && other.State == domain.SagaStateSucceeded {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reconciler) compensate(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CompensationTimeout)
	defer cancel()
	return fn(callCtx)
}

func (r *Reconciler) finish(attempt *domain.CheckoutAttempt, state domain.SagaState) {
	enqueueEvent(r.opts.Outbox, r.opts.Logger, attempt.OrderID, domain.EventOrderReconciled, map[string]any{
		"attempt_id": attempt.ID,
		"from_state": string(attempt.State),
		"state":      string(state),
	}, r.opts.Now())
	attempt.State = state
	attempt.UpdatedAt = r.opts.Now()
}

func (r *Reconciler) update(ctx context.Context, attempt domain.CheckoutAttempt) error {
	if err := r.attempts.Update(ctx, attempt); err != nil {
		return fmt.Errorf("update checkout attempt %s: %w", attempt.ID, err)
	}
	return nil
}

func compensationKey(step domain.SagaStep, itemID string) string {
	return string(step) + "/" + itemID
}

func completedCompensations(records []domain.CompensationRecord) map[string]bool {
	done := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.OK() {
			done[compensationKey(rec.Step, rec.ItemID)] = true
		}
	}
	return done
}

func compensationRecord(step domain.SagaStep, itemID string, qty int64, err error) domain.CompensationRecord {
	rec := domain.CompensationRecord{Step: step, ItemID: itemID, Quantity: qty}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
