package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultBudget              = 10 * time.Second
	defaultCompensationTimeout = 3 * time.Second
)

// ErrBudgetExhausted — общий бюджет саги истёк до завершения шага.
var ErrBudgetExhausted = errors.New("checkout budget exhausted")

// Coordinator проводит заказ через Reserve → Pay → Commit и откатывает частичный результат.
// Вызывающий отвечает за блокировку заказа на время Checkout.
type Coordinator struct {
	orders   domain.OrderRepository
	stock    domain.StockGateway
	payments domain.PaymentGateway
	attempts domain.CheckoutLog
	outbox   domain.OutboxRepository

	metrics *metrics.CheckoutMetrics
	tracer  trace.Tracer
	logger  *log.Entry
	now     func() time.Time

	budget              time.Duration
	compensationTimeout time.Duration
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithCheckoutLog включает журнал попыток для reconciler.
func WithCheckoutLog(l domain.CheckoutLog) Option {
	return func(c *Coordinator) { c.attempts = l }
}

// WithOutbox включает публикацию событий checkout.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(c *Coordinator) { c.outbox = repo }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer задаёт tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBudget ограничивает время всей саги.
func WithBudget(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithCompensationTimeout задаёт таймаут одного компенсирующего вызова.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator создаёт координатор checkout.
func NewCoordinator(orders domain.OrderRepository, stock domain.StockGateway, payments domain.PaymentGateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		orders:              orders,
		stock:               stock,
		payments:            payments,
		tracer:              otel.Tracer("checkout/saga"),
		logger:              log.New().WithField("component", "checkout-saga"),
		now:                 func() time.Time { return time.Now().UTC() },
		budget:              defaultBudget,
		compensationTimeout: defaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run — состояние одной попытки.
type run struct {
	order   domain.Order
	attempt domain.CheckoutAttempt
	report  *CheckoutError
	logger  *log.Entry
}

// Checkout выполняет сагу для заказа. Ошибки валидации и поиска возвращаются без побочных эффектов;
// любой сбой после валидации возвращается как *CheckoutError с исходами компенсаций.
func (c *Coordinator) Checkout(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := c.tracer.Start(ctx, "checkout", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return domain.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if err := order.ValidateForCheckout(); err != nil {
		c.metrics.RecordRejected()
		return domain.Order{}, fmt.Errorf("checkout order %s: %w", orderID, err)
	}

	number, err := c.orders.IncrementField(ctx, orderID, domain.FieldCheckoutAttempts, 1)
	if err != nil {
		span.RecordError(err)
		return domain.Order{}, fmt.Errorf("start checkout of %s: %w", orderID, err)
	}

	start := time.Now()
	c.metrics.RecordStarted()

	now := c.now()
	r := &run{
		order: order,
		attempt: domain.CheckoutAttempt{
			ID:        domain.CheckoutAttemptID(orderID, number),
			OrderID:   orderID,
			UserID:    order.UserID,
			Number:    number,
			State:     domain.SagaStateReservingStock,
			Amount:    order.TotalCost,
			Reserved:  domain.Lines{},
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	r.logger = c.logger.WithFields(log.Fields{"order_id": orderID, "attempt_id": r.attempt.ID})
	span.SetAttributes(attribute.String("checkout.attempt_id", r.attempt.ID))

	if c.attempts != nil {
		if err := c.attempts.Begin(context.WithoutCancel(ctx), r.attempt); err != nil {
			r.logger.WithError(err).Warn("failed to record checkout attempt")
		}
	}

	sagaCtx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	final, err := c.execute(ctx, sagaCtx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := metrics.OutcomeFailed
		if r.report != nil && r.report.CompensationFailed() {
			outcome = metrics.OutcomeCompensationFailed
		}
		c.metrics.RecordFinished(outcome, time.Since(start))
		return domain.Order{}, err
	}

	c.metrics.RecordFinished(metrics.OutcomeSucceeded, time.Since(start))
	r.logger.WithField("total_cost", final.TotalCost).Info("checkout succeeded")
	return final, nil
}

func (c *Coordinator) execute(ctx, sagaCtx context.Context, r *run) (domain.Order, error) {
	// Reserve: позиции в порядке добавления, до первой ошибки.
	for _, line := range r.order.Items {
		err := c.step(sagaCtx, domain.SagaStepReserve, func(stepCtx context.Context) error {
			return c.stock.Reserve(stepCtx, line.ItemID, line.Quantity)
		})
		if err != nil {
			r.logger.WithError(err).WithField("item_id", line.ItemID).Warn("stock reservation failed")
			return domain.Order{}, c.fail(ctx, r, domain.SagaStepReserve, err, false)
		}
		r.attempt.Reserved = r.attempt.Reserved.Add(line.ItemID, line.Quantity)
		c.record(ctx, r, domain.SagaStateReservingStock)
	}

	c.record(ctx, r, domain.SagaStatePaying)
	err := c.step(sagaCtx, domain.SagaStepPay, func(stepCtx context.Context) error {
		return c.payments.Charge(stepCtx, r.order.UserID, r.order.ID, r.order.TotalCost)
	})
	if err != nil {
		r.logger.WithError(err).Warn("payment failed")
		return domain.Order{}, c.fail(ctx, r, domain.SagaStepPay, err, false)
	}

	c.record(ctx, r, domain.SagaStateCommitting)
	paid := r.order.Clone()
	err = c.step(sagaCtx, domain.SagaStepCommit, func(stepCtx context.Context) error {
		if err := paid.MarkPaid(); err != nil {
			return err
		}
		return c.orders.SetField(stepCtx, paid.ID, domain.FieldPaid, true)
	})
	if err != nil {
		r.logger.WithError(err).Error("commit of paid order failed after successful charge")
		return domain.Order{}, c.fail(ctx, r, domain.SagaStepCommit, err, true)
	}

	c.record(ctx, r, domain.SagaStateSucceeded)
	c.emit(r.order.ID, domain.EventOrderCheckoutSucceeded, map[string]any{
		"attempt_id": r.attempt.ID,
		"user_id":    r.order.UserID,
		"total_cost": r.order.TotalCost,
	})

	final, err := c.orders.Get(ctx, r.order.ID)
	if err != nil {
		r.logger.WithError(err).Warn("reload after commit failed")
		paid.CheckoutAttempts = r.attempt.Number
		return paid, nil
	}
	return final, nil
}

// step выполняет один шаг саги в рамках бюджета. Истечение бюджета — сбой этого шага.
func (c *Coordinator) step(sagaCtx context.Context, step domain.SagaStep, fn func(context.Context) error) error {
	stepCtx, span := c.tracer.Start(sagaCtx, "checkout."+string(step))
	defer span.End()

	started := time.Now()
	var err error
	if budgetErr := sagaCtx.Err(); budgetErr != nil {
		err = budgetError(budgetErr)
	} else {
		err = fn(stepCtx)
		if err != nil && sagaCtx.Err() != nil && !errors.Is(err, ErrBudgetExhausted) {
			err = fmt.Errorf("%w: %w", budgetError(sagaCtx.Err()), err)
		}
	}
	c.metrics.RecordStep(string(step), err, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func budgetError(cause error) error {
	return fmt.Errorf("%w: %w: %w", domain.ErrRemoteUnavailable, ErrBudgetExhausted, cause)
}

// fail выполняет компенсации и строит отчёт. refund=true только после успешного списания.
func (c *Coordinator) fail(ctx context.Context, r *run, failed domain.SagaStep, cause error, refund bool) error {
	r.report = &CheckoutError{
		AttemptID:  r.attempt.ID,
		OrderID:    r.order.ID,
		State:      domain.SagaStateFailed,
		FailedStep: failed,
		Err:        cause,
	}
	r.attempt.Failure = cause.Error()

	// компенсации не ограничены бюджетом саги, но вся фаза укладывается в compensationTimeout
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compensationTimeout)
	defer cancel()

	if refund {
		c.record(ctx, r, domain.SagaStateCompensatingPayment)
		err := c.compensate(compCtx, domain.SagaStepRefund, func(callCtx context.Context) error {
			return c.payments.Refund(callCtx, r.order.UserID, r.order.ID)
		})
		r.attempt.Compensations = append(r.attempt.Compensations, r.report.addCompensation(domain.SagaStepRefund, "", 0, err))
	}

	if len(r.attempt.Reserved) > 0 {
		if !refund {
			c.record(ctx, r, domain.SagaStateCompensatingStock)
		}
		for _, line := range r.attempt.Reserved {
			err := c.compensate(compCtx, domain.SagaStepRelease, func(callCtx context.Context) error {
				return c.stock.Release(callCtx, line.ItemID, line.Quantity)
			})
			r.attempt.Compensations = append(r.attempt.Compensations, r.report.addCompensation(domain.SagaStepRelease, line.ItemID, line.Quantity, err))
		}
	}

	if r.report.CompensationFailed() {
		// попытка остаётся открытой: reconciler повторит только неудавшиеся компенсации
		r.logger.WithError(r.report).Error("checkout compensation failed, remote state is inconsistent")
		c.record(ctx, r, r.attempt.State)
	} else {
		c.record(ctx, r, domain.SagaStateFailed)
	}

	c.emit(r.order.ID, domain.EventOrderCheckoutFailed, map[string]any{
		"attempt_id":          r.attempt.ID,
		"failed_step":         string(failed),
		"reason":              cause.Error(),
		"compensation_failed": r.report.CompensationFailed(),
	})
	return r.report
}

func (c *Coordinator) compensate(ctx context.Context, step domain.SagaStep, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.compensationTimeout)
	defer cancel()

	callCtx, span := c.tracer.Start(callCtx, "checkout.compensate."+string(step))
	defer span.End()

	err := fn(callCtx)
	c.metrics.RecordCompensation(string(step), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// record пишет состояние попытки в журнал. Ошибка журнала не прерывает сагу.
func (c *Coordinator) record(ctx context.Context, r *run, state domain.SagaState) {
	r.attempt.State = state
	r.attempt.UpdatedAt = c.now()
	if c.attempts == nil {
		return
	}
	if err := c.attempts.Update(context.WithoutCancel(ctx), r.attempt); err != nil {
		r.logger.WithError(err).WithField("state", state).Warn("failed to update checkout attempt")
	}
}

func (c *Coordinator) emit(orderID, eventType string, payload map[string]any) {
	enqueueEvent(c.outbox, c.logger, orderID, eventType, payload, c.now())
}

// enqueueEvent кладёт событие заказа в outbox; сбой только логируется.
func enqueueEvent(repo domain.OutboxRepository, logger *log.Entry, orderID, eventType string, payload map[string]any, ts time.Time) {
	if repo == nil {
		return
	}
	msg, err := domain.NewOrderEvent(orderID, eventType, payload, ts)
	if err == nil {
		_, err = repo.Enqueue(msg)
	}
	if err != nil {
		logger.WithError(err).WithFields(log.Fields{"order_id": orderID, "event": eventType}).Error("enqueue event failed")
	}
}
