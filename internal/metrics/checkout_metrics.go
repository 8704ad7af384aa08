package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы checkout для метрик.
const (
	OutcomeSucceeded          = "succeeded"
	OutcomeFailed             = "failed"
	OutcomeCompensationFailed = "compensation_failed"
	OutcomeRejected           = "rejected"
)

// CheckoutMetrics содержит метрики саги checkout и reconciler.
// Все методы безопасны для nil-получателя.
type CheckoutMetrics struct {
	attempts      prometheus.Counter
	outcomes      *prometheus.CounterVec
	duration      prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	inFlight      prometheus.Gauge
	reconciled    *prometheus.CounterVec
}

// NewCheckoutMetrics регистрирует метрики в registerer (nil — DefaultRegisterer).
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCheckoutMetrics(registerer prometheus.Registerer) *CheckoutMetrics {
	return &CheckoutMetrics{
		attempts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_attempts_total",
			Help: "Total number of checkout attempts that passed validation.",
		}),
		outcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_outcomes_total",
			Help: "Checkout results grouped by outcome.",
		}, []string{"outcome"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "checkout_duration_seconds",
			Help:    "Duration of checkout sagas in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step", "result"}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_compensations_total",
			Help: "Compensating calls grouped by step and result.",
		}, []string{"step", "result"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "checkout_in_flight",
			Help: "Number of checkout sagas currently running.",
		}),
		reconciled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_reconciled_total",
			Help: "Stale checkout attempts processed by the reconciler grouped by result.",
		}, []string{"result"}),
	}
}

// RecordStarted отмечает начало саги.
func (m *CheckoutMetrics) RecordStarted() {
	if m == nil {
		return
	}
	m.attempts.Inc()
	m.inFlight.Inc()
}

// RecordFinished снимает сагу из in-flight и записывает исход и длительность.
func (m *CheckoutMetrics) RecordFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordRejected считает checkout, не прошедший валидацию.
func (m *CheckoutMetrics) RecordRejected() {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(OutcomeRejected).Inc()
}

// RecordStep записывает длительность шага.
func (m *CheckoutMetrics) RecordStep(step string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, resultLabel(err)).Observe(duration.Seconds())
}

// RecordCompensation считает компенсирующий вызов.
func (m *CheckoutMetrics) RecordCompensation(step string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.compensations.WithLabelValues(step, result).Inc()
}

// RecordReconciled считает попытку, обработанную reconciler.
func (m *CheckoutMetrics) RecordReconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
