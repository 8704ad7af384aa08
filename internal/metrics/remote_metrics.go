package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RemoteMetrics описывает вызовы складского и платёжного сервисов.
type RemoteMetrics struct {
	calls        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
}

// NewRemoteMetrics регистрирует метрики внешних вызовов.
func NewRemoteMetrics(registerer prometheus.Registerer) *RemoteMetrics {
	return &RemoteMetrics{
		calls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "remote_calls_total",
			Help: "Calls to remote services grouped by service, operation and outcome.",
		}, []string{"service", "operation", "outcome"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "remote_call_duration_seconds",
			Help:    "Duration of remote calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation"}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "remote_circuit_breaker_state",
			Help: "Circuit breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
	}
}

// ObserveCall записывает исход и длительность вызова.
func (m *RemoteMetrics) ObserveCall(service, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(service, operation, outcome).Inc()
	m.duration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetBreakerState публикует состояние circuit breaker.
func (m *RemoteMetrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}
