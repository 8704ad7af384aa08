package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	m := <-ch
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Histogram != nil:
		return float64(out.Histogram.GetSampleCount())
	}
	t.Fatal("unsupported metric type")
	return 0
}

func TestCheckoutMetricsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCheckoutMetrics(reg)

	m.RecordStarted()
	if got := counterValue(t, m.inFlight); got != 1 {
		t.Fatalf("expected 1 in-flight saga, got %v", got)
	}

	m.RecordStep("reserve", nil, 10*time.Millisecond)
	m.RecordStep("pay", errors.New("boom"), 5*time.Millisecond)
	m.RecordCompensation("release", true)
	m.RecordCompensation("release", false)
	m.RecordFinished(OutcomeFailed, 20*time.Millisecond)
	m.RecordRejected()
	m.RecordReconciled("failed")

	if got := counterValue(t, m.inFlight); got != 0 {
		t.Fatalf("expected 0 in-flight sagas, got %v", got)
	}
	if got := counterValue(t, m.attempts); got != 1 {
		t.Fatalf("expected 1 attempt, got %v", got)
	}
	if got := counterValue(t, m.outcomes.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Fatalf("expected 1 failed outcome, got %v", got)
	}
	if got := counterValue(t, m.outcomes.WithLabelValues(OutcomeRejected)); got != 1 {
		t.Fatalf("expected 1 rejected outcome, got %v", got)
	}
	if got := counterValue(t, m.compensations.WithLabelValues("release", "error")); got != 1 {
		t.Fatalf("expected 1 failed release, got %v", got)
	}
	if got := counterValue(t, m.reconciled.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 reconciled attempt, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "orders_checkout_step_duration_seconds" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Fatalf("expected 2 step series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Fatal("step duration histogram is not registered")
	}
}

func TestMetricsRegistrationIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCheckoutMetrics(reg)
	second := NewCheckoutMetrics(reg)

	first.RecordStarted()
	if got := counterValue(t, second.attempts); got != 1 {
		t.Fatalf("second instance must share collectors, got %v", got)
	}

	NewRemoteMetrics(reg)
	NewRemoteMetrics(reg)
	NewHTTPMetrics(reg)
	NewHTTPMetrics(reg)
	NewOutboxMetrics(reg)
	NewOutboxMetrics(reg)
}

func TestNilMetricsAreNoop(t *testing.T) {
	var c *CheckoutMetrics
	c.RecordStarted()
	c.RecordFinished(OutcomeSucceeded, time.Second)
	c.RecordStep("pay", nil, time.Second)
	c.RecordCompensation("refund", true)
	c.RecordRejected()
	c.RecordReconciled("ok")

	var r *RemoteMetrics
	r.ObserveCall("stock", "find", "ok", time.Second)
	r.SetBreakerState("stock", 1)

	var h *HTTPMetrics
	h.ObserveRequest("GET", "/find/:order_id", 200, time.Second)

	var o *OutboxMetrics
	o.RecordPublish("sent")
	o.SetBacklog(1, time.Now(), time.Now())
}

func TestRemoteAndHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRemoteMetrics(reg)
	r.ObserveCall("stock", "find", "ok", 3*time.Millisecond)
	r.ObserveCall("stock", "find", "ok", 4*time.Millisecond)
	r.SetBreakerState("payment", 1)

	if got := counterValue(t, r.calls.WithLabelValues("stock", "find", "ok")); got != 2 {
		t.Fatalf("expected 2 calls, got %v", got)
	}
	if got := counterValue(t, r.breakerState.WithLabelValues("payment")); got != 1 {
		t.Fatalf("expected open breaker gauge, got %v", got)
	}

	h := NewHTTPMetrics(reg)
	h.ObserveRequest("POST", "", 404, time.Millisecond)
	if got := counterValue(t, h.requests.WithLabelValues("POST", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route to be counted, got %v", got)
	}
}

func TestOutboxMetricsBacklog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	now := time.Now()

	m.SetBacklog(3, now.Add(-10*time.Second), now)
	if got := counterValue(t, m.pending); got != 3 {
		t.Fatalf("expected 3 pending, got %v", got)
	}
	if got := counterValue(t, m.oldestPendingAge); got != 10 {
		t.Fatalf("expected age 10s, got %v", got)
	}

	m.SetBacklog(0, time.Time{}, now)
	if got := counterValue(t, m.oldestPendingAge); got != 0 {
		t.Fatalf("expected age reset, got %v", got)
	}

	m.RecordPublish("sent")
	if got := counterValue(t, m.publishAttempts.WithLabelValues("sent")); got != 1 {
		t.Fatalf("expected 1 sent, got %v", got)
	}
}
