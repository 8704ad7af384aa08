package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/service/stock"
)

// fakeGateway отдаёт HTTP API склада и платежей поверх mock-сервисов.
type fakeGateway struct {
	stock    *stock.MockService
	payments *payment.MockService
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	g := &fakeGateway{stock: stock.NewMockService(), payments: payment.NewMockService()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock/find/{item}", func(w http.ResponseWriter, r *http.Request) {
		item, err := g.stock.FindItem(r.Context(), r.PathValue("item"))
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(item)
	})
	mux.HandleFunc("POST /stock/subtract/{item}/{qty}", func(w http.ResponseWriter, r *http.Request) {
		qty, _ := strconv.ParseInt(r.PathValue("qty"), 10, 64)
		writeGatewayError(w, g.stock.Reserve(r.Context(), r.PathValue("item"), qty))
	})
	mux.HandleFunc("POST /stock/add/{item}/{qty}", func(w http.ResponseWriter, r *http.Request) {
		qty, _ := strconv.ParseInt(r.PathValue("qty"), 10, 64)
		writeGatewayError(w, g.stock.Release(r.Context(), r.PathValue("item"), qty))
	})
	mux.HandleFunc("POST /payment/pay/{user}/{order}/{amount}", func(w http.ResponseWriter, r *http.Request) {
		amount, _ := strconv.ParseInt(r.PathValue("amount"), 10, 64)
		writeGatewayError(w, g.payments.Charge(r.Context(), r.PathValue("user"), r.PathValue("order"), amount))
	})
	mux.HandleFunc("POST /payment/cancel/{user}/{order}", func(w http.ResponseWriter, r *http.Request) {
		writeGatewayError(w, g.payments.Refund(r.Context(), r.PathValue("user"), r.PathValue("order")))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv
}

func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrItemNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func testConfig(gatewayURL string) Config {
	cfg := DefaultConfig()
	cfg.GatewayURL = gatewayURL
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogLevel = "panic"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func call(t *testing.T, h http.Handler, method, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestApp_CheckoutThroughRemoteServices(t *testing.T) {
	gw, srv := newFakeGateway(t)
	gw.stock.Put("apple", 3, 5)
	gw.stock.Put("pear", 7, 1)
	gw.payments.Fund("user-1", 12)

	ctx := context.Background()
	a, err := New(ctx, testConfig(srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()
	api := a.Handler()

	var created struct {
		OrderID string `json:"order_id"`
	}
	require.Equal(t, http.StatusCreated, call(t, api, http.MethodPost, "/create/user-1", &created))
	id := created.OrderID

	require.Equal(t, http.StatusOK, call(t, api, http.MethodPost, "/addItem/"+id+"/apple", nil))
	require.Equal(t, http.StatusOK, call(t, api, http.MethodPost, "/addItem/"+id+"/pear", nil))
	require.Equal(t, http.StatusOK, call(t, api, http.MethodPost, "/checkout/"+id, nil))

	var found struct {
		Paid      bool  `json:"paid"`
		TotalCost int64 `json:"total_cost"`
	}
	require.Equal(t, http.StatusOK, call(t, api, http.MethodGet, "/find/"+id, &found))
	assert.True(t, found.Paid)
	assert.Equal(t, int64(10), found.TotalCost)
	assert.Equal(t, int64(4), gw.stock.Stock("apple"))
	assert.Equal(t, int64(0), gw.stock.Stock("pear"))
	assert.Equal(t, int64(2), gw.payments.Balance("user-1"))

	// второй заказ не проходит по деньгам: склад возвращается
	require.Equal(t, http.StatusCreated, call(t, api, http.MethodPost, "/create/user-1", &created))
	second := created.OrderID
	require.Equal(t, http.StatusOK, call(t, api, http.MethodPost, "/addItem/"+second+"/apple", nil))
	var failure struct {
		Kind       domain.ErrorKind `json:"kind"`
		FailedStep string           `json:"failed_step"`
	}
	require.Equal(t, http.StatusBadRequest, call(t, api, http.MethodPost, "/checkout/"+second, &failure))
	assert.Equal(t, domain.KindRemoteRejected, failure.Kind)
	assert.Equal(t, "pay", failure.FailedStep)
	assert.Equal(t, int64(4), gw.stock.Stock("apple"))

	// события заказов уходят в лог-publisher
	assert.Positive(t, a.worker.ProcessOnce(ctx))
}

func TestApp_OpsEndpoints(t *testing.T) {
	_, srv := newFakeGateway(t)
	a, err := New(context.Background(), testConfig(srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, http.StatusCreated, call(t, a.Handler(), http.MethodPost, "/create/user-1", nil))

	ops := a.OpsHandler()
	assert.Equal(t, http.StatusOK, call(t, ops, http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, call(t, ops, http.MethodGet, "/readyz", nil))

	var healthz struct {
		Status string `json:"status"`
		Checks []struct {
			Name string `json:"name"`
		} `json:"checks"`
	}
	require.Equal(t, http.StatusOK, call(t, ops, http.MethodGet, "/healthz", &healthz))
	assert.Equal(t, "healthy", healthz.Status)
	names := make([]string, 0, len(healthz.Checks))
	for _, c := range healthz.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"breaker_payment", "breaker_stock", "storage"}, names)

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `orders_http_requests_total{`)
	assert.Contains(t, string(body), "orders_remote_circuit_breaker_state")
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	_, srv := newFakeGateway(t)
	a, err := New(context.Background(), testConfig(srv.URL), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := New(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "invalid config")
}
