package stock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/remote"
)

// fakeStockServer повторяет HTTP-контракт складского сервиса.
type fakeStockServer struct {
	mu    sync.Mutex
	items map[string]domain.Item
	finds atomic.Int64
	gate  chan struct{}
}

func (f *fakeStockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case len(parts) == 2 && parts[0] == "find" && r.Method == http.MethodGet:
		f.finds.Add(1)
		if f.gate != nil {
			f.mu.Unlock()
			<-f.gate
			f.mu.Lock()
		}
		item, ok := f.items[parts[1]]
		if !ok {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":` + strconv.FormatInt(item.Price, 10) + `,"stock":` + strconv.FormatInt(item.Stock, 10) + `}`))
	case len(parts) == 3 && (parts[0] == "subtract" || parts[0] == "add") && r.Method == http.MethodPost:
		qty, _ := strconv.ParseInt(parts[2], 10, 64)
		item, ok := f.items[parts[1]]
		if !ok {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}
		if parts[0] == "subtract" {
			if item.Stock < qty {
				http.Error(w, "not enough stock", http.StatusBadRequest)
				return
			}
			qty = -qty
		}
		item.Stock += qty
		f.items[parts[1]] = item
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unexpected route", http.StatusInternalServerError)
	}
}

func (f *fakeStockServer) stock(itemID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[itemID].Stock
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(remote.NewClient("stock", srv.URL, remote.WithTimeout(time.Second)))
}

func TestClientFindItem(t *testing.T) {
	fake := &fakeStockServer{items: map[string]domain.Item{"apple": {Price: 3, Stock: 10}}}
	client := newTestClient(t, fake)

	item, err := client.FindItem(context.Background(), "apple")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if item.Price != 3 || item.Stock != 10 {
		t.Fatalf("unexpected item: %+v", item)
	}

	if _, err := client.FindItem(context.Background(), "pear"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if got := domain.KindOf(mustErr(client.FindItem(context.Background(), "pear"))); got != domain.KindNotFound {
		t.Fatalf("expected not_found kind, got %s", got)
	}
}

func TestClientFindItemCoalescesConcurrentCalls(t *testing.T) {
	fake := &fakeStockServer{
		items: map[string]domain.Item{"apple": {Price: 3, Stock: 10}},
		gate:  make(chan struct{}),
	}
	client := newTestClient(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.FindItem(context.Background(), "apple"); err != nil {
				t.Errorf("find: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(time.Second)
	for fake.finds.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// даём остальным горутинам присоединиться к уже идущему запросу
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	if n := fake.finds.Load(); n < 1 || n > 5 {
		t.Fatalf("unexpected number of find requests: %d", n)
	}
}

func TestClientFindItemSurvivesFirstCallerCancel(t *testing.T) {
	fake := &fakeStockServer{
		items: map[string]domain.Item{"apple": {Price: 3, Stock: 10}},
		gate:  make(chan struct{}),
	}
	client := newTestClient(t, fake)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.FindItem(firstCtx, "apple")
		firstErr <- err
	}()

	deadline := time.Now().Add(time.Second)
	for fake.finds.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	secondItem := make(chan domain.Item, 1)
	secondErr := make(chan error, 1)
	go func() {
		item, err := client.FindItem(context.Background(), "apple")
		secondItem <- item
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) || !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("first caller: expected canceled unavailable error, got %v", err)
	}

	close(fake.gate)
	item := <-secondItem
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller must not inherit cancellation: %v", err)
	}
	if item.Price != 3 {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestClientReserveAndRelease(t *testing.T) {
	fake := &fakeStockServer{items: map[string]domain.Item{"apple": {Price: 3, Stock: 2}}}
	client := newTestClient(t, fake)
	ctx := context.Background()

	if err := client.Reserve(ctx, "apple", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := client.Reserve(ctx, "apple", 1)
	if !errors.Is(err, domain.ErrOutOfStock) || !errors.Is(err, domain.ErrRemoteRejected) {
		t.Fatalf("expected rejected out-of-stock error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindRemoteRejected {
		t.Fatalf("expected remote_rejected kind, got %s", domain.KindOf(err))
	}

	if err := client.Release(ctx, "apple", 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := fake.stock("apple"); got != 2 {
		t.Fatalf("expected stock restored, got %d", got)
	}

	if err := client.Reserve(ctx, "ghost", 1); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound for unknown item, got %v", err)
	}
}

func TestClientUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx := context.Background()

	if _, err := client.FindItem(ctx, "a"); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("find: expected ErrRemoteUnavailable, got %v", err)
	}
	if err := client.Reserve(ctx, "a", 1); !errors.Is(err, domain.ErrRemoteUnavailable) || errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("reserve: expected plain ErrRemoteUnavailable, got %v", err)
	}
	if err := client.Release(ctx, "a", 1); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("release: expected ErrRemoteUnavailable, got %v", err)
	}
}

func mustErr(_ domain.Item, err error) error {
	return err
}
