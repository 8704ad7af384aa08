package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestMockService(t *testing.T) {
	mock := NewMockService()
	mock.Put("a", 5, 2)
	ctx := context.Background()

	item, err := mock.FindItem(ctx, "a")
	if err != nil || item.Price != 5 {
		t.Fatalf("unexpected find result: %+v %v", item, err)
	}
	if _, err := mock.FindItem(ctx, "missing"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	if err := mock.Reserve(ctx, "a", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mock.Reserve(ctx, "a", 1); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if err := mock.Release(ctx, "a", 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mock.Stock("a") != 2 {
		t.Fatalf("expected stock 2, got %d", mock.Stock("a"))
	}

	mock.ReleaseErr["a"] = domain.ErrRemoteUnavailable
	if err := mock.Release(ctx, "a", 1); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected configured release error, got %v", err)
	}

	if got := len(mock.CallsOf("reserve")); got != 2 {
		t.Fatalf("expected 2 reserve calls, got %d", got)
	}
	if got := len(mock.CallsOf("release")); got != 2 {
		t.Fatalf("expected 2 release calls, got %d", got)
	}
}
