package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestMockService(t *testing.T) {
	mock := NewMockService()
	if mock == nil {
		t.Fatal("expected non-nil mock")
	}
	ctx := context.Background()
	mock.Fund("u-1", 100)

	if err := mock.Charge(ctx, "u-1", "o-1", 60); err != nil {
		t.Fatalf("unexpected charge error: %v", err)
	}
	if err := mock.Charge(ctx, "u-1", "o-2", 60); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.Refund(ctx, "u-1", "o-1"); err != nil {
		t.Fatalf("unexpected refund error: %v", err)
	}
	if err := mock.Refund(ctx, "u-1", "o-1"); err != nil {
		t.Fatalf("repeated refund must succeed: %v", err)
	}
	if mock.Balance("u-1") != 100 {
		t.Fatalf("expected balance restored, got %d", mock.Balance("u-1"))
	}

	mock.ChargeErr = errors.New("pay failed")
	mock.RefundErr = errors.New("refund failed")
	if err := mock.Charge(ctx, "u-1", "o-3", 1); err == nil {
		t.Fatal("expected charge error")
	}
	if err := mock.Refund(ctx, "u-1", "o-3"); err == nil {
		t.Fatal("expected refund error")
	}

	charge, refund := mock.Calls()
	if charge != 3 || refund != 3 {
		t.Fatalf("unexpected call counters: charge=%d refund=%d", charge, refund)
	}
}
