package domain_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// helper для создания заказа с двумя позициями.
func makeOrder() domain.Order {
	order := domain.NewOrder("order-1", "user-1", time.Now().UTC())
	order.Items = domain.Lines{{ItemID: "A", Quantity: 2}, {ItemID: "B", Quantity: 1}}
	order.TotalCost = 2*10 + 5
	return order
}

func TestNewOrder(t *testing.T) {
	order := domain.NewOrder("o", "u", time.Now())
	if order.Paid || order.TotalCost != 0 || len(order.Items) != 0 {
		t.Fatalf("expected empty unpaid order, got %+v", order)
	}
	if order.Items == nil {
		t.Fatalf("expected non-nil items")
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no id", mut: func(o *domain.Order) { o.ID = "" }, want: domain.ErrOrderIDRequired},
		{name: "no user", mut: func(o *domain.Order) { o.UserID = "" }, want: domain.ErrUserRequired},
		{name: "negative total", mut: func(o *domain.Order) { o.TotalCost = -1 }, want: domain.ErrTotalCostNegative},
		{
			name: "zero quantity",
			mut:  func(o *domain.Order) { o.Items = domain.Lines{{ItemID: "A", Quantity: 0}} },
			want: domain.ErrInvalidQuantity,
		},
		{
			name: "duplicate line",
			mut:  func(o *domain.Order) { o.Items = domain.Lines{{ItemID: "A", Quantity: 1}, {ItemID: "A", Quantity: 1}} },
			want: domain.ErrDuplicateLine,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatalf("expected validation errors")
			}
			found := false
			for _, err := range errs {
				if errors.Is(err, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderAddItem(t *testing.T) {
	order := domain.NewOrder("o", "u", time.Now())

	if err := order.AddItem("A", 10, 5); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := order.AddItem("B", 7, 5); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if err := order.AddItem("A", 10, 5); err != nil {
		t.Fatalf("add A again: %v", err)
	}

	if got := order.Quantity("A"); got != 2 {
		t.Fatalf("expected A=2, got %d", got)
	}
	if order.TotalCost != 27 {
		t.Fatalf("expected total 27, got %d", order.TotalCost)
	}
	if order.Items[0].ItemID != "A" || order.Items[1].ItemID != "B" {
		t.Fatalf("expected insertion order A,B got %+v", order.Items)
	}
}

func TestOrderAddItem_OutOfStock(t *testing.T) {
	order := domain.NewOrder("o", "u", time.Now())
	if err := order.AddItem("A", 10, 1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := order.AddItem("A", 10, 1); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if order.Quantity("A") != 1 || order.TotalCost != 10 {
		t.Fatalf("order must stay unchanged, got %+v", order)
	}
}

func TestOrderRemoveItem(t *testing.T) {
	order := makeOrder()

	if err := order.RemoveItem("B", 5); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if _, ok := order.Items.Map()["B"]; ok {
		t.Fatalf("line B must disappear at zero quantity")
	}
	if order.TotalCost != 20 {
		t.Fatalf("expected total 20, got %d", order.TotalCost)
	}

	if err := order.RemoveItem("B", 5); !errors.Is(err, domain.ErrItemNotInOrder) {
		t.Fatalf("expected ErrItemNotInOrder, got %v", err)
	}
}

func TestOrderPaidIsFrozen(t *testing.T) {
	order := makeOrder()
	if err := order.MarkPaid(); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if err := order.MarkPaid(); !errors.Is(err, domain.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid on second MarkPaid, got %v", err)
	}
	if err := order.AddItem("A", 10, 100); !errors.Is(err, domain.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid on add, got %v", err)
	}
	if err := order.RemoveItem("A", 10); !errors.Is(err, domain.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid on remove, got %v", err)
	}
	if err := order.ValidateForCheckout(); !errors.Is(err, domain.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid on checkout, got %v", err)
	}
}

func TestOrderValidateForCheckout_Empty(t *testing.T) {
	order := domain.NewOrder("o", "u", time.Now())
	if err := order.ValidateForCheckout(); !errors.Is(err, domain.ErrEmptyOrder) {
		t.Fatalf("expected ErrEmptyOrder, got %v", err)
	}
}

// Случайная последовательность add/remove сохраняет сумму и положительные количества.
func TestOrderRandomMutationsKeepTotals(t *testing.T) {
	prices := map[string]int64{"A": 3, "B": 11, "C": 25}
	ids := []string{"A", "B", "C"}
	rnd := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		order := domain.NewOrder("o", "u", time.Now())
		for step := 0; step < 40; step++ {
			id := ids[rnd.Intn(len(ids))]
			if rnd.Intn(3) == 0 {
				_ = order.RemoveItem(id, prices[id])
			} else {
				_ = order.AddItem(id, prices[id], 1000)
			}

			var expected int64
			for _, line := range order.Items {
				if line.Quantity <= 0 {
					t.Fatalf("non-positive quantity in %+v", order.Items)
				}
				expected += line.Quantity * prices[line.ItemID]
			}
			if expected != order.TotalCost {
				t.Fatalf("total %d does not match lines %d", order.TotalCost, expected)
			}
			if errs := order.ValidateInvariants(); len(errs) != 0 {
				t.Fatalf("invariants broken: %v", errs)
			}
		}
	}
}

func TestOrderClone(t *testing.T) {
	order := makeOrder()
	clone := order.Clone()
	clone.Items[0].Quantity = 100

	if order.Items[0].Quantity != 2 {
		t.Fatalf("clone must not share items slice")
	}
}

func TestSagaState(t *testing.T) {
	if !domain.SagaStateSucceeded.Terminal() || !domain.SagaStateFailed.Terminal() {
		t.Fatalf("succeeded and failed must be terminal")
	}
	if domain.SagaStatePaying.Terminal() {
		t.Fatalf("paying must not be terminal")
	}
	if domain.SagaStateReservingStock.MayHaveCharged() {
		t.Fatalf("reserving_stock cannot have charged")
	}
	if !domain.SagaStateCommitting.MayHaveCharged() {
		t.Fatalf("committing may have charged")
	}
	if got := domain.CheckoutAttemptID("o-1", 3); got != "o-1#3" {
		t.Fatalf("unexpected attempt id %q", got)
	}
}
