package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

func TestCheckoutLog_BeginUpdateGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	log := redisstore.NewCheckoutLog(store)
	now := time.Now().UTC().Truncate(time.Millisecond)

	attempt := domain.CheckoutAttempt{
		ID:        domain.CheckoutAttemptID("order-1", 1),
		OrderID:   "order-1",
		UserID:    "user-1",
		Number:    1,
		State:     domain.SagaStateReservingStock,
		Amount:    25,
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, log.Begin(ctx, attempt))
	require.Error(t, log.Begin(ctx, attempt))

	attempt.State = domain.SagaStateFailed
	attempt.Reserved = domain.Lines{{ItemID: "b", Quantity: 1}, {ItemID: "a", Quantity: 2}}
	attempt.Compensations = []domain.CompensationRecord{{Step: domain.SagaStepRelease, ItemID: "a", Quantity: 2}}
	require.NoError(t, log.Update(ctx, attempt))

	stored, err := log.Get(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStateFailed, stored.State)
	require.Equal(t, attempt.Reserved, stored.Reserved)
	require.Len(t, stored.Compensations, 1)

	_, err = log.Get(ctx, "missing#1")
	require.ErrorIs(t, err, domain.ErrCheckoutAttemptNotFound)
	require.ErrorIs(t, log.Update(ctx, domain.CheckoutAttempt{ID: "missing#1"}), domain.ErrCheckoutAttemptNotFound)
}

func TestCheckoutLog_ListByOrderAndStale(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	log := redisstore.NewCheckoutLog(store)
	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	require.NoError(t, log.Begin(ctx, domain.CheckoutAttempt{ID: "o#2", OrderID: "o", Number: 2, State: domain.SagaStatePaying, UpdatedAt: old}))
	require.NoError(t, log.Begin(ctx, domain.CheckoutAttempt{ID: "o#1", OrderID: "o", Number: 1, State: domain.SagaStateSucceeded, UpdatedAt: old}))
	require.NoError(t, log.Begin(ctx, domain.CheckoutAttempt{ID: "p#1", OrderID: "p", Number: 1, State: domain.SagaStateCommitting, UpdatedAt: old.Add(-time.Minute)}))
	require.NoError(t, log.Begin(ctx, domain.CheckoutAttempt{ID: "q#1", OrderID: "q", Number: 1, State: domain.SagaStatePaying, UpdatedAt: fresh}))

	byOrder, err := log.ListByOrder(ctx, "o")
	require.NoError(t, err)
	require.Len(t, byOrder, 2)
	require.Equal(t, "o#1", byOrder[0].ID)
	require.Equal(t, "o#2", byOrder[1].ID)

	stale, err := log.ListStale(ctx, fresh.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	require.Equal(t, "p#1", stale[0].ID)

	// завершение попытки убирает её из индекса незавершённых
	p := stale[0]
	p.State = domain.SagaStateFailed
	require.NoError(t, log.Update(ctx, p))

	stale, err = log.ListStale(ctx, fresh.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "o#2", stale[0].ID)
}
