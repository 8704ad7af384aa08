package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestOrderLocker_MutualExclusion(t *testing.T) {
	locker := memory.NewOrderLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "order-1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, observed %d", maxInside)
	}
	if locker.Size() != 0 {
		t.Fatalf("expected lock table to be empty, got %d", locker.Size())
	}
}

func TestOrderLocker_DifferentOrdersDoNotBlock(t *testing.T) {
	locker := memory.NewOrderLocker()
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "A")
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	defer releaseA()

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := locker.Acquire(timeoutCtx, "B")
	if err != nil {
		t.Fatalf("acquire B must not wait for A: %v", err)
	}
	releaseB()
}

func TestOrderLocker_ContextCancel(t *testing.T) {
	locker := memory.NewOrderLocker()
	release, err := locker.Acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "order-1"); !errors.Is(err, domain.ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}

	release()
	release() // повторный вызов безопасен

	again, err := locker.Acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
