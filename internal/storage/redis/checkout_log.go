package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// CheckoutLog хранит попытки checkout JSON-строками.
// Индексы: sorted set попыток заказа (score = номер) и sorted set незавершённых попыток (score = updated_at).
type CheckoutLog struct {
	store *Store
}

// NewCheckoutLog создаёт журнал попыток поверх Redis.
func NewCheckoutLog(store *Store) *CheckoutLog {
	return &CheckoutLog{store: store}
}

func (l *CheckoutLog) attemptKey(id string) string { return l.store.key("checkout", id) }
func (l *CheckoutLog) orderKey(id string) string   { return l.store.key("checkout", "order", id) }
func (l *CheckoutLog) openKey() string             { return l.store.key("checkout", "open") }

func (l *CheckoutLog) Begin(ctx context.Context, attempt domain.CheckoutAttempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encode checkout attempt: %w", err)
	}

	created, err := l.store.client.SetNX(ctx, l.attemptKey(attempt.ID), raw, 0).Result()
	if err != nil {
		return persistenceError("setnx attempt", err)
	}
	if !created {
		return fmt.Errorf("checkout attempt %s: %w", attempt.ID, domain.ErrOrderAlreadyExists)
	}
	return l.index(ctx, attempt, true)
}

func (l *CheckoutLog) Update(ctx context.Context, attempt domain.CheckoutAttempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encode checkout attempt: %w", err)
	}

	updated, err := l.store.client.SetXX(ctx, l.attemptKey(attempt.ID), raw, 0).Result()
	if err != nil {
		return persistenceError("setxx attempt", err)
	}
	if !updated {
		return domain.ErrCheckoutAttemptNotFound
	}
	return l.index(ctx, attempt, false)
}

func (l *CheckoutLog) index(ctx context.Context, attempt domain.CheckoutAttempt, first bool) error {
	_, err := l.store.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if first {
			pipe.ZAdd(ctx, l.orderKey(attempt.OrderID), goredis.Z{Score: float64(attempt.Number), Member: attempt.ID})
		}
		if attempt.State.Terminal() {
			pipe.ZRem(ctx, l.openKey(), attempt.ID)
		} else {
			pipe.ZAdd(ctx, l.openKey(), goredis.Z{Score: float64(attempt.UpdatedAt.UnixMilli()), Member: attempt.ID})
		}
		return nil
	})
	if err != nil {
		return persistenceError("index attempt", err)
	}
	return nil
}

func (l *CheckoutLog) Get(ctx context.Context, id string) (domain.CheckoutAttempt, error) {
	raw, err := l.store.client.Get(ctx, l.attemptKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.CheckoutAttempt{}, domain.ErrCheckoutAttemptNotFound
	}
	if err != nil {
		return domain.CheckoutAttempt{}, persistenceError("get attempt", err)
	}
	return decodeAttempt(raw)
}

func (l *CheckoutLog) ListByOrder(ctx context.Context, orderID string) ([]domain.CheckoutAttempt, error) {
	ids, err := l.store.client.ZRange(ctx, l.orderKey(orderID), 0, -1).Result()
	if err != nil {
		return nil, persistenceError("zrange attempts", err)
	}
	return l.load(ctx, ids)
}

// ListStale выбирает попытки из индекса незавершённых со score меньше before.
func (l *CheckoutLog) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := l.store.client.ZRangeByScore(ctx, l.openKey(), by).Result()
	if err != nil {
		return nil, persistenceError("zrangebyscore open attempts", err)
	}
	return l.load(ctx, ids)
}

func (l *CheckoutLog) load(ctx context.Context, ids []string) ([]domain.CheckoutAttempt, error) {
	result := make([]domain.CheckoutAttempt, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.attemptKey(id)
	}
	values, err := l.store.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistenceError("mget attempts", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		attempt, err := decodeAttempt([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, attempt)
	}
	return result, nil
}

func decodeAttempt(raw []byte) (domain.CheckoutAttempt, error) {
	var attempt domain.CheckoutAttempt
	if err := json.Unmarshal(raw, &attempt); err != nil {
		return domain.CheckoutAttempt{}, fmt.Errorf("%w: decode checkout attempt: %w", domain.ErrPersistence, err)
	}
	return attempt, nil
}

var _ domain.CheckoutLog = (*CheckoutLog)(nil)
