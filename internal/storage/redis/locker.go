package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// releaseScript удаляет блокировку, только если она всё ещё принадлежит владельцу.
var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

const defaultLockPoll = 25 * time.Millisecond

// OrderLocker — распределённая блокировка заказа на SET NX PX.
// Блокировка не продлевается: TTL должен превышать бюджет checkout вместе с окном компенсаций.
type OrderLocker struct {
	store  *Store
	ttl    time.Duration
	poll   time.Duration
	logger *log.Entry
}

// NewOrderLocker создаёт блокировщик с заданным TTL.
func NewOrderLocker(store *Store, ttl time.Duration, logger *log.Entry) *OrderLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = log.New().WithField("component", "redis-locker")
	}
	return &OrderLocker{store: store, ttl: ttl, poll: defaultLockPoll, logger: logger}
}

// Acquire опрашивает Redis, пока ключ блокировки не освободится или не отменится ctx.
func (l *OrderLocker) Acquire(ctx context.Context, orderID string) (func(), error) {
	key := l.store.key("lock", "order", orderID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.store.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, persistenceError("acquire lock", err)
		}
		if ok {
			return l.releaseFunc(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, orderID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *OrderLocker) releaseFunc(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}
}

func (l *OrderLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.store.client, []string{key}, token).Err(); err != nil {
		l.logger.WithError(err).WithField("lock_key", key).Warn("failed to release order lock")
	}
}

var _ domain.OrderLocker = (*OrderLocker)(nil)
