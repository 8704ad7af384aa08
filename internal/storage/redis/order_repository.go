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

const (
	hashOrderID   = "order_id"
	hashUserID    = "user_id"
	hashVersion   = "version"
	hashCreatedAt = "created_at"
	hashUpdatedAt = "updated_at"
)

// createScript создаёт hash только если ключа ещё нет.
var createScript = goredis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then
    return 0
end
redis.call('hset', KEYS[1], unpack(ARGV))
return 1
`)

// setFieldScript пишет одно поле существующего заказа и увеличивает версию.
// ARGV: field, value, updated_at.
var setFieldScript = goredis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
    return -1
end
redis.call('hset', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
redis.call('hincrby', KEYS[1], 'version', 1)
return 1
`)

// incrementScript атомарно прибавляет delta к числовому полю.
// ARGV: field, delta, updated_at. Возвращает {ok, value}.
var incrementScript = goredis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
    return {0, 0}
end
local value = redis.call('hincrby', KEYS[1], ARGV[1], ARGV[2])
redis.call('hincrby', KEYS[1], 'version', 1)
redis.call('hset', KEYS[1], 'updated_at', ARGV[3])
return {1, value}
`)

// OrderRepository реализует domain.OrderRepository поверх hash `order:<id>`.
type OrderRepository struct {
	store *Store
	now   func() time.Time
}

// NewOrderRepository создаёт репозиторий заказов.
func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (r *OrderRepository) orderKey(id string) string {
	return r.store.key("order", id)
}

// Get загружает заказ из hash.
func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	fields, err := r.store.client.HGetAll(ctx, r.orderKey(id)).Result()
	if err != nil {
		return domain.Order{}, persistenceError("hgetall", err)
	}
	if len(fields) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order, err := decodeOrder(fields)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: decode order %s: %w", domain.ErrPersistence, id, err)
	}
	return order, nil
}

func (r *OrderRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.store.client.Exists(ctx, r.orderKey(id)).Result()
	if err != nil {
		return false, persistenceError("exists", err)
	}
	return n == 1, nil
}

// Create пишет новый hash; существующий ключ не перезаписывается.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	args, err := encodeOrder(order)
	if err != nil {
		return err
	}
	created, err := createScript.Run(ctx, r.store.client, []string{r.orderKey(order.ID)}, args...).Int()
	if err != nil {
		return persistenceError("create", err)
	}
	if created == 0 {
		return domain.ErrOrderAlreadyExists
	}
	return nil
}

func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	n, err := r.store.client.Del(ctx, r.orderKey(id)).Result()
	if err != nil {
		return persistenceError("del", err)
	}
	if n == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// Save перезаписывает заказ через WATCH/MULTI, сравнивая версию.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	key := r.orderKey(order.ID)

	txn := func(tx *goredis.Tx) error {
		raw, err := tx.HGet(ctx, key, hashVersion).Result()
		if errors.Is(err, goredis.Nil) {
			return domain.ErrOrderNotFound
		}
		if err != nil {
			return persistenceError("hget version", err)
		}
		current, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: parse version: %w", domain.ErrPersistence, err)
		}
		if current != order.Version {
			return domain.ErrOrderVersionConflict
		}

		next := order
		next.Version = current + 1
		args, err := encodeOrder(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, args...)
			return nil
		})
		return err
	}

	err := r.store.client.Watch(ctx, txn, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return domain.ErrOrderVersionConflict
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrOrderVersionConflict),
		errors.Is(err, domain.ErrPersistence):
		return err
	default:
		return persistenceError("save", err)
	}
}

// SetField пишет одно поле в hash. Значение кодируется так же, как при Create.
func (r *OrderRepository) SetField(ctx context.Context, id, field string, value any) error {
	// проверяем тип значения через доменную модель
	var probe domain.Order
	if err := probe.ApplyField(field, value); err != nil {
		return err
	}
	encoded, err := encodeField(field, probe)
	if err != nil {
		return err
	}

	res, err := setFieldScript.Run(ctx, r.store.client, []string{r.orderKey(id)},
		field, encoded, r.now().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return persistenceError("set field", err)
	}
	if res < 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// IncrementField выполняет HINCRBY, поэтому параллельные инкременты не теряются.
func (r *OrderRepository) IncrementField(ctx context.Context, id, field string, delta int64) (int64, error) {
	if field != domain.FieldTotalCost && field != domain.FieldCheckoutAttempts {
		return 0, fmt.Errorf("%w: %s is not numeric", domain.ErrUnsupportedField, field)
	}

	res, err := incrementScript.Run(ctx, r.store.client, []string{r.orderKey(id)},
		field, delta, r.now().Format(time.RFC3339Nano)).Int64Slice()
	if err != nil {
		return 0, persistenceError("increment", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: unexpected increment reply %v", domain.ErrPersistence, res)
	}
	if res[0] == 0 {
		return 0, domain.ErrOrderNotFound
	}
	return res[1], nil
}

// encodeOrder раскладывает заказ в пары поле/значение для HSET.
func encodeOrder(order domain.Order) ([]any, error) {
	items, err := encodeField(domain.FieldItems, order)
	if err != nil {
		return nil, err
	}
	paid, _ := encodeField(domain.FieldPaid, order)

	return []any{
		hashOrderID, order.ID,
		hashUserID, order.UserID,
		domain.FieldItems, items,
		domain.FieldPaid, paid,
		domain.FieldTotalCost, strconv.FormatInt(order.TotalCost, 10),
		domain.FieldCheckoutAttempts, strconv.FormatInt(order.CheckoutAttempts, 10),
		hashVersion, strconv.FormatInt(order.Version, 10),
		hashCreatedAt, order.CreatedAt.UTC().Format(time.RFC3339Nano),
		hashUpdatedAt, order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func encodeField(field string, order domain.Order) (string, error) {
	switch field {
	case domain.FieldItems:
		items := order.Items
		if items == nil {
			items = domain.Lines{}
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return "", fmt.Errorf("encode items: %w", err)
		}
		return string(raw), nil
	case domain.FieldPaid:
		return strconv.FormatBool(order.Paid), nil
	case domain.FieldTotalCost:
		return strconv.FormatInt(order.TotalCost, 10), nil
	case domain.FieldCheckoutAttempts:
		return strconv.FormatInt(order.CheckoutAttempts, 10), nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedField, field)
	}
}

func decodeOrder(fields map[string]string) (domain.Order, error) {
	order := domain.Order{
		ID:     fields[hashOrderID],
		UserID: fields[hashUserID],
		Items:  domain.Lines{},
	}

	if raw := fields[domain.FieldItems]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &order.Items); err != nil {
			return domain.Order{}, err
		}
	}
	if raw := fields[domain.FieldPaid]; raw != "" {
		paid, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse paid: %w", err)
		}
		order.Paid = paid
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{domain.FieldTotalCost, &order.TotalCost},
		{domain.FieldCheckoutAttempts, &order.CheckoutAttempts},
		{hashVersion, &order.Version},
	}
	for _, f := range ints {
		raw := fields[f.name]
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = n
	}

	for name, dst := range map[string]*time.Time{hashCreatedAt: &order.CreatedAt, hashUpdatedAt: &order.UpdatedAt} {
		raw := fields[name]
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = ts
	}

	return order, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
