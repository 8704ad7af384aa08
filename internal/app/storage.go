package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	"github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// storage — хранилища, выбранные драйвером из конфигурации.
type storage struct {
	orders   domain.OrderRepository
	attempts domain.CheckoutLog
	outbox   domain.OutboxRepository
	locker   domain.OrderLocker
	checker  health.Checker
	closeFn  func() error
}

func (s *storage) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (*storage, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Info("using in-memory storage")
		return &storage{
			orders:   memory.NewOrderRepository(),
			attempts: memory.NewCheckoutLog(),
			outbox:   memory.NewOutboxRepository(),
			locker:   memory.NewOrderLocker(),
			checker:  health.NewCheck("storage", func(context.Context) error { return nil }),
		}, nil

	case StorageDriverRedis:
		store, err := redis.Open(ctx, redis.Config{
			Addr:      cfg.RedisAddr(),
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis storage: %w", err)
		}
		logger.WithField("addr", cfg.RedisAddr()).Info("using redis storage")
		return redisStorage(store, cfg, logger), nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("init postgres storage: dsn is empty")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		state, err := store.MigrationStatus(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("read postgres migration status: %w", err)
		}
		if state.Pending() {
			logger.WithFields(log.Fields{
				"applied":   state.Applied,
				"available": state.Available,
			}).Warn("postgres schema has pending migrations")
		}
		logger.WithField("schema_version", state.Version).Info("using postgres storage")
		return &storage{
			orders:   postgres.NewOrderRepository(store),
			attempts: postgres.NewCheckoutLog(store),
			outbox:   postgres.NewOutboxRepository(store),
			locker:   postgres.NewOrderLocker(store, logger.WithField("component", "postgres-locker")),
			checker:  health.NewCheck("storage", store.Ping),
			closeFn:  store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// redisStorage собирает хранилища поверх Redis. Outbox остаётся в памяти процесса:
// события доставляются по возможности, а журнал саги и заказы переживают рестарт.
func redisStorage(store *redis.Store, cfg Config, logger *log.Entry) *storage {
	return &storage{
		orders:   redis.NewOrderRepository(store),
		attempts: redis.NewCheckoutLog(store),
		outbox:   memory.NewOutboxRepository(),
		locker:   redis.NewOrderLocker(store, cfg.RedisLockTTL, logger.WithField("component", "redis-locker")),
		checker:  health.NewCheck("storage", store.Ping),
		closeFn:  store.Close,
	}
}
