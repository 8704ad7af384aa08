// Package redis хранит заказы в Redis: один hash на заказ, как в исходной версии сервиса.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Config описывает подключение к Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix добавляется ко всем ключам сервиса (пустой по умолчанию).
	KeyPrefix string
}

// Store инкапсулирует клиент Redis и выдаёт репозитории поверх него.
type Store struct {
	client *goredis.Client
	prefix string
}

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewStore(client, cfg.KeyPrefix), nil
}

// NewStore оборачивает готовый клиент (используется тестами с miniredis).
func NewStore(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Client возвращает низкоуровневый клиент.
func (s *Store) Client() *goredis.Client {
	return s.client
}

// Ping проверяет доступность Redis для readiness-проверки.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединения.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrPersistence, op, err)
}
