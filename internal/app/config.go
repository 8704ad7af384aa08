package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Драйверы хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverRedis    = "redis"
	StorageDriverPostgres = "postgres"
)

// envPrefix — префикс переменных окружения. Для переменных с тегом envconfig
// допускается и имя без префикса (GATEWAY_URL, REDIS_HOST), как в исходном развёртывании.
const envPrefix = "ORDER"

// Config — настройки процесса.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR"`
	GRPCAddr    string `envconfig:"GRPC_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`

	RedisHost      string        `envconfig:"REDIS_HOST"`
	RedisPort      int           `envconfig:"REDIS_PORT"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB"`
	RedisKeyPrefix string        `envconfig:"REDIS_KEY_PREFIX"`
	RedisLockTTL   time.Duration `envconfig:"REDIS_LOCK_TTL"`

	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	// GatewayURL — общий адрес gateway; из него выводятся /stock и /payment,
	// если явные адреса не заданы.
	GatewayURL string `envconfig:"GATEWAY_URL"`
	StockURL   string `envconfig:"STOCK_URL"`
	PaymentURL string `envconfig:"PAYMENT_URL"`

	RemoteTimeout   time.Duration `envconfig:"REMOTE_TIMEOUT"`
	BreakerFailures int           `envconfig:"BREAKER_FAILURES"`
	BreakerReset    time.Duration `envconfig:"BREAKER_RESET"`

	CheckoutBudget      time.Duration `envconfig:"CHECKOUT_BUDGET"`
	CompensationTimeout time.Duration `envconfig:"COMPENSATION_TIMEOUT"`
	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL"`
	ReconcileStaleAfter time.Duration `envconfig:"RECONCILE_STALE_AFTER"`

	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `envconfig:"KAFKA_TOPIC"`
	KafkaDLQTopic string   `envconfig:"KAFKA_DLQ_TOPIC"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`

	JaegerEndpoint   string  `envconfig:"JAEGER_ENDPOINT"`
	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":5000",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver: StorageDriverMemory,

		RedisHost:    "localhost",
		RedisPort:    6379,
		RedisLockTTL: 30 * time.Second,

		PostgresAutoMigrate: true,

		RemoteTimeout:   2 * time.Second,
		BreakerFailures: 5,
		BreakerReset:    10 * time.Second,

		CheckoutBudget:      10 * time.Second,
		CompensationTimeout: 3 * time.Second,
		ReconcileInterval:   30 * time.Second,
		ReconcileStaleAfter: time.Minute,

		KafkaTopic:    "orders.events",
		KafkaDLQTopic: "orders.events.dlq",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		TraceSampleRatio: 1,

		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig читает .env (если есть) и переменные окружения поверх DefaultConfig.
func LoadConfig(logger *log.Entry) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("failed to load .env file, continuing")
	}

	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverRedis:
		if c.RedisHost == "" {
			errs = append(errs, errors.New("redis storage requires REDIS_HOST"))
		}
		// блокировка заказа не продлевается и должна пережить checkout вместе с компенсациями
		if hold := c.CheckoutBudget + c.CompensationTimeout; c.RedisLockTTL <= hold {
			errs = append(errs, fmt.Errorf("REDIS_LOCK_TTL (%s) must exceed CHECKOUT_BUDGET + COMPENSATION_TIMEOUT (%s)",
				c.RedisLockTTL, hold))
		}
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.ResolvedStockURL() == "" {
		errs = append(errs, errors.New("stock service address is required: set STOCK_URL or GATEWAY_URL"))
	}
	if c.ResolvedPaymentURL() == "" {
		errs = append(errs, errors.New("payment service address is required: set PAYMENT_URL or GATEWAY_URL"))
	}
	if c.ReconcileStaleAfter > 0 && c.CheckoutBudget > 0 && c.ReconcileStaleAfter <= c.CheckoutBudget {
		errs = append(errs, fmt.Errorf("RECONCILE_STALE_AFTER (%s) must exceed CHECKOUT_BUDGET (%s)",
			c.ReconcileStaleAfter, c.CheckoutBudget))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// ResolvedStockURL — адрес склада с учётом GATEWAY_URL.
func (c Config) ResolvedStockURL() string {
	return resolveURL(c.StockURL, c.GatewayURL, "/stock")
}

// ResolvedPaymentURL — адрес платёжного сервиса с учётом GATEWAY_URL.
func (c Config) ResolvedPaymentURL() string {
	return resolveURL(c.PaymentURL, c.GatewayURL, "/payment")
}

// RedisAddr — host:port для клиента Redis.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func resolveURL(explicit, gateway, suffix string) string {
	if explicit != "" {
		return strings.TrimRight(explicit, "/")
	}
	if gateway == "" {
		return ""
	}
	return strings.TrimRight(gateway, "/") + suffix
}

// NewLogger создаёт logrus.Logger по уровню и формату из конфигурации.
func NewLogger(cfg Config) *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}
