package app

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.True(t, cfg.PostgresAutoMigrate)
	assert.Greater(t, cfg.ReconcileStaleAfter, cfg.CheckoutBudget)
	assert.Equal(t, "orders.events", cfg.KafkaTopic)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_URL", "http://gateway:8000/")
	t.Setenv("ORDER_HTTP_ADDR", ":8080")
	t.Setenv("REDIS_HOST", "redis-orders")
	t.Setenv("ORDER_STORAGE_DRIVER", "redis")
	t.Setenv("ORDER_CHECKOUT_BUDGET", "5s")
	t.Setenv("ORDER_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig(log.New().WithField("component", "test"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StorageDriverRedis, cfg.StorageDriver)
	assert.Equal(t, "redis-orders:6379", cfg.RedisAddr())
	assert.Equal(t, 5*time.Second, cfg.CheckoutBudget)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "http://gateway:8000/stock", cfg.ResolvedStockURL())
	assert.Equal(t, "http://gateway:8000/payment", cfg.ResolvedPaymentURL())
	// не заданное в окружении остаётся по умолчанию
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadConfig_RejectsMissingGateway(t *testing.T) {
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("ORDER_GATEWAY_URL", "")

	_, err := LoadConfig(log.New().WithField("component", "test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stock service address is required")
}

func TestConfig_ExplicitURLsWinOverGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GatewayURL = "http://gateway"
	cfg.StockURL = "http://stock:9000/"

	assert.Equal(t, "http://stock:9000", cfg.ResolvedStockURL())
	assert.Equal(t, "http://gateway/payment", cfg.ResolvedPaymentURL())
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.GatewayURL = "http://gateway"
	require.NoError(t, valid.Validate())

	redisCfg := valid
	redisCfg.StorageDriver = StorageDriverRedis
	redisCfg.RedisHost = "redis"
	require.NoError(t, redisCfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.StorageDriver = "mongo" }, `unsupported storage driver "mongo"`},
		{"postgres without dsn", func(c *Config) { c.StorageDriver = StorageDriverPostgres }, "POSTGRES_DSN"},
		{"redis without host", func(c *Config) { c.StorageDriver = StorageDriverRedis; c.RedisHost = "" }, "REDIS_HOST"},
		{"redis lock shorter than checkout", func(c *Config) {
			c.StorageDriver = StorageDriverRedis
			c.RedisHost = "redis"
			c.RedisLockTTL = c.CheckoutBudget + c.CompensationTimeout
		}, "REDIS_LOCK_TTL"},
		{"stale window inside budget", func(c *Config) { c.ReconcileStaleAfter = c.CheckoutBudget }, "must exceed CHECKOUT_BUDGET"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "JSON"

	logger := NewLogger(cfg)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, logger.Formatter)

	cfg.LogLevel = "nonsense"
	cfg.LogFormat = "text"
	logger = NewLogger(cfg)
	assert.Equal(t, log.InfoLevel, logger.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)
}
