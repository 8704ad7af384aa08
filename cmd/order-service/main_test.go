package main

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("ORDER_STORAGE_DRIVER", "cassandra")

	logger, _ := test.NewNullLogger()
	err := run(context.Background(), logger.WithField("component", "test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Setenv("GATEWAY_URL", "http://127.0.0.1:1")
	t.Setenv("ORDER_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("ORDER_GRPC_ADDR", "127.0.0.1:0")
	t.Setenv("ORDER_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("ORDER_LOG_LEVEL", "panic")

	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	require.NoError(t, run(ctx, logger.WithField("component", "test")))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "order service stopped", hook.LastEntry().Message)
	assert.Equal(t, log.InfoLevel, hook.LastEntry().Level)
}
