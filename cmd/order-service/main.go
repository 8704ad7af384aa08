package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/app"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log.WithField("component", "main")); err != nil {
		log.WithError(err).Fatal("order service exited with error")
	}
}

// run читает конфигурацию и держит сервис до сигнала остановки.
func run(ctx context.Context, logger *log.Entry) error {
	cfg, err := app.LoadConfig(logger)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"version":      version.Version(),
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
	}).Info("starting order service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("order service stopped")
	return nil
}
