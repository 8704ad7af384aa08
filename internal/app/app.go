// Package app собирает сервис заказов из конфигурации и управляет его жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/httpapi"
	"github.com/vladislavdragonenkov/checkout/internal/service/order"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout/internal/tracing"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// App — собранный процесс: HTTP API, gRPC health, метрики и фоновые воркеры.
type App struct {
	cfg    Config
	logger *log.Entry

	registry *prometheus.Registry
	storage  *storage
	producer *kafka.Producer

	router     *gin.Engine
	health     *health.Handler
	grpcServer *grpc.Server
	grpcHealth *grpchealth.Server

	worker     *outbox.Worker
	reconciler *saga.Reconciler

	shutdownTracing tracing.Shutdown
}

// Run читает собранную конфигурацию, поднимает сервис и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := NewLogger(cfg).WithField("component", "app")
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}

// New создаёт все зависимости, но не открывает сетевые порты.
func New(ctx context.Context, cfg Config, logger *log.Entry) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = NewLogger(cfg).WithField("component", "app")
	}
	logger.WithField("build", version.String()).Info("building order service")

	shutdownTracing, err := tracing.Setup(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version.Version(),
		JaegerEndpoint: cfg.JaegerEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger.WithField("component", "tracing"))
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx, cfg, logger.WithField("component", "storage"))
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:             cfg,
		logger:          logger,
		registry:        registry,
		storage:         store,
		health:          health.NewHandler(version.Version()),
		shutdownTracing: shutdownTracing,
	}
	a.health.Register("storage", store.checker)

	gw := initGateways(cfg, metrics.NewRemoteMetrics(registry), logger.WithField("component", "remote"))
	gw.register(a.health)

	checkoutMetrics := metrics.NewCheckoutMetrics(registry)
	coordinator := saga.NewCoordinator(store.orders, gw.stock, gw.payments,
		saga.WithCheckoutLog(store.attempts),
		saga.WithOutbox(store.outbox),
		saga.WithMetrics(checkoutMetrics),
		saga.WithTracer(otel.Tracer("checkout/saga")),
		saga.WithLogger(logger.WithField("component", "checkout-saga")),
		saga.WithBudget(cfg.CheckoutBudget),
		saga.WithCompensationTimeout(cfg.CompensationTimeout),
	)
	orders := order.NewService(store.orders, gw.stock, store.locker, coordinator, order.Options{
		Outbox: store.outbox,
		Logger: logger.WithField("component", "order-service"),
	})

	a.reconciler = saga.NewReconciler(store.orders, store.attempts, gw.stock, gw.payments, store.locker, saga.ReconcilerOptions{
		Logger:     logger.WithField("component", "checkout-reconciler"),
		Metrics:    checkoutMetrics,
		Outbox:     store.outbox,
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.ReconcileStaleAfter,

		CompensationTimeout: cfg.CompensationTimeout,
	})

	a.worker = a.initOutboxWorker(store.outbox, metrics.NewOutboxMetrics(registry))

	gin.SetMode(gin.ReleaseMode)
	a.router = httpapi.NewRouter(
		httpapi.NewHandler(orders, logger.WithField("component", "http-api")),
		logger.WithField("component", "http-access"),
		metrics.NewHTTPMetrics(registry),
	)

	a.initGRPC()
	return a, nil
}

// initOutboxWorker выбирает publisher: Kafka, если брокеры заданы и доступны, иначе лог.
func (a *App) initOutboxWorker(repo domain.OutboxRepository, outboxMetrics *metrics.OutboxMetrics) *outbox.Worker {
	logger := a.logger.WithField("component", "outbox-worker")
	opts := []outbox.Option{
		outbox.WithLogger(logger),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithPollInterval(a.cfg.OutboxPollInterval),
		outbox.WithBatchSize(a.cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(a.cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(a.cfg.OutboxRetryDelay),
	}

	var publisher domain.OutboxPublisher = outbox.NewLogPublisher(a.logger.WithField("component", "order-events"))
	if len(a.cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  a.cfg.KafkaBrokers,
			ClientID: serviceName,
			Timeout:  5 * time.Second,
		}, a.logger.WithField("component", "kafka-producer"))
		if err != nil {
			logger.WithError(err).Warn("kafka is unavailable, order events go to the log")
		} else {
			a.producer = producer
			publisher = kafka.NewOutboxPublisher(producer, a.cfg.KafkaTopic)
			opts = append(opts, outbox.WithDeadLetter(kafka.NewOutboxPublisher(producer, a.cfg.KafkaDLQTopic)))
			logger.WithFields(log.Fields{
				"brokers": a.cfg.KafkaBrokers,
				"topic":   a.cfg.KafkaTopic,
			}).Info("order events go to kafka")
		}
	}
	return outbox.NewWorker(repo, publisher, opts...)
}

func (a *App) initGRPC() {
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	a.registry.MustRegister(grpcMetrics)

	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	a.grpcHealth = grpchealth.NewServer()
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.grpcHealth.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	reflection.Register(a.grpcServer)
	grpcMetrics.InitializeMetrics(a.grpcServer)
}

// Handler возвращает HTTP API (для тестов и встраивания).
func (a *App) Handler() http.Handler {
	return a.router
}

// OpsHandler возвращает mux с /metrics и health-пробами.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("/healthz", a.health)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", a.health.ReadinessHandler)
	return mux
}

// Serve открывает порты, запускает воркеры и ждёт отмены ctx или ошибки сервера.
func (a *App) Serve(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return fmt.Errorf("listen http %s: %w", a.cfg.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		a.Close()
		return fmt.Errorf("listen grpc %s: %w", a.cfg.GRPCAddr, err)
	}
	opsLis, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		a.Close()
		return fmt.Errorf("listen metrics %s: %w", a.cfg.MetricsAddr, err)
	}

	httpSrv := &http.Server{Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
	opsSrv := &http.Server{Handler: a.OpsHandler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 3)
	go func() {
		a.logger.WithField("addr", httpLis.Addr().String()).Info("http api listening")
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		a.logger.WithField("addr", grpcLis.Addr().String()).Info("grpc health listening")
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		a.logger.WithField("addr", opsLis.Addr().String()).Info("metrics and health probes listening")
		if err := opsSrv.Serve(opsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.worker.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		a.reconciler.Run(bgCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		runErr = ctx.Err()
	case runErr = <-errCh:
		a.logger.WithError(runErr).Error("server failed, shutting down")
	}

	a.grpcHealth.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("http api shutdown")
	}
	a.stopGRPC(shutdownCtx)

	// воркеры останавливаются после API: события последних запросов уже в outbox
	stopBackground()
	wg.Wait()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("metrics server shutdown")
	}
	a.Close()
	a.logger.Info("order service stopped")
	return runErr
}

func (a *App) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.logger.Warn("grpc graceful stop timed out, forcing")
		a.grpcServer.Stop()
	}
}

// Close освобождает producer, хранилище и tracer provider.
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Warn("close kafka producer")
		}
	}
	if err := a.storage.Close(); err != nil {
		a.logger.WithError(err).Warn("close storage")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.WithError(err).Warn("flush traces")
	}
}
