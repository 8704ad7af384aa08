// Package outbox доставляет события заказов, накопленные в outbox, во внешний брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Результаты публикации для метрик.
const (
	ResultSent       = "sent"
	ResultRetry      = "retry_error"
	ResultFailed     = "failed"
	ResultDeadLetter = "dead_letter"
	ResultDLQFailed  = "dead_letter_failed"
)

type workerConfig struct {
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	deadLetter     domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// Option настраивает Worker.
type Option func(*workerConfig)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(c *workerConfig) { c.logger = logger }
}

// WithMetrics подключает метрики публикации и backlog.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(c *workerConfig) { c.metrics = m }
}

// WithDeadLetter задаёт publisher для событий, исчерпавших попытки.
func WithDeadLetter(publisher domain.OutboxPublisher) Option {
	return func(c *workerConfig) { c.deadLetter = publisher }
}

// WithPollInterval задаёт период опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(c *workerConfig) { c.pollInterval = interval }
}

// WithBatchSize задаёт размер пачки.
func WithBatchSize(size int) Option {
	return func(c *workerConfig) { c.batchSize = size }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(n int) Option {
	return func(c *workerConfig) { c.maxAttempts = n }
}

// WithRetryBaseDelay задаёт базовую задержку exponential backoff. 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(c *workerConfig) { c.retryBaseDelay = delay }
}

// Worker периодически забирает pending-события и публикует их.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       workerConfig
}

// NewWorker создаёт воркер.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := workerConfig{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.New().WithField("component", "outbox-worker")
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = defaultPollInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	if cfg.retryBaseDelay < 0 {
		cfg.retryBaseDelay = 0
	}
	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну пачку и возвращает число доставленных событий.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.refreshBacklog()

	batch, err := w.repo.PullPending(w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			return sent
		}
		logger := w.cfg.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"order_id":   msg.AggregateID,
			"event_type": msg.EventType,
		})

		if err := w.publish(ctx, msg); err != nil {
			logger.WithError(err).Error("outbox message dropped after retries")
			w.cfg.metrics.RecordPublish(ResultFailed)
			w.deadLetter(msg, err, logger)
			if err := w.repo.MarkFailed(msg.ID); err != nil {
				logger.WithError(err).Warn("mark outbox message failed")
			}
			continue
		}
		if err := w.repo.MarkSent(msg.ID); err != nil {
			logger.WithError(err).Warn("mark outbox message sent")
			continue
		}
		sent++
	}
	return sent
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(msg); lastErr == nil {
			w.cfg.metrics.RecordPublish(ResultSent)
			return nil
		}
		w.cfg.metrics.RecordPublish(ResultRetry)
		if attempt == w.cfg.maxAttempts {
			break
		}

		delay := w.backoff(attempt)
		if delay == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.cfg.maxAttempts, lastErr)
}

// backoff удваивает базовую задержку на каждую попытку, не выходя за минуту.
func (w *Worker) backoff(attempt int) time.Duration {
	if w.cfg.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.cfg.retryBaseDelay
	for i := 1; i < attempt && delay < time.Minute; i++ {
		delay *= 2
	}
	return min(delay, time.Minute)
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, cause error, logger *log.Entry) {
	if w.cfg.deadLetter == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"outbox_id":     msg.ID,
		"order_id":      msg.AggregateID,
		"event_type":    msg.EventType,
		"payload":       json.RawMessage(msg.Payload),
		"publish_error": cause.Error(),
		"failed_at":     w.cfg.now().Format(time.RFC3339Nano),
	})
	if err == nil {
		dead := msg
		dead.Payload = payload
		err = w.cfg.deadLetter.Publish(dead)
	}
	if err != nil {
		logger.WithError(err).Warn("dead letter publish failed")
		w.cfg.metrics.RecordPublish(ResultDLQFailed)
		return
	}
	w.cfg.metrics.RecordPublish(ResultDeadLetter)
}

func (w *Worker) refreshBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.cfg.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}
	w.cfg.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt, w.cfg.now())
}
