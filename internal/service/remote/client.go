// Package remote содержит общий HTTP-клиент для складского и платёжного сервисов:
// таймаут на вызов, circuit breaker, трассировку и классификацию ответов.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// ErrNotFound — сервис ответил 404. Конкретные клиенты переводят его в доменную ошибку.
var ErrNotFound = errors.New("remote resource not found")

const (
	defaultTimeout  = 2 * time.Second
	maxErrorBodyLen = 512
)

// Outcome — результат вызова для метрик.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnavailable Outcome = "unavailable"
)

// Observer получает результат каждого вызова.
type Observer func(service, operation string, outcome Outcome, duration time.Duration)

// StatusError описывает не-2xx ответ удалённого сервиса.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s %s: status %d", e.Service, e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap относит ответ к классу ошибок по коду статуса.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code >= 400 && e.Code < 500:
		return domain.ErrRemoteRejected
	default:
		return domain.ErrRemoteUnavailable
	}
}

// Client выполняет одиночные запросы без повторов.
type Client struct {
	service  string
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	breaker  *CircuitBreaker
	tracer   trace.Tracer
	observer Observer
	logger   *log.Entry
	agent    string
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (тесты, собственный transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout задаёт таймаут одного вызова.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker включает circuit breaker.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithTracer задаёт tracer; по умолчанию берётся глобальный provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithObserver подключает сбор метрик.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger задаёт логгер клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent задаёт заголовок User-Agent.
func WithUserAgent(agent string) Option {
	return func(c *Client) { c.agent = agent }
}

// NewClient создаёт клиент сервиса service с базовым адресом baseURL.
func NewClient(service, baseURL string, opts ...Option) *Client {
	c := &Client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: defaultTimeout,
		tracer:  otel.Tracer("checkout/remote"),
		logger:  log.New().WithField("component", "remote-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("service", service)
	return c
}

// Service возвращает имя удалённого сервиса.
func (c *Client) Service() string {
	return c.service
}

// Do выполняет запрос method к path и, если out != nil, декодирует JSON-ответ.
// operation используется в span и метриках.
func (c *Client) Do(ctx context.Context, operation, method, path string, out any) error {
	start := time.Now()

	call := func() error { return c.do(ctx, operation, method, path, out) }
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call, isUnavailable)
		if errors.Is(err, ErrCircuitOpen) {
			err = fmt.Errorf("%w: %s %s: %w", domain.ErrRemoteUnavailable, c.service, operation, err)
		}
	} else {
		err = call()
	}

	if c.observer != nil {
		c.observer(c.service, operation, classify(err), time.Since(start))
	}
	return err
}

func (c *Client) do(ctx context.Context, operation, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, c.service+"."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	url := c.baseURL + path
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
		attribute.String("peer.service", c.service),
	)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build %s request: %w", c.service, err)
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %s %s: %w", domain.ErrRemoteUnavailable, c.service, operation, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		statusErr := &StatusError{
			Service: c.service,
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Body:    strings.TrimSpace(string(body)),
		}
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, statusErr.Error())
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: decode %s %s response: %w", domain.ErrRemoteUnavailable, c.service, operation, err)
	}
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrRemoteUnavailable)
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrRemoteRejected):
		return OutcomeRejected
	default:
		return OutcomeUnavailable
	}
}
