package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/service/remote"
	"github.com/vladislavdragonenkov/checkout/internal/service/stock"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const serviceName = "order-service"

type gateways struct {
	stock    *stock.Client
	payments *payment.Client
	breakers []*remote.CircuitBreaker
}

// initGateways создаёт клиентов склада и платёжного сервиса с общим набором опций:
// таймаут вызова, собственный breaker на сервис, метрики и трассировка.
func initGateways(cfg Config, remoteMetrics *metrics.RemoteMetrics, logger *log.Entry) *gateways {
	newClient := func(service, baseURL string) (*remote.Client, *remote.CircuitBreaker) {
		breaker := remote.NewCircuitBreaker(service, cfg.BreakerFailures, cfg.BreakerReset, logger)
		breaker.OnStateChange(func(name string, state remote.CircuitState) {
			remoteMetrics.SetBreakerState(name, int(state))
		})
		remoteMetrics.SetBreakerState(service, int(remote.CircuitClosed))

		client := remote.NewClient(service, baseURL,
			remote.WithTimeout(cfg.RemoteTimeout),
			remote.WithBreaker(breaker),
			remote.WithUserAgent(version.UserAgent(serviceName)),
			remote.WithLogger(logger),
			remote.WithObserver(func(service, operation string, outcome remote.Outcome, d time.Duration) {
				remoteMetrics.ObserveCall(service, operation, string(outcome), d)
			}),
		)
		logger.WithFields(log.Fields{"service": service, "url": baseURL}).Info("remote client configured")
		return client, breaker
	}

	stockClient, stockBreaker := newClient("stock", cfg.ResolvedStockURL())
	paymentClient, paymentBreaker := newClient("payment", cfg.ResolvedPaymentURL())
	return &gateways{
		stock:    stock.NewClient(stockClient),
		payments: payment.NewClient(paymentClient),
		breakers: []*remote.CircuitBreaker{stockBreaker, paymentBreaker},
	}
}

// register добавляет в health мягкие проверки: открытый breaker понижает статус до degraded.
func (g *gateways) register(h *health.Handler) {
	for _, breaker := range g.breakers {
		b := breaker
		name := "breaker_" + b.Name()
		h.Register(name, health.NewSoftCheck(name, func(context.Context) error {
			if state := b.State(); state != remote.CircuitClosed {
				return fmt.Errorf("circuit %s", state)
			}
			return nil
		}))
	}
}
