package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/order"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout/internal/service/stock"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// OrderLifecycleTestSuite прогоняет корзину и checkout поверх Redis (miniredis).
type OrderLifecycleTestSuite struct {
	suite.Suite
	redis    *miniredis.Miniredis
	service  *order.Service
	attempts domain.CheckoutLog
	outbox   *memory.OutboxRepository
	stock    *stock.MockService
	payment  *payment.MockService
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.redis = miniredis.RunT(s.T())
	store := redisstore.NewStore(goredis.NewClient(&goredis.Options{Addr: s.redis.Addr()}), "it")
	s.T().Cleanup(func() { _ = store.Close() })

	repo := redisstore.NewOrderRepository(store)
	s.attempts = redisstore.NewCheckoutLog(store)
	s.outbox = memory.NewOutboxRepository()
	locker := redisstore.NewOrderLocker(store, 5*time.Second, logger)

	s.stock = stock.NewMockService()
	s.stock.Put("apple", 3, 10)
	s.stock.Put("pear", 7, 2)
	s.payment = payment.NewMockService()
	s.payment.Fund("user-1", 100)

	coordinator := saga.NewCoordinator(repo, s.stock, s.payment,
		saga.WithCheckoutLog(s.attempts),
		saga.WithOutbox(s.outbox),
		saga.WithLogger(logger),
	)
	s.service = order.NewService(repo, s.stock, locker, coordinator, order.Options{
		Outbox: s.outbox,
		Logger: logger,
	})
}

func TestOrderLifecycleSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func (s *OrderLifecycleTestSuite) eventTypes(orderID string) []string {
	var types []string
	for _, msg := range s.outbox.AllPending() {
		if msg.AggregateID == orderID {
			types = append(types, msg.EventType)
		}
	}
	return types
}

func (s *OrderLifecycleTestSuite) TestCartAndCheckout() {
	ctx := context.Background()

	o, err := s.service.Create(ctx, "user-1")
	s.Require().NoError(err)

	_, err = s.service.AddItem(ctx, o.ID, "apple")
	s.Require().NoError(err)
	_, err = s.service.AddItem(ctx, o.ID, "apple")
	s.Require().NoError(err)
	o, err = s.service.AddItem(ctx, o.ID, "pear")
	s.Require().NoError(err)
	s.Equal(int64(13), o.TotalCost)

	o, err = s.service.RemoveItem(ctx, o.ID, "apple")
	s.Require().NoError(err)
	s.Equal(int64(10), o.TotalCost)
	s.Equal(int64(1), o.Quantity("apple"))

	o, err = s.service.Checkout(ctx, o.ID)
	s.Require().NoError(err)
	s.True(o.Paid)

	found, err := s.service.Find(ctx, o.ID)
	s.Require().NoError(err)
	s.True(found.Paid)
	s.Equal(int64(10), found.TotalCost)

	s.Equal(int64(9), s.stock.Stock("apple"))
	s.Equal(int64(1), s.stock.Stock("pear"))
	s.Equal(int64(90), s.payment.Balance("user-1"))

	attempts, err := s.attempts.ListByOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(domain.SagaStateSucceeded, attempts[0].State)

	s.Equal([]string{domain.EventOrderCreated, domain.EventOrderCheckoutSucceeded}, s.eventTypes(o.ID))

	_, err = s.service.AddItem(ctx, o.ID, "apple")
	s.ErrorIs(err, domain.ErrAlreadyPaid)
	_, err = s.service.Checkout(ctx, o.ID)
	s.ErrorIs(err, domain.ErrAlreadyPaid)
}

func (s *OrderLifecycleTestSuite) TestRejectedPaymentReleasesStock() {
	ctx := context.Background()
	s.payment.Fund("user-2", 1)

	o, err := s.service.Create(ctx, "user-2")
	s.Require().NoError(err)
	_, err = s.service.AddItem(ctx, o.ID, "pear")
	s.Require().NoError(err)

	_, err = s.service.Checkout(ctx, o.ID)
	s.Require().Error(err)
	s.Equal(domain.KindRemoteRejected, domain.KindOf(err))

	var checkoutErr *saga.CheckoutError
	s.Require().True(errors.As(err, &checkoutErr))
	s.Equal(domain.SagaStepPay, checkoutErr.FailedStep)
	s.False(checkoutErr.CompensationFailed())

	s.Equal(int64(2), s.stock.Stock("pear"))
	s.Equal(int64(1), s.payment.Balance("user-2"))

	found, err := s.service.Find(ctx, o.ID)
	s.Require().NoError(err)
	s.False(found.Paid)

	attempts, err := s.attempts.ListByOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(domain.SagaStateFailed, attempts[0].State)
	s.Contains(s.eventTypes(o.ID), domain.EventOrderCheckoutFailed)
}

func (s *OrderLifecycleTestSuite) TestConcurrentAddItemsAreSerialized() {
	ctx := context.Background()
	o, err := s.service.Create(ctx, "user-1")
	s.Require().NoError(err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.AddItem(ctx, o.ID, "apple")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	found, err := s.service.Find(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(int64(workers), found.Quantity("apple"))
	s.Equal(int64(workers*3), found.TotalCost)
}

func (s *OrderLifecycleTestSuite) TestRemoveOrder() {
	ctx := context.Background()
	o, err := s.service.Create(ctx, "user-1")
	s.Require().NoError(err)

	s.Require().NoError(s.service.Remove(ctx, o.ID))
	_, err = s.service.Find(ctx, o.ID)
	s.ErrorIs(err, domain.ErrOrderNotFound)
	s.Equal(domain.KindNotFound, domain.KindOf(s.service.Remove(ctx, o.ID)))
	s.Equal([]string{domain.EventOrderCreated, domain.EventOrderDeleted}, s.eventTypes(o.ID))
}

func TestRedisOutageSurfacesAsPersistenceFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	t.Cleanup(func() { _ = store.Close() })
	repo := redisstore.NewOrderRepository(store)

	mr.SetError("LOADING dataset in memory")
	_, err := repo.Get(context.Background(), "order-1")
	require.Error(t, err)
	require.Equal(t, domain.KindPersistenceFailure, domain.KindOf(err))
}
