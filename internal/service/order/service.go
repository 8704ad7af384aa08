// Package order реализует сценарии работы с заказом: создание, поиск, удаление,
// изменение корзины и checkout. Изменяющие операции выполняются под блокировкой заказа.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultIDDraws         = 16
	defaultConflictRetries = 3
	defaultRetryBaseDelay  = 10 * time.Millisecond
)

// Checkouter проводит checkout заказа (saga.Coordinator).
type Checkouter interface {
	Checkout(ctx context.Context, orderID string) (domain.Order, error)
}

// Options задаёт необязательные зависимости и параметры сервиса.
type Options struct {
	Outbox          domain.OutboxRepository
	Logger          *log.Entry
	NewID           func() string
	Now             func() time.Time
	IDDraws         int
	ConflictRetries int
	RetryBaseDelay  time.Duration
}

// Service — прикладной сервис заказов.
type Service struct {
	repo     domain.OrderRepository
	stock    domain.StockGateway
	locker   domain.OrderLocker
	checkout Checkouter
	opts     Options
}

// NewService собирает сервис.
func NewService(repo domain.OrderRepository, stock domain.StockGateway, locker domain.OrderLocker, checkout Checkouter, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "order-service")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.IDDraws <= 0 {
		opts.IDDraws = defaultIDDraws
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	} else if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Service{
		repo:     repo,
		stock:    stock,
		locker:   locker,
		checkout: checkout,
		opts:     opts,
	}
}

// Create создаёт пустой заказ пользователя. Идентификатор перевыбирается при коллизии.
func (s *Service) Create(ctx context.Context, userID string) (domain.Order, error) {
	if userID == "" {
		return domain.Order{}, domain.ErrUserRequired
	}

	for draw := 0; draw < s.opts.IDDraws; draw++ {
		id := s.opts.NewID()
		exists, err := s.repo.Exists(ctx, id)
		if err != nil {
			return domain.Order{}, fmt.Errorf("probe order id: %w", err)
		}
		if exists {
			s.opts.Logger.WithField("order_id", id).Warn("order id collision, drawing again")
			continue
		}

		order := domain.NewOrder(id, userID, s.opts.Now())
		if err := s.repo.Create(ctx, order); err != nil {
			if errors.Is(err, domain.ErrOrderAlreadyExists) {
				continue
			}
			return domain.Order{}, fmt.Errorf("create order: %w", err)
		}

		s.emit(id, domain.EventOrderCreated, map[string]any{"user_id": userID})
		s.opts.Logger.WithFields(log.Fields{"order_id": id, "user_id": userID}).Info("order created")
		return order, nil
	}
	return domain.Order{}, fmt.Errorf("%w: no free order id after %d draws", domain.ErrOrderAlreadyExists, s.opts.IDDraws)
}

// Find возвращает заказ.
func (s *Service) Find(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("find order %s: %w", orderID, err)
	}
	return order, nil
}

// Remove удаляет заказ. Удаление оплаченного заказа разрешено и не трогает склад и платежи.
func (s *Service) Remove(ctx context.Context, orderID string) error {
	release, err := s.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer release()

	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("remove order %s: %w", orderID, err)
	}
	if err := s.repo.Delete(ctx, orderID); err != nil {
		return fmt.Errorf("remove order %s: %w", orderID, err)
	}
	s.emit(orderID, domain.EventOrderDeleted, map[string]any{"paid": order.Paid, "user_id": order.UserID})
	return nil
}

// AddItem добавляет одну единицу товара по текущей цене склада.
func (s *Service) AddItem(ctx context.Context, orderID, itemID string) (domain.Order, error) {
	return s.mutate(ctx, orderID, func(order *domain.Order) error {
		if order.Paid {
			return domain.ErrAlreadyPaid
		}
		item, err := s.stock.FindItem(ctx, itemID)
		if err != nil {
			return err
		}
		return order.AddItem(itemID, item.Price, item.Stock)
	})
}

// RemoveItem убирает одну единицу товара по текущей цене склада.
func (s *Service) RemoveItem(ctx context.Context, orderID, itemID string) (domain.Order, error) {
	return s.mutate(ctx, orderID, func(order *domain.Order) error {
		if order.Paid {
			return domain.ErrAlreadyPaid
		}
		if order.Quantity(itemID) == 0 {
			return domain.ErrItemNotInOrder
		}
		item, err := s.stock.FindItem(ctx, itemID)
		if err != nil {
			return err
		}
		return order.RemoveItem(itemID, item.Price)
	})
}

// Checkout проводит заказ через сагу под блокировкой заказа.
func (s *Service) Checkout(ctx context.Context, orderID string) (domain.Order, error) {
	release, err := s.lock(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	return s.checkout.Checkout(ctx, orderID)
}

func (s *Service) lock(ctx context.Context, orderID string) (func(), error) {
	release, err := s.locker.Acquire(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return release, nil
}

// mutate загружает заказ, применяет fn и сохраняет с проверкой версии.
// Конфликт версии (запись в обход блокировки) повторяется с exponential backoff.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(*domain.Order) error) (domain.Order, error) {
	release, err := s.lock(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
		}
		if err := fn(&order); err != nil {
			return domain.Order{}, fmt.Errorf("update order %s: %w", orderID, err)
		}
		order.UpdatedAt = s.opts.Now()

		err = s.repo.Save(ctx, order)
		if err == nil {
			order.Version++
			return order, nil
		}
		if !domain.IsVersionConflict(err) || attempt+1 >= s.opts.ConflictRetries {
			return domain.Order{}, fmt.Errorf("save order %s: %w", orderID, err)
		}

		s.opts.Logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt + 1,
			"version":  order.Version,
		}).Warn("version conflict detected, retrying")

		delay := s.opts.RetryBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return domain.Order{}, fmt.Errorf("save order %s: %w", orderID, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (s *Service) emit(orderID, eventType string, payload map[string]any) {
	if s.opts.Outbox == nil {
		return
	}
	msg, err := domain.NewOrderEvent(orderID, eventType, payload, s.opts.Now())
	if err == nil {
		_, err = s.opts.Outbox.Enqueue(msg)
	}
	if err != nil {
		s.opts.Logger.WithError(err).WithFields(log.Fields{"order_id": orderID, "event": eventType}).Error("enqueue event failed")
	}
}
