// Package payment реализует domain.PaymentGateway поверх HTTP API платёжного сервиса.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/remote"
)

// Client ходит в платёжный сервис. Ключ платежа — пара пользователь/заказ.
type Client struct {
	remote *remote.Client
}

// NewClient оборачивает remote.Client.
func NewClient(rc *remote.Client) *Client {
	return &Client{remote: rc}
}

// Charge списывает amount. Любой 4xx трактуется как нехватка средств.
func (c *Client) Charge(ctx context.Context, userID, orderID string, amount int64) error {
	path := "/pay/" + url.PathEscape(userID) + "/" + url.PathEscape(orderID) + "/" + strconv.FormatInt(amount, 10)
	err := c.remote.Do(ctx, "pay", http.MethodPost, path, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, domain.ErrRemoteRejected):
		return fmt.Errorf("%w: %w: charge %d for order %s: %w", domain.ErrRemoteRejected, domain.ErrInsufficientFunds, amount, orderID, err)
	default:
		return fmt.Errorf("charge %d for order %s: %w", amount, orderID, err)
	}
}

// Refund отменяет платёж по заказу.
func (c *Client) Refund(ctx context.Context, userID, orderID string) error {
	path := "/cancel/" + url.PathEscape(userID) + "/" + url.PathEscape(orderID)
	if err := c.remote.Do(ctx, "cancel", http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("refund order %s: %w", orderID, err)
	}
	return nil
}

var _ domain.PaymentGateway = (*Client)(nil)
