// Package stock реализует domain.StockGateway поверх HTTP API складского сервиса.
package stock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/remote"
)

// Client ходит в складской сервис. Одновременные FindItem по одному товару схлопываются в один запрос.
type Client struct {
	remote *remote.Client
	group  singleflight.Group
}

// NewClient оборачивает remote.Client.
func NewClient(rc *remote.Client) *Client {
	return &Client{remote: rc}
}

// FindItem возвращает цену и остаток товара. Общий запрос не зависит от отмены
// контекста первого вызывающего; каждый ждёт результат в рамках своего ctx.
func (c *Client) FindItem(ctx context.Context, itemID string) (domain.Item, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(itemID, func() (any, error) {
		var item domain.Item
		if err := c.remote.Do(shared, "find", http.MethodGet, "/find/"+url.PathEscape(itemID), &item); err != nil {
			return domain.Item{}, err
		}
		return item, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.Item{}, fmt.Errorf("find item %s: %w: %w", itemID, domain.ErrRemoteUnavailable, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		if errors.Is(res.Err, remote.ErrNotFound) {
			return domain.Item{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, itemID)
		}
		return domain.Item{}, fmt.Errorf("find item %s: %w", itemID, res.Err)
	}
	return res.Val.(domain.Item), nil
}

// Reserve списывает qty единиц. Отказ склада означает нехватку остатка.
func (c *Client) Reserve(ctx context.Context, itemID string, qty int64) error {
	err := c.remote.Do(ctx, "subtract", http.MethodPost, itemPath("/subtract/", itemID, qty), nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %w: %s", domain.ErrRemoteRejected, domain.ErrItemNotFound, itemID)
	case errors.Is(err, domain.ErrRemoteRejected):
		return fmt.Errorf("%w: reserve %d of %s: %w", domain.ErrOutOfStock, qty, itemID, err)
	default:
		return fmt.Errorf("reserve %d of %s: %w", qty, itemID, err)
	}
}

// Release возвращает qty единиц на склад.
func (c *Client) Release(ctx context.Context, itemID string, qty int64) error {
	if err := c.remote.Do(ctx, "add", http.MethodPost, itemPath("/add/", itemID, qty), nil); err != nil {
		return fmt.Errorf("release %d of %s: %w", qty, itemID, err)
	}
	return nil
}

func itemPath(prefix, itemID string, qty int64) string {
	return prefix + url.PathEscape(itemID) + "/" + strconv.FormatInt(qty, 10)
}

var _ domain.StockGateway = (*Client)(nil)
