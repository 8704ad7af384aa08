// Package httpapi публикует сценарии заказа через HTTP (gin).
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// OrderService — сценарии заказа, которые нужны обработчикам (order.Service).
type OrderService interface {
	Create(ctx context.Context, userID string) (domain.Order, error)
	Find(ctx context.Context, orderID string) (domain.Order, error)
	Remove(ctx context.Context, orderID string) error
	AddItem(ctx context.Context, orderID, itemID string) (domain.Order, error)
	RemoveItem(ctx context.Context, orderID, itemID string) (domain.Order, error)
	Checkout(ctx context.Context, orderID string) (domain.Order, error)
}

// Handler обслуживает маршруты заказа.
type Handler struct {
	orders OrderService
	logger *log.Entry
}

// NewHandler создаёт обработчик.
func NewHandler(orders OrderService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	return &Handler{orders: orders, logger: logger}
}

// RegisterRoutes вешает маршруты заказа на router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/create/:user_id", h.CreateOrder)
	router.DELETE("/remove/:order_id", h.RemoveOrder)
	router.GET("/find/:order_id", h.FindOrder)
	router.POST("/addItem/:order_id/:item_id", h.AddItem)
	router.DELETE("/removeItem/:order_id/:item_id", h.RemoveItem)
	router.POST("/checkout/:order_id", h.Checkout)
}

type orderResponse struct {
	OrderID   string       `json:"order_id"`
	UserID    string       `json:"user_id"`
	Items     domain.Lines `json:"items"`
	Paid      bool         `json:"paid"`
	TotalCost int64        `json:"total_cost"`
}

func toOrderResponse(order domain.Order) orderResponse {
	items := order.Items
	if items == nil {
		items = domain.Lines{}
	}
	return orderResponse{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Items:     items,
		Paid:      order.Paid,
		TotalCost: order.TotalCost,
	}
}

type messageResponse struct {
	Message   string `json:"message"`
	TotalCost *int64 `json:"total_cost,omitempty"`
}

// CreateOrder — POST /create/:user_id.
func (h *Handler) CreateOrder(c *gin.Context) {
	order, err := h.orders.Create(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, "create order", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": order.ID})
}

// RemoveOrder — DELETE /remove/:order_id.
func (h *Handler) RemoveOrder(c *gin.Context) {
	orderID := c.Param("order_id")
	if err := h.orders.Remove(c.Request.Context(), orderID); err != nil {
		h.fail(c, "remove order", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{
		Message: fmt.Sprintf("The order with id %s is removed successfully.", orderID),
	})
}

// FindOrder — GET /find/:order_id.
func (h *Handler) FindOrder(c *gin.Context) {
	order, err := h.orders.Find(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.fail(c, "find order", err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// AddItem — POST /addItem/:order_id/:item_id.
func (h *Handler) AddItem(c *gin.Context) {
	orderID, itemID := c.Param("order_id"), c.Param("item_id")
	order, err := h.orders.AddItem(c.Request.Context(), orderID, itemID)
	if err != nil {
		h.fail(c, "add item", err)
		return
	}
	total := order.TotalCost
	c.JSON(http.StatusOK, messageResponse{
		Message:   fmt.Sprintf("A new item %s is added to order %s, total cost becomes %d", itemID, orderID, total),
		TotalCost: &total,
	})
}

// RemoveItem — DELETE /removeItem/:order_id/:item_id.
func (h *Handler) RemoveItem(c *gin.Context) {
	orderID, itemID := c.Param("order_id"), c.Param("item_id")
	order, err := h.orders.RemoveItem(c.Request.Context(), orderID, itemID)
	if err != nil {
		h.fail(c, "remove item", err)
		return
	}
	total := order.TotalCost
	c.JSON(http.StatusOK, messageResponse{
		Message:   fmt.Sprintf("The item %s is removed from order %s successfully!", itemID, orderID),
		TotalCost: &total,
	})
}

// Checkout — POST /checkout/:order_id.
func (h *Handler) Checkout(c *gin.Context) {
	orderID := c.Param("order_id")
	if _, err := h.orders.Checkout(c.Request.Context(), orderID); err != nil {
		h.fail(c, "checkout", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{
		Message: fmt.Sprintf("The order %s is paid successfully.", orderID),
	})
}

func (h *Handler) fail(c *gin.Context, operation string, err error) {
	status, body := errorResponse(err)

	entry := h.logger.WithError(err).WithFields(log.Fields{
		"operation": operation,
		"status":    status,
		"kind":      body.Kind,
		"order_id":  c.Param("order_id"),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	c.JSON(status, body)
}
