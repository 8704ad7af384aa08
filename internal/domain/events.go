package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderAggregate — тип агрегата во всех событиях заказа.
const OrderAggregate = "order"

// NewOrderEvent строит сообщение outbox для события заказа.
// В payload добавляются order_id и ts.
func NewOrderEvent(orderID, eventType string, payload map[string]any, ts time.Time) (OutboxMessage, error) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["order_id"] = orderID
	body["ts"] = ts.UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(body)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: OrderAggregate,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
	}, nil
}
