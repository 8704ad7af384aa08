package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// ErrNotDeadLetter — сообщение в DLQ-топике не похоже на запись outbox-воркера.
var ErrNotDeadLetter = errors.New("message is not an outbox dead letter")

// DeadLetter — событие, которое outbox-воркер не смог доставить.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PublishError string          `json:"publish_error"`
	FailedAt     string          `json:"failed_at"`
}

// DecodeDeadLetter разбирает значение из DLQ-топика: Envelope, внутри которого DeadLetter.
func DecodeDeadLetter(value []byte) (DeadLetter, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrNotDeadLetter, err)
	}
	if len(env.Payload) == 0 {
		return DeadLetter{}, ErrNotDeadLetter
	}

	var dl DeadLetter
	if err := json.Unmarshal(env.Payload, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", env.ID, err)
	}
	if len(dl.Payload) == 0 {
		return DeadLetter{}, fmt.Errorf("dead letter %s has no original payload", env.ID)
	}
	if dl.OutboxID == "" {
		dl.OutboxID = env.ID
	}
	if dl.OrderID == "" {
		dl.OrderID = env.OrderID
	}
	if dl.EventType == "" {
		dl.EventType = env.EventType
	}
	return dl, nil
}

// Message восстанавливает исходное сообщение outbox для повторной публикации.
func (d DeadLetter) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: domain.OrderAggregate,
		AggregateID:   d.OrderID,
		EventType:     d.EventType,
		Payload:       []byte(d.Payload),
	}
}
