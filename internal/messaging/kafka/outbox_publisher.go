package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Envelope — формат события заказа в топике.
type Envelope struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// OutboxPublisher пишет события outbox в один топик; ключ сообщения — идентификатор заказа,
// поэтому события одного заказа попадают в одну партицию и сохраняют порядок.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт publisher для topic (по умолчанию TopicOrderEvents).
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish отправляет событие.
func (p *OutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka publisher is not initialized", domain.ErrOutboxPublish)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	value, err := json.Marshal(Envelope{
		ID:          msg.ID,
		OrderID:     msg.AggregateID,
		EventType:   msg.EventType,
		Payload:     json.RawMessage(msg.Payload),
		PublishedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("encode outbox message %s: %w", msg.ID, err)
	}

	return p.producer.Send(p.topic, key, value, map[string]string{
		HeaderEventType: msg.EventType,
		HeaderOutboxID:  msg.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
