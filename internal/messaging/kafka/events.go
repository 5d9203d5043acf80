package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Topics для Kafka
const (
	TopicStockEvents     = "pharmaledger.stock.events"
	TopicOrderEvents     = "pharmaledger.b2b_order.events"
	TopicDeadLetterQueue = "pharmaledger.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
)

// Envelope — формат события ledger в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		OccurredAt:    msg.CreatedAt.UTC(),
		PublishedAt:   publishedAt.UTC(),
	}
}

// Key — ключ партиционирования: события одного агрегата идут в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// TopicFor выбирает topic по типу агрегата.
func TopicFor(aggregateType string) string {
	switch aggregateType {
	case domain.AggregateMovement:
		return TopicStockEvents
	case domain.AggregateOrder:
		return TopicOrderEvents
	default:
		return TopicStockEvents
	}
}

// DeadLetter — содержимое сообщения в DLQ: исходное событие и причина отказа.
type DeadLetter struct {
	Envelope
	OriginalTopic string    `json:"original_topic"`
	PublishError  string    `json:"publish_error"`
	FailedAt      time.Time `json:"failed_at"`
}
