package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// Без явного topic сообщение уходит в topic своего агрегата (TopicFor).
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish отправляет событие в topic агрегата.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	envelope := NewEnvelope(event, time.Now())
	return p.producer.PublishEvent(p.topicFor(event), envelope.Key(), envelope, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderAggregateType: event.AggregateType,
	})
}

func (p *OutboxTopicPublisher) topicFor(event domain.OutboxMessage) string {
	if p.topic != "" {
		return p.topic
	}
	return TopicFor(event.AggregateType)
}

// DeadLetterPublisher отправляет сообщения, исчерпавшие попытки, в DLQ.
type DeadLetterPublisher struct {
	producer *Producer
	topic    string
	routes   *OutboxTopicPublisher
}

// NewDeadLetterPublisher создаёт DLQ-паблишер. routes определяет исходный topic,
// по которому replay вернёт событие.
func NewDeadLetterPublisher(producer *Producer, topic string, routes *OutboxTopicPublisher) *DeadLetterPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DeadLetterPublisher{producer: producer, topic: topic, routes: routes}
}

// PublishDeadLetter отправляет событие в DLQ вместе с ошибкой публикации.
func (p *DeadLetterPublisher) PublishDeadLetter(event domain.OutboxMessage, publishErr error) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}

	original := TopicFor(event.AggregateType)
	if p.routes != nil {
		original = p.routes.topicFor(event)
	}
	letter := DeadLetter{
		Envelope:      NewEnvelope(event, time.Now()),
		OriginalTopic: original,
		FailedAt:      time.Now().UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}
	return p.producer.PublishEvent(p.topic, letter.Key(), letter, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderOriginalTopic: original,
		HeaderErrorMessage:  letter.PublishError,
	})
}

// DecodeDeadLetter разбирает сообщение из DLQ.
func DecodeDeadLetter(value []byte) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(value, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if letter.ID == "" || len(letter.Payload) == 0 {
		return DeadLetter{}, fmt.Errorf("dead letter has no original event")
	}
	return letter, nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
