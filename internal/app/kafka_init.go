package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pharmaledger/internal/messaging/kafka"
)

// kafkaRuntime — producer и паблишеры outbox/DLQ поверх него.
type kafkaRuntime struct {
	producer  *kafka.Producer
	publisher *kafka.OutboxTopicPublisher
	dlq       *kafka.DeadLetterPublisher
}

// initKafka подключает Kafka, если заданы брокеры. Без брокеров или при ошибке
// возвращает nil: события копятся в outbox до появления брокера.
func initKafka(cfg Config, logger *log.Entry) (*kafkaRuntime, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	publisher := kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return &kafkaRuntime{
		producer:  producer,
		publisher: publisher,
		dlq:       kafka.NewDeadLetterPublisher(producer, cfg.KafkaDLQTopic, publisher),
	}, nil
}

// closeKafka закрывает producer, если он был создан.
func closeKafka(rt *kafkaRuntime, logger *log.Entry) {
	if rt == nil || rt.producer == nil {
		return
	}
	if err := rt.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
