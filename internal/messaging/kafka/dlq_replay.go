package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultReplayLimit       = 100
	defaultReplayIdleTimeout = 2 * time.Second
)

// ReplayOptions задаёт параметры повторной публикации из DLQ.
type ReplayOptions struct {
	SourceTopic string
	Limit       int
	// Execute == false — dry-run: сообщения только логируются.
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
}

// ReplayStats — итог прохода по DLQ.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

// OffsetClient — часть sarama.Client, нужная для чтения границ партиций.
type OffsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

// PartitionConsumer — часть sarama.PartitionConsumer.
type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionSource открывает чтение партиции с заданного offset.
type PartitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
}

// SaramaPartitionSource адаптирует sarama.Consumer к PartitionSource.
type SaramaPartitionSource struct {
	Consumer sarama.Consumer
}

// ConsumePartition открывает партицию.
func (s SaramaPartitionSource) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

// Replayer возвращает события из DLQ в их исходные topics.
type Replayer struct {
	client   OffsetClient
	source   PartitionSource
	producer *Producer
	logger   *log.Entry
}

// NewReplayer создаёт Replayer. producer может быть nil для dry-run.
func NewReplayer(client OffsetClient, source PartitionSource, producer *Producer, logger *log.Entry) *Replayer {
	if logger == nil {
		logger = log.New().WithField("component", "dlq-replay")
	}
	return &Replayer{client: client, source: source, producer: producer, logger: logger}
}

// OpenReplayer подключается к брокерам. Возвращённая функция закрывает соединения.
func OpenReplayer(brokers []string, execute bool, logger *log.Entry) (*Replayer, func() error, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, consumerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	var producer *Producer
	if execute {
		producer, err = NewProducer(brokers, logger)
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, nil, err
		}
	}

	closeAll := func() error {
		var errs []error
		if producer != nil {
			errs = append(errs, producer.Close())
		}
		errs = append(errs, consumer.Close(), client.Close())
		return errors.Join(errs...)
	}
	return NewReplayer(client, SaramaPartitionSource{Consumer: consumer}, producer, logger), closeAll, nil
}

// Run сканирует DLQ по всем партициям, пока не наберётся Limit сообщений.
func (r *Replayer) Run(ctx context.Context, opts ReplayOptions) (ReplayStats, error) {
	opts = normalizeReplayOptions(opts)
	if r.client == nil || r.source == nil {
		return ReplayStats{}, fmt.Errorf("kafka client and consumer are required")
	}
	if opts.Execute && r.producer == nil {
		return ReplayStats{}, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(opts.SourceTopic)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("get partitions for topic %s: %w", opts.SourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total ReplayStats
	for _, partition := range partitions {
		if total.Processed >= opts.Limit {
			break
		}
		stats, err := r.replayPartition(ctx, opts, partition, opts.Limit-total.Processed)
		total.Processed += stats.Processed
		total.Replayed += stats.Replayed
		total.Skipped += stats.Skipped
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"source_topic": opts.SourceTopic,
		"execute":      opts.Execute,
		"processed":    total.Processed,
		"replayed":     total.Replayed,
		"skipped":      total.Skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func normalizeReplayOptions(opts ReplayOptions) ReplayOptions {
	if opts.SourceTopic == "" {
		opts.SourceTopic = TopicDeadLetterQueue
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultReplayLimit
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultReplayIdleTimeout
	}
	return opts
}

func (r *Replayer) replayPartition(ctx context.Context, opts ReplayOptions, partition int32, limit int) (ReplayStats, error) {
	var stats ReplayStats

	oldest, err := r.client.GetOffset(opts.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(opts.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if opts.FromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := r.source.ConsumePartition(opts.SourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

			stats.Processed++
			if err := r.replayMessage(opts, msg); err != nil {
				if errors.Is(err, errUnsupportedLetter) {
					stats.Skipped++
					r.logger.WithError(err).WithFields(log.Fields{
						"partition": msg.Partition,
						"offset":    msg.Offset,
					}).Warn("skip unsupported dlq message")
					continue
				}
				return stats, err
			}
			stats.Replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

var errUnsupportedLetter = errors.New("unsupported dlq message")

func (r *Replayer) replayMessage(opts ReplayOptions, msg *sarama.ConsumerMessage) error {
	letter, err := DecodeDeadLetter(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnsupportedLetter, err)
	}

	target := letter.OriginalTopic
	if target == "" {
		target = TopicFor(letter.AggregateType)
	}
	fields := log.Fields{
		"partition":    msg.Partition,
		"offset":       msg.Offset,
		"target_topic": target,
		"outbox_id":    letter.ID,
		"event_type":   letter.EventType,
	}
	if !opts.Execute {
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return nil
	}

	envelope := letter.Envelope
	envelope.PublishedAt = time.Now().UTC()
	if err := r.producer.PublishEvent(target, envelope.Key(), envelope, map[string]string{
		HeaderEventType:     envelope.EventType,
		HeaderAggregateType: envelope.AggregateType,
	}); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	r.logger.WithFields(fields).Info("dlq message replayed")
	return nil
}
