package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

type fakeOffsetClient struct {
	partitions []int32
	oldest     map[int32]int64
	newest     map[int32]int64
}

func (c *fakeOffsetClient) Partitions(string) ([]int32, error) { return c.partitions, nil }

func (c *fakeOffsetClient) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return c.oldest[partition], nil
	}
	return c.newest[partition], nil
}

type fakePartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (c *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return c.messages }
func (c *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return c.errors }
func (c *fakePartitionConsumer) Close() error                             { return nil }

type fakePartitionSource struct {
	byPartition map[int32][]*sarama.ConsumerMessage
	startedAt   map[int32]int64
}

func (s *fakePartitionSource) ConsumePartition(_ string, partition int32, offset int64) (PartitionConsumer, error) {
	if s.startedAt == nil {
		s.startedAt = make(map[int32]int64)
	}
	s.startedAt[partition] = offset

	pc := &fakePartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, len(s.byPartition[partition])),
		errors:   make(chan *sarama.ConsumerError),
	}
	for _, msg := range s.byPartition[partition] {
		if msg.Offset >= offset {
			pc.messages <- msg
		}
	}
	return pc, nil
}

func deadLetterMessage(t *testing.T, partition int32, offset int64, id string) *sarama.ConsumerMessage {
	t.Helper()
	letter := DeadLetter{
		Envelope:      NewEnvelope(orderEvent(id), time.Now()),
		OriginalTopic: TopicOrderEvents,
		PublishError:  "broker down",
		FailedAt:      time.Now().UTC(),
	}
	value, err := json.Marshal(letter)
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: TopicDeadLetterQueue, Partition: partition, Offset: offset, Value: value}
}

func TestReplayer_DryRunCountsWithoutPublishing(t *testing.T) {
	client := &fakeOffsetClient{
		partitions: []int32{1, 0},
		oldest:     map[int32]int64{0: 0, 1: 0},
		newest:     map[int32]int64{0: 2, 1: 1},
	}
	source := &fakePartitionSource{byPartition: map[int32][]*sarama.ConsumerMessage{
		0: {deadLetterMessage(t, 0, 0, "a"), {Partition: 0, Offset: 1, Value: []byte("garbage")}},
		1: {deadLetterMessage(t, 1, 0, "b")},
	}}

	stats, err := NewReplayer(client, source, nil, testLogger()).Run(context.Background(), ReplayOptions{IdleTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats != (ReplayStats{Processed: 3, Replayed: 2, Skipped: 1}) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReplayer_ExecuteRepublishesToOriginalTopic(t *testing.T) {
	client := &fakeOffsetClient{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 1},
	}
	source := &fakePartitionSource{byPartition: map[int32][]*sarama.ConsumerMessage{
		0: {deadLetterMessage(t, 0, 0, "outbox-9")},
	}}

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("replayed to " + msg.Topic)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var env map[string]any
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		if _, leaked := env["publish_error"]; leaked {
			return errors.New("dlq fields leaked into replayed event")
		}
		if env["id"] != "outbox-9" {
			return errors.New("unexpected id")
		}
		return nil
	})

	replayer := NewReplayer(client, source, NewProducerFromSync(mockProducer, testLogger()), testLogger())
	stats, err := replayer.Run(context.Background(), ReplayOptions{Execute: true, IdleTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Replayed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReplayer_LimitAndFromNewest(t *testing.T) {
	client := &fakeOffsetClient{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 3},
	}
	source := &fakePartitionSource{byPartition: map[int32][]*sarama.ConsumerMessage{
		0: {deadLetterMessage(t, 0, 0, "a"), deadLetterMessage(t, 0, 1, "b"), deadLetterMessage(t, 0, 2, "c")},
	}}

	stats, err := NewReplayer(client, source, nil, testLogger()).Run(context.Background(), ReplayOptions{
		Limit: 1, FromNewest: true, IdleTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Processed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if source.startedAt[0] != 2 {
		t.Fatalf("start offset = %d, want 2", source.startedAt[0])
	}
}

func TestReplayer_ExecuteRequiresProducer(t *testing.T) {
	_, err := NewReplayer(&fakeOffsetClient{}, &fakePartitionSource{}, nil, testLogger()).Run(context.Background(), ReplayOptions{Execute: true})
	if err == nil {
		t.Fatal("expected error without producer")
	}
}
