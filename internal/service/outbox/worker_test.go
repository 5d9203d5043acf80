package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

func movementEvent(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateMovement,
		AggregateID:   "mv-" + id,
		EventType:     domain.EventMovementRecorded,
		Payload:       []byte(`{"kind":"SALE","quantity":3}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{movementEvent("msg-1")}}
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	res := worker.ProcessOnce(context.Background())

	if res != (Result{Sent: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected msg-1 marked sent, got %v", repo.sentIDs)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{movementEvent("msg-2")}}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubDeadLetters{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(3))

	res := worker.ProcessOnce(context.Background())

	if res != (Result{Failed: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected msg-2 marked failed, got %v", repo.failedIDs)
	}
	if len(dlq.events) != 1 || dlq.events[0].ID != "msg-2" {
		t.Fatalf("expected msg-2 in DLQ, got %v", dlq.events)
	}
	if dlq.errs[0] == nil {
		t.Fatal("expected publish error to travel with the dead letter")
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{movementEvent("msg-3")}}
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

func TestWorker_MetricsTrackAttemptsAndBacklog(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{movementEvent("msg-4"), movementEvent("msg-5")}}
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("transient"), nil, nil}}

	worker := NewWorker(repo, publisher, WithMetrics(metrics), WithRetryBaseDelay(0), WithMaxAttempts(2))
	worker.ProcessOnce(context.Background())

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	sent := counterWithLabel(t, families, "ledger_outbox_publish_attempts_total", "result", "sent")
	retries := counterWithLabel(t, families, "ledger_outbox_publish_attempts_total", "result", "retry_error")
	if sent != 2 || retries != 1 {
		t.Fatalf("sent=%v retry_error=%v", sent, retries)
	}
	if pending := gaugeValue(t, families, "ledger_outbox_pending_records"); pending != 2 {
		t.Fatalf("pending gauge = %v (stub keeps records pending)", pending)
	}
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)
	if first.attempts != second.attempts {
		t.Fatal("expected the already registered counter to be reused")
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_RetryBackoffDoubles(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, expected := range want {
		if got := worker.retryBackoff(i + 1); got != expected {
			t.Fatalf("attempt %d: backoff %s, want %s", i+1, got, expected)
		}
	}
}

func counterWithLabel(t *testing.T, families []*dto.MetricFamily, name, label, value string) float64 {
	t.Helper()
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats() (domain.OutboxStats, error) {
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
}

func (s *stubPublisher) Publish(_ domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type stubDeadLetters struct {
	events []domain.OutboxMessage
	errs   []error
}

func (s *stubDeadLetters) PublishDeadLetter(event domain.OutboxMessage, publishErr error) error {
	s.events = append(s.events, event)
	s.errs = append(s.errs, publishErr)
	return nil
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
	_ DeadLetterPublisher     = (*stubDeadLetters)(nil)
)
