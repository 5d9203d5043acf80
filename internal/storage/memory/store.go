package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Store — in-memory бэкенд ядра для локальной разработки и тестов.
// Транзакция копит записи у себя и применяет их к Store одним шагом при фиксации,
// поэтому незафиксированные изменения не видны другим транзакциям.
type Store struct {
	mu sync.RWMutex

	movements map[string]domain.Movement
	byKey     map[domain.StockKey][]string
	orders    map[string]domain.Order
	credits   map[string]domain.Credit
	audit     []domain.AuditEntry

	locks  *keyedLocks
	outbox *outboxRepositoryInMemory
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		movements: make(map[string]domain.Movement),
		byKey:     make(map[domain.StockKey][]string),
		orders:    make(map[string]domain.Order),
		credits:   make(map[string]domain.Credit),
		locks:     newKeyedLocks(),
		outbox:    NewOutboxRepository(),
	}
}

// Outbox возвращает репозиторий outbox, в который транзакции публикуют события.
func (s *Store) Outbox() *outboxRepositoryInMemory {
	return s.outbox
}

// Do выполняет fn в транзакции. Блокировки, взятые транзакцией, снимаются после
// фиксации или отката.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx := newTx(s)
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return s.commit(tx)
}

// commit проверяет конфликты и применяет накопленные записи атомарно.
func (s *Store) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range tx.movements {
		if _, exists := s.movements[m.ID]; exists {
			return fmt.Errorf("movement %s: %w", m.ID, domain.ErrImmutableRecord)
		}
	}
	for id := range tx.createdOrders {
		if _, exists := s.orders[id]; exists {
			return fmt.Errorf("order %s: %w", id, domain.ErrVersionConflict)
		}
	}
	for id, staged := range tx.orders {
		if tx.createdOrders[id] {
			continue
		}
		current, ok := s.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		if current.Version != tx.baseVersions[id] {
			return fmt.Errorf("order %s: %w", staged.ID, domain.ErrVersionConflict)
		}
	}

	for _, m := range tx.movements {
		s.movements[m.ID] = m
		key := m.Key()
		s.byKey[key] = append(s.byKey[key], m.ID)
	}
	for id, order := range tx.orders {
		s.orders[id] = order.Clone()
	}
	for id, credit := range tx.credits {
		s.credits[id] = credit
	}
	s.audit = append(s.audit, tx.audit...)
	for _, msg := range tx.outbox {
		s.outbox.enqueue(msg)
	}
	return nil
}

// committedBalance суммирует зафиксированные движения ключа. Вызывается под s.mu.
func (s *Store) committedBalance(key domain.StockKey) int64 {
	var balance int64
	for _, id := range s.byKey[key] {
		balance += s.movements[id].SignedQuantity()
	}
	return balance
}

// ListByObject возвращает записи аудита объекта в хронологическом порядке.
func (s *Store) ListByObject(_ context.Context, model, objectID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEntry, 0)
	for _, entry := range s.audit {
		if entry.Model == model && entry.ObjectID == objectID {
			result = append(result, entry)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// MovementCount возвращает число зафиксированных движений.
func (s *Store) MovementCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.movements)
}

func visibleOrder(o domain.Order) bool {
	return !o.Deleted
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

var (
	_ domain.UnitOfWork  = (*Store)(nil)
	_ domain.AuditReader = (*Store)(nil)
)
