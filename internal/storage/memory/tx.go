package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// memoryTx копит записи одной транзакции до фиксации.
type memoryTx struct {
	store *Store
	held  []string
	owned map[string]bool

	movements     []domain.Movement
	orders        map[string]domain.Order
	createdOrders map[string]bool
	baseVersions  map[string]int64
	credits       map[string]domain.Credit
	audit         []domain.AuditEntry
	outbox        []domain.OutboxMessage
}

func newTx(store *Store) *memoryTx {
	return &memoryTx{
		store:         store,
		owned:         make(map[string]bool),
		orders:        make(map[string]domain.Order),
		createdOrders: make(map[string]bool),
		baseVersions:  make(map[string]int64),
		credits:       make(map[string]domain.Credit),
	}
}

// lock берёт именованную блокировку; повторный захват в той же транзакции — no-op.
func (tx *memoryTx) lock(ctx context.Context, name string) error {
	if tx.owned[name] {
		return nil
	}
	if err := tx.store.locks.acquire(ctx, name); err != nil {
		return err
	}
	tx.owned[name] = true
	tx.held = append(tx.held, name)
	return nil
}

func (tx *memoryTx) releaseLocks() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.store.locks.release(tx.held[i])
	}
	tx.held = nil
	tx.owned = map[string]bool{}
}

// LockStock блокирует ключи остатков в каноническом порядке LockID.
func (tx *memoryTx) LockStock(ctx context.Context, keys ...domain.StockKey) error {
	for _, key := range domain.CanonicalLockOrder(keys) {
		if err := tx.lock(ctx, "stock:"+key.String()); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Movements() domain.MovementRepository { return &movementRepositoryInMemory{tx: tx} }
func (tx *memoryTx) Orders() domain.OrderRepository       { return &orderRepositoryInMemory{tx: tx} }
func (tx *memoryTx) Credits() domain.CreditRepository     { return &creditRepositoryInMemory{tx: tx} }
func (tx *memoryTx) Audit() domain.AuditSink              { return tx }
func (tx *memoryTx) Outbox() domain.OutboxWriter          { return tx }

// Log добавляет запись аудита в транзакцию.
func (tx *memoryTx) Log(_ context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = nowUTC()
	}
	tx.audit = append(tx.audit, entry)
	return nil
}

// Enqueue ставит событие outbox в транзакцию.
func (tx *memoryTx) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowUTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	tx.outbox = append(tx.outbox, msg)
	return msg, nil
}

var _ domain.Tx = (*memoryTx)(nil)
