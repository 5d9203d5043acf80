package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// movementRepositoryInMemory — журнал движений транзакции поверх зафиксированного Store.
type movementRepositoryInMemory struct {
	tx *memoryTx
}

// Append добавляет движение. Изменить его после фиксации нельзя.
func (r *movementRepositoryInMemory) Append(_ context.Context, m domain.Movement) (domain.Movement, error) {
	if err := m.Validate(); err != nil {
		return domain.Movement{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = nowUTC()
	}

	for _, staged := range r.tx.movements {
		if staged.ID == m.ID {
			return domain.Movement{}, fmt.Errorf("movement %s: %w", m.ID, domain.ErrImmutableRecord)
		}
	}
	r.tx.store.mu.RLock()
	_, exists := r.tx.store.movements[m.ID]
	r.tx.store.mu.RUnlock()
	if exists {
		return domain.Movement{}, fmt.Errorf("movement %s: %w", m.ID, domain.ErrImmutableRecord)
	}

	r.tx.movements = append(r.tx.movements, m)
	return m, nil
}

// Get ищет движение среди зафиксированных и накопленных в транзакции.
func (r *movementRepositoryInMemory) Get(_ context.Context, id string) (domain.Movement, error) {
	for _, staged := range r.tx.movements {
		if staged.ID == id {
			return staged, nil
		}
	}

	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	m, ok := r.tx.store.movements[id]
	if !ok {
		return domain.Movement{}, domain.ErrMovementNotFound
	}
	return m, nil
}

// Balance агрегирует остаток по всей истории ключа, включая записи текущей транзакции.
func (r *movementRepositoryInMemory) Balance(_ context.Context, key domain.StockKey) (int64, error) {
	r.tx.store.mu.RLock()
	balance := r.tx.store.committedBalance(key)
	r.tx.store.mu.RUnlock()

	for _, staged := range r.tx.movements {
		if staged.Key() == key {
			balance += staged.SignedQuantity()
		}
	}
	return balance, nil
}

// List возвращает движения ключа от новых к старым.
func (r *movementRepositoryInMemory) List(_ context.Context, key domain.StockKey, limit int) ([]domain.Movement, error) {
	r.tx.store.mu.RLock()
	ids := r.tx.store.byKey[key]
	history := make([]domain.Movement, 0, len(ids)+len(r.tx.movements))
	for _, id := range ids {
		history = append(history, r.tx.store.movements[id])
	}
	r.tx.store.mu.RUnlock()

	for _, staged := range r.tx.movements {
		if staged.Key() == key {
			history = append(history, staged)
		}
	}

	result := make([]domain.Movement, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		result = append(result, history[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Update всегда отказывает: движения неизменяемы.
func (r *movementRepositoryInMemory) Update(_ context.Context, m domain.Movement) error {
	return fmt.Errorf("update movement %s: %w", m.ID, domain.ErrImmutableRecord)
}

// Delete всегда отказывает: движения неизменяемы.
func (r *movementRepositoryInMemory) Delete(_ context.Context, id string) error {
	return fmt.Errorf("delete movement %s: %w", id, domain.ErrImmutableRecord)
}

var _ domain.MovementRepository = (*movementRepositoryInMemory)(nil)
