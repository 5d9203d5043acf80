package memory

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// orderRepositoryInMemory — заказы транзакции поверх зафиксированного Store.
// Мягко удалённые заказы отсекает visibleOrder.
type orderRepositoryInMemory struct {
	tx *memoryTx
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	if _, staged := r.tx.orders[order.ID]; staged {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	r.tx.store.mu.RLock()
	_, exists := r.tx.store.orders[order.ID]
	r.tx.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}

	order.Version = 0
	r.tx.orders[order.ID] = order.Clone()
	r.tx.createdOrders[order.ID] = true
	return nil
}

// Get возвращает видимый заказ или ErrOrderNotFound.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	order, ok := r.lookup(id)
	if !ok || !visibleOrder(order) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// GetForUpdate блокирует заказ до конца транзакции и возвращает его.
func (r *orderRepositoryInMemory) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	if err := r.tx.lock(ctx, "order:"+id); err != nil {
		return domain.Order{}, err
	}
	return r.Get(ctx, id)
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	current, ok := r.lookup(order.ID)
	if !ok || !visibleOrder(current) {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	if _, staged := r.tx.orders[order.ID]; !staged {
		r.tx.baseVersions[order.ID] = current.Version
	}
	// Инкрементируем версию перед сохранением.
	order.Version++
	r.tx.orders[order.ID] = order.Clone()
	return nil
}

// ListByBuyer возвращает заказы покупателя от новых к старым.
func (r *orderRepositoryInMemory) ListByBuyer(_ context.Context, buyerID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.BuyerID == buyerID }, limit), nil
}

// ListBySeller возвращает заказы продавца от новых к старым.
func (r *orderRepositoryInMemory) ListBySeller(_ context.Context, sellerID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.SellerID == sellerID }, limit), nil
}

func (r *orderRepositoryInMemory) lookup(id string) (domain.Order, bool) {
	if staged, ok := r.tx.orders[id]; ok {
		return staged.Clone(), true
	}
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	order, ok := r.tx.store.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return order.Clone(), true
}

func (r *orderRepositoryInMemory) list(match func(domain.Order) bool, limit int) []domain.Order {
	merged := make(map[string]domain.Order)

	r.tx.store.mu.RLock()
	for id, order := range r.tx.store.orders {
		merged[id] = order
	}
	r.tx.store.mu.RUnlock()
	for id, order := range r.tx.orders {
		merged[id] = order
	}

	result := make([]domain.Order, 0)
	for _, order := range merged {
		if visibleOrder(order) && match(order) {
			result = append(result, order.Clone())
		}
	}
	sortOrders(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
