package domain

import "time"

// Типы событий, которые ядро публикует через transactional outbox.
const (
	EventMovementRecorded   = "stock.movement.recorded"
	EventTransferCompleted  = "stock.transfer.completed"
	EventOrderCreated       = "b2b_order.created"
	EventOrderUpdated       = "b2b_order.updated"
	EventOrderStatusChanged = "b2b_order.status_changed"
)

// Типы агрегатов outbox.
const (
	AggregateMovement = "stock_movement"
	AggregateOrder    = "b2b_order"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
