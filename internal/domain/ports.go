package domain

import (
	"context"
	"time"
)

// UnitOfWork выполняет fn в одной транзакции: либо фиксируется всё, что fn записал
// через Tx, либо ничего. Ошибка fn откатывает транзакцию и возвращается как есть.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx — набор репозиториев, привязанных к одной транзакции.
type Tx interface {
	// LockStock берёт эксклюзивные блокировки ключей остатков до конца транзакции.
	// Ключи сортируются по LockID и дедуплицируются реализацией.
	LockStock(ctx context.Context, keys ...StockKey) error
	Movements() MovementRepository
	Orders() OrderRepository
	Credits() CreditRepository
	Audit() AuditSink
	Outbox() OutboxWriter
}

// MovementRepository — журнал движений только на добавление.
type MovementRepository interface {
	// Append записывает движение. Повтор ID даёт ErrImmutableRecord.
	Append(ctx context.Context, m Movement) (Movement, error)
	// Get возвращает движение или ErrMovementNotFound.
	Get(ctx context.Context, id string) (Movement, error)
	// Balance агрегирует остаток ключа: Σ приходов − Σ расходов.
	Balance(ctx context.Context, key StockKey) (int64, error)
	// List возвращает движения ключа от новых к старым.
	List(ctx context.Context, key StockKey, limit int) ([]Movement, error)
	// Update и Delete существуют только чтобы всегда отказывать с ErrImmutableRecord.
	Update(ctx context.Context, m Movement) error
	Delete(ctx context.Context, id string) error
}

// OrderRepository хранит B2B-заказы вместе с позициями.
// Мягко удалённые заказы не видны ни одному методу чтения.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate читает заказ с блокировкой записи до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	// Save применяет изменения с проверкой версии и увеличивает Version.
	Save(ctx context.Context, order Order) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]Order, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]Order, error)
}

// CreditRepository хранит кредитные линии покупателей.
type CreditRepository interface {
	Get(ctx context.Context, pharmacyID string) (Credit, error)
	// GetForUpdate читает кредитную линию с блокировкой записи.
	GetForUpdate(ctx context.Context, pharmacyID string) (Credit, error)
	Upsert(ctx context.Context, credit Credit) error
}

// AuditSink пишет записи аудита внутри текущей транзакции.
type AuditSink interface {
	Log(ctx context.Context, entry AuditEntry) error
}

// AuditReader читает журнал аудита по объекту.
type AuditReader interface {
	ListByObject(ctx context.Context, model, objectID string) ([]AuditEntry, error)
}

// OutboxWriter ставит событие в outbox внутри текущей транзакции.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// LotRegistry — внешний реестр партий, используется только для чтения.
type LotRegistry interface {
	GetLot(ctx context.Context, id string) (Lot, error)
}

// PharmacyRegistry — внешний реестр аптек, используется только для чтения.
type PharmacyRegistry interface {
	GetPharmacy(ctx context.Context, id string) (Pharmacy, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository обслуживает фоновую публикацию outbox.
type OutboxRepository interface {
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки команд по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, statusCode int) error
	MarkFailed(key string, responseBody []byte, statusCode int) error
	// Release освобождает ключ, пока он в PROCESSING; завершённые записи не трогает.
	Release(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
