package domain

import "time"

// AuditEntry — запись журнала аудита с явными снимками до и после изменения.
type AuditEntry struct {
	ID         string
	ActorID    string
	Action     string
	Model      string
	ObjectID   string
	OldValues  map[string]any
	NewValues  map[string]any
	OccurredAt time.Time
}

// Действия журнала аудита.
const (
	AuditActionCreate       = "CREATE"
	AuditActionUpdate       = "UPDATE"
	AuditActionDelete       = "DELETE"
	AuditActionStatusChange = "STATUS_CHANGE"
)

// Модели, о которых пишет журнал аудита.
const (
	AuditModelMovement = "StockMovement"
	AuditModelOrder    = "B2BOrder"
	AuditModelCredit   = "PharmacyCredit"
)
