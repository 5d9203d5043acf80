package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл B2B-заказа между оптовиком и розницей.
type OrderStatus string

const (
	// OrderStatusDraft — заказ создан и ещё редактируется покупателем.
	OrderStatusDraft OrderStatus = "DRAFT"
	// OrderStatusSubmitted — заказ отправлен продавцу на рассмотрение.
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	// OrderStatusApproved — продавец одобрил заказ, кредит покупателя зарезервирован.
	OrderStatusApproved OrderStatus = "APPROVED"
	// OrderStatusInTransit — товар отгружен, остатки ещё не перемещены.
	OrderStatusInTransit OrderStatus = "IN_TRANSIT"
	// OrderStatusDelivered — товар принят покупателем, остатки перемещены.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected — продавец отклонил заказ.
	OrderStatusRejected OrderStatus = "REJECTED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:     {OrderStatusSubmitted, OrderStatusCancelled},
	OrderStatusSubmitted: {OrderStatusApproved, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusApproved:  {OrderStatusInTransit, OrderStatusCancelled},
	OrderStatusInTransit: {OrderStatusDelivered, OrderStatusCancelled},
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusSubmitted, OrderStatusApproved, OrderStatusInTransit,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// PaymentStatus — состояние оплаты поставленного заказа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPartial PaymentStatus = "PARTIAL"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// OrderItem — строка заказа: партия, количество и цена за единицу.
type OrderItem struct {
	ID                string
	BatchID           string
	QuantityOrdered   int64
	QuantityDelivered int64
	UnitPrice         decimal.Decimal
	Deleted           bool
	CreatedAt         time.Time
}

// LineTotal = unit_price × quantity_ordered.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.QuantityOrdered))
}

// Order агрегирует B2B-заказ и его позиции.
type Order struct {
	ID                    string
	SellerID              string
	BuyerID               string
	Status                OrderStatus
	TotalAmount           decimal.Decimal
	CreditUsed            decimal.Decimal
	PaymentStatus         PaymentStatus
	PriceOverrideApproved bool
	Notes                 string
	Items                 []OrderItem
	Deleted               bool
	Version               int64
	CreatedBy             string
	UpdatedBy             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ActiveItems возвращает позиции без признака удаления.
func (o *Order) ActiveItems() []OrderItem {
	active := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		if !item.Deleted {
			active = append(active, item)
		}
	}
	return active
}

// RecomputeTotal пересчитывает total_amount по активным позициям.
func (o *Order) RecomputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.ActiveItems() {
		total = total.Add(item.LineTotal())
	}
	o.TotalAmount = total
	return total
}

// TransitionTo переводит заказ в новый статус, если переход разрешён.
func (o *Order) TransitionTo(to OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, o.Status, to)
	}
	o.Status = to
	return nil
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	cp := o
	cp.Items = append([]OrderItem(nil), o.Items...)
	return cp
}

// Snapshot возвращает снимок полей для журнала аудита.
func (o Order) Snapshot() map[string]any {
	return map[string]any{
		"status":                  string(o.Status),
		"total_amount":            o.TotalAmount.String(),
		"credit_used":             o.CreditUsed.String(),
		"payment_status":          string(o.PaymentStatus),
		"price_override_approved": o.PriceOverrideApproved,
		"items":                   len(o.ActiveItems()),
	}
}
