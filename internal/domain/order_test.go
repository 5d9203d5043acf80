package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// helper для создания черновика с двумя позициями.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:       "order-1",
		SellerID: "wholesaler-1",
		BuyerID:  "retailer-1",
		Status:   domain.OrderStatusDraft,
		Items: []domain.OrderItem{
			{ID: "item-1", BatchID: "lot-1", QuantityOrdered: 10, UnitPrice: decimal.RequireFromString("100.50"), CreatedAt: now},
			{ID: "item-2", BatchID: "lot-2", QuantityOrdered: 3, UnitPrice: decimal.NewFromInt(20), CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRecomputeTotalSkipsDeletedItems(t *testing.T) {
	order := makeOrder()
	if got := order.RecomputeTotal(); !got.Equal(decimal.RequireFromString("1065")) {
		t.Fatalf("unexpected total %s", got)
	}

	order.Items[1].Deleted = true
	if got := order.RecomputeTotal(); !got.Equal(decimal.RequireFromString("1005")) {
		t.Fatalf("unexpected total after delete %s", got)
	}
	if len(order.ActiveItems()) != 1 {
		t.Fatalf("expected one active item, got %d", len(order.ActiveItems()))
	}
}

func TestCanTransitionTable(t *testing.T) {
	all := []domain.OrderStatus{
		domain.OrderStatusDraft, domain.OrderStatusSubmitted, domain.OrderStatusApproved,
		domain.OrderStatusInTransit, domain.OrderStatusDelivered, domain.OrderStatusCancelled,
		domain.OrderStatusRejected,
	}
	allowed := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusDraft:     {domain.OrderStatusSubmitted, domain.OrderStatusCancelled},
		domain.OrderStatusSubmitted: {domain.OrderStatusApproved, domain.OrderStatusRejected, domain.OrderStatusCancelled},
		domain.OrderStatusApproved:  {domain.OrderStatusInTransit, domain.OrderStatusCancelled},
		domain.OrderStatusInTransit: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := domain.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	for _, terminal := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRejected} {
		if !terminal.Terminal() {
			t.Errorf("%s must be terminal", terminal)
		}
	}
}

func TestTransitionToRejectsDraftToDelivered(t *testing.T) {
	order := makeOrder()
	err := order.TransitionTo(domain.OrderStatusDelivered)
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if order.Status != domain.OrderStatusDraft {
		t.Fatalf("status must stay DRAFT, got %s", order.Status)
	}
}

func TestCloneDoesNotShareItems(t *testing.T) {
	order := makeOrder()
	cp := order.Clone()
	cp.Items[0].QuantityDelivered = 10

	if order.Items[0].QuantityDelivered != 0 {
		t.Fatal("clone must not share item slice")
	}
}

func TestOrderStatusValid(t *testing.T) {
	if domain.OrderStatus("SHIPPED").Valid() {
		t.Fatal("unknown status must be invalid")
	}
	if !domain.OrderStatusInTransit.Valid() {
		t.Fatal("IN_TRANSIT must be valid")
	}
}
