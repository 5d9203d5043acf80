package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("order-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("order-2", now.Add(-time.Minute))

	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Orders().Create(ctx, order1); err != nil {
			return err
		}
		return tx.Orders().Create(ctx, order2)
	})
	if err != nil {
		t.Fatalf("create orders: %v", err)
	}

	var got domain.Order
	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		got, err = tx.Orders().Get(ctx, order1.ID)
		return err
	})
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.SellerID != order1.SellerID || got.Status != domain.OrderStatusDraft || !got.TotalAmount.Equal(order1.TotalAmount) {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Items) != 1 || !got.Items[0].UnitPrice.Equal(decimal.RequireFromString("95.50")) {
		t.Fatalf("unexpected items: %+v", got.Items)
	}

	var listed []domain.Order
	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		listed, err = tx.Orders().ListByBuyer(ctx, "retailer-1", 1)
		return err
	})
	if err != nil {
		t.Fatalf("list by buyer: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID {
		t.Fatalf("unexpected list result with limit: %+v", listed)
	}

	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		locked, err := tx.Orders().GetForUpdate(ctx, order1.ID)
		if err != nil {
			return err
		}
		locked.Status = domain.OrderStatusSubmitted
		locked.Items[0].QuantityDelivered = 0
		locked.UpdatedAt = now.Add(time.Minute)
		return tx.Orders().Save(ctx, locked)
	})
	if err != nil {
		t.Fatalf("save order: %v", err)
	}

	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		got, err = tx.Orders().Get(ctx, order1.ID)
		return err
	})
	if err != nil {
		t.Fatalf("get updated order: %v", err)
	}
	if got.Status != domain.OrderStatusSubmitted || got.Version != 1 {
		t.Fatalf("unexpected order after save: status=%s version=%d", got.Status, got.Version)
	}
}

func TestOrderRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	base := sampleOrder("order-errors", time.Now().UTC().Round(time.Microsecond))

	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Orders().Get(ctx, "missing-order")
		return err
	})
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Save(ctx, base)
	})
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save missing, got %v", err)
	}

	create := func(ctx context.Context, tx domain.Tx) error { return tx.Orders().Create(ctx, base) }
	if err := store.Do(ctx, create); err != nil {
		t.Fatalf("create base order: %v", err)
	}
	if err := store.Do(ctx, create); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on duplicate create, got %v", err)
	}

	stale := base
	stale.Version = 42
	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Save(ctx, stale)
	})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale save, got %v", err)
	}

	deleted := base
	deleted.Deleted = true
	if err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Save(ctx, deleted)
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Orders().Get(ctx, base.ID)
		return err
	})
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("soft-deleted order must be invisible, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation for code 23505")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("unexpected unique violation for non-unique code")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("plain error must not be unique violation")
	}
}

func sampleOrder(id string, createdAt time.Time) domain.Order {
	order := domain.Order{
		ID:            id,
		SellerID:      "wholesaler-1",
		BuyerID:       "retailer-1",
		Status:        domain.OrderStatusDraft,
		PaymentStatus: domain.PaymentStatusPending,
		CreditUsed:    decimal.Zero,
		Items: []domain.OrderItem{{
			ID:              id + "-item-1",
			BatchID:         "lot-1",
			QuantityOrdered: 2,
			UnitPrice:       decimal.RequireFromString("95.50"),
			CreatedAt:       createdAt,
		}},
		CreatedBy: "buyer-user",
		UpdatedBy: "buyer-user",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	order.RecomputeTotal()
	return order
}
