package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/order"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
)

func TestLedger_PostgresConcurrentSalesNeverOversell(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedRegistryForIntegrationTest(t, store)
	svc := stock.NewService(store, NewRegistry(store))
	ctx := context.Background()
	holder := domain.PharmacyHolder("retailer-1")

	if _, err := svc.RecordMovement(ctx, stock.RecordCommand{
		Holder: holder, BatchID: "lot-1", Kind: domain.MovementImport, Quantity: 10, ActorID: "importer",
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		shortfall int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessRetailSale(ctx, stock.SaleCommand{Holder: holder, BatchID: "lot-1", Quantity: 3, ActorID: "cashier"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				shortfall++
			default:
				t.Errorf("unexpected sale error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || shortfall != 5 {
		t.Fatalf("expected 3 sales and 5 shortfalls, got %d/%d", succeeded, shortfall)
	}
	balance, err := svc.GetBalance(ctx, holder, "lot-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestLedger_PostgresMovementsAreInsertOnly(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedRegistryForIntegrationTest(t, store)
	svc := stock.NewService(store, NewRegistry(store))
	ctx := context.Background()

	m, err := svc.RecordMovement(ctx, stock.RecordCommand{
		Holder: domain.PharmacyHolder("retailer-1"), BatchID: "lot-1", Kind: domain.MovementImport, Quantity: 5, ActorID: "importer",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	_, err = store.DB().ExecContext(ctx, `UPDATE stock_movements SET quantity = 500 WHERE id = $1`, m.ID)
	if !errors.Is(classify(ctx, err), domain.ErrImmutableRecord) {
		t.Fatalf("expected trigger to reject update, got %v", err)
	}
	_, err = store.DB().ExecContext(ctx, `DELETE FROM stock_movements WHERE id = $1`, m.ID)
	if !errors.Is(classify(ctx, err), domain.ErrImmutableRecord) {
		t.Fatalf("expected trigger to reject delete, got %v", err)
	}

	err = store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Movements().Append(ctx, m)
		return err
	})
	if !errors.Is(err, domain.ErrImmutableRecord) {
		t.Fatalf("expected duplicate id to be immutable violation, got %v", err)
	}
}

func TestLedger_PostgresRegistryAndUsability(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedRegistryForIntegrationTest(t, store)
	registry := NewRegistry(store)
	ctx := context.Background()

	lot, err := registry.GetLot(ctx, "lot-1")
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if !lot.AuthorizedPrice.Equal(decimal.RequireFromString("100")) || !lot.IsUsable(time.Now()) {
		t.Fatalf("unexpected lot: %+v", lot)
	}
	if _, err := registry.GetLot(ctx, "missing"); !errors.Is(err, domain.ErrLotNotFound) {
		t.Fatalf("expected ErrLotNotFound, got %v", err)
	}
	p, err := registry.GetPharmacy(ctx, "wholesaler-1")
	if err != nil || p.Type != domain.PharmacyWholesaler || !p.InGoodStanding() {
		t.Fatalf("unexpected pharmacy: %+v err=%v", p, err)
	}

	svc := stock.NewService(store, registry)
	_, err = svc.RecordMovement(ctx, stock.RecordCommand{
		Holder: domain.PharmacyHolder("retailer-1"), BatchID: "lot-recalled", Kind: domain.MovementImport, Quantity: 1, ActorID: "importer",
	})
	if !errors.Is(err, domain.ErrLotNotUsable) {
		t.Fatalf("expected ErrLotNotUsable, got %v", err)
	}
}

func TestLedger_PostgresOrderDeliveryFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedRegistryForIntegrationTest(t, store)
	registry := NewRegistry(store)
	ctx := context.Background()

	stockSvc := stock.NewService(store, registry)
	ledger := credit.NewLedger(store, registry)
	orders := order.NewService(store, registry, registry, stockSvc, ledger)

	if _, err := stockSvc.RecordMovement(ctx, stock.RecordCommand{
		Holder: domain.PharmacyHolder("wholesaler-1"), BatchID: "lot-1", Kind: domain.MovementImport, Quantity: 100, ActorID: "importer",
	}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := ledger.OpenCreditLine(ctx, "retailer-1", decimal.RequireFromString("1000000"), "admin"); err != nil {
		t.Fatalf("open credit line: %v", err)
	}

	created, err := orders.Create(ctx, order.CreateCommand{
		SellerID: "wholesaler-1", BuyerID: "retailer-1", ActorID: "buyer",
		Items: []order.ItemInput{{BatchID: "lot-1", Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := orders.Submit(ctx, created.ID, "buyer"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := orders.Approve(ctx, created.ID, "seller", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := orders.Ship(ctx, created.ID, "seller"); err != nil {
		t.Fatalf("ship: %v", err)
	}
	delivered, err := orders.Deliver(ctx, created.ID, "buyer")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.Items[0].QuantityDelivered != 10 {
		t.Fatalf("unexpected delivered order: %+v", delivered)
	}

	sellerBalance, _ := stockSvc.GetBalance(ctx, domain.PharmacyHolder("wholesaler-1"), "lot-1")
	buyerBalance, _ := stockSvc.GetBalance(ctx, domain.PharmacyHolder("retailer-1"), "lot-1")
	if sellerBalance != 90 || buyerBalance != 10 {
		t.Fatalf("unexpected balances: seller=%d buyer=%d", sellerBalance, buyerBalance)
	}

	line, err := ledger.Get(ctx, "retailer-1")
	if err != nil {
		t.Fatalf("get credit: %v", err)
	}
	if !line.ReservedBalance.IsZero() || !line.CurrentBalance.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("unexpected credit after delivery: %+v", line)
	}

	entries, err := store.ListByObject(ctx, domain.AuditModelOrder, created.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 5 || entries[4].NewValues["status"] != "DELIVERED" {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}

	pending, err := NewOutboxRepository(store).PullPending(100)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	if len(pending) == 0 {
		t.Fatal("expected outbox events for the order lifecycle")
	}
}

func TestLedger_PostgresLockTimeout(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	key := domain.NewStockKey(domain.PharmacyHolder("retailer-1"), "lot-1")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			if err := tx.LockStock(ctx, key); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.LockStock(ctx, key)
	})
	close(release)

	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder transaction: %v", err)
	}
}
