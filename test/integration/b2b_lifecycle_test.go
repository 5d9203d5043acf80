package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	grpcsvc "github.com/vladislavdragonenkov/pharmaledger/internal/service/grpc"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/order"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
	"github.com/vladislavdragonenkov/pharmaledger/internal/storage/memory"
)

const (
	wholesalerID = "wholesaler-1"
	retailerID   = "retailer-1"
	lotID        = "lot-amoxicillin-500"
	actorID      = "integration"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) eventTypes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range p.events {
		counts[e.EventType]++
	}
	return counts
}

// B2BLifecycleTestSuite гоняет сценарии через gRPC поверх in-memory хранилища.
type B2BLifecycleTestSuite struct {
	suite.Suite

	store     *memory.Store
	client    *grpcsvc.LedgerClient
	publisher *recordingPublisher
	worker    *outbox.Worker
	keySeq    atomic.Int64
}

func TestB2BLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(B2BLifecycleTestSuite))
}

func (s *B2BLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.store = memory.NewStore()
	registry := memory.NewRegistry()
	registry.PutLot(domain.Lot{
		ID:              lotID,
		MedicineID:      "amoxicillin",
		Status:          domain.LotStatusActive,
		ExpiryDate:      time.Now().UTC().AddDate(1, 0, 0),
		AuthorizedPrice: decimal.RequireFromString("4.20"),
	})
	registry.PutPharmacy(domain.Pharmacy{ID: wholesalerID, Type: domain.PharmacyWholesaler, Status: domain.PharmacyStatusApproved})
	registry.PutPharmacy(domain.Pharmacy{ID: retailerID, Type: domain.PharmacyRetailer, Status: domain.PharmacyStatusApproved})

	stockService := stock.NewService(s.store, registry, stock.WithLogger(logger))
	ledger := credit.NewLedger(s.store, registry, credit.WithLogger(logger))
	orders := order.NewService(s.store, registry, registry, stockService, ledger, order.WithLogger(logger))
	svc := grpcsvc.NewLedgerService(stockService, orders, ledger, s.store, memory.NewIdempotencyRepository(), logger)

	s.publisher = &recordingPublisher{}
	s.worker = outbox.NewWorker(s.store.Outbox(), s.publisher, outbox.WithLogger(logger), outbox.WithBatchSize(500))

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	grpcsvc.RegisterLedgerServer(server, svc)
	go func() {
		_ = server.Serve(listener)
	}()
	s.T().Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	s.client = grpcsvc.NewLedgerClient(conn)
}

func (s *B2BLifecycleTestSuite) mutate(method string, fields map[string]any) (map[string]any, error) {
	key := fmt.Sprintf("it-%d", s.keySeq.Add(1))
	ctx := metadata.AppendToOutgoingContext(context.Background(), grpcsvc.IdempotencyKeyHeader, key)
	return s.client.Call(ctx, method, fields)
}

func (s *B2BLifecycleTestSuite) query(method string, fields map[string]any) map[string]any {
	resp, err := s.client.Call(context.Background(), method, fields)
	s.Require().NoError(err)
	return resp
}

func pharmacy(id string) map[string]any {
	return map[string]any{"kind": "PHARMACY", "id": id}
}

func (s *B2BLifecycleTestSuite) importStock(holderID string, qty int) {
	_, err := s.mutate(grpcsvc.MethodRecordMovement, map[string]any{
		"holder": pharmacy(holderID), "batch_id": lotID, "kind": "IMPORT", "quantity": qty, "actor_id": actorID,
	})
	s.Require().NoError(err)
}

func (s *B2BLifecycleTestSuite) balance(holderID string) int64 {
	resp := s.query(grpcsvc.MethodGetBalance, map[string]any{"holder": pharmacy(holderID), "batch_id": lotID})
	return int64(resp["balance"].(float64))
}

func (s *B2BLifecycleTestSuite) credit() map[string]any {
	resp := s.query(grpcsvc.MethodGetCredit, map[string]any{"pharmacy_id": retailerID})
	return resp["credit"].(map[string]any)
}

func (s *B2BLifecycleTestSuite) orderAction(method, orderID string) map[string]any {
	resp, err := s.mutate(method, map[string]any{"order_id": orderID, "actor_id": actorID})
	s.Require().NoError(err, method)
	return resp["order"].(map[string]any)
}

func (s *B2BLifecycleTestSuite) createOrder(qty int) string {
	resp, err := s.mutate(grpcsvc.MethodCreateOrder, map[string]any{
		"seller_id": wholesalerID,
		"buyer_id":  retailerID,
		"items":     []any{map[string]any{"batch_id": lotID, "quantity": qty, "unit_price": "4.00"}},
		"actor_id":  actorID,
	})
	s.Require().NoError(err)
	created := resp["order"].(map[string]any)
	s.Equal("DRAFT", created["status"])
	return created["id"].(string)
}

func (s *B2BLifecycleTestSuite) TestDeliveredOrderMovesStockAndSettlesCredit() {
	s.importStock(wholesalerID, 100)
	_, err := s.mutate(grpcsvc.MethodOpenCreditLine, map[string]any{
		"pharmacy_id": retailerID, "credit_limit": "1000", "actor_id": actorID,
	})
	s.Require().NoError(err)

	orderID := s.createOrder(25)
	s.orderAction(grpcsvc.MethodSubmitOrder, orderID)
	approved := s.orderAction(grpcsvc.MethodApproveOrder, orderID)
	s.Equal("100", approved["credit_used"])
	s.Equal("100", s.credit()["reserved_balance"])

	s.orderAction(grpcsvc.MethodShipOrder, orderID)
	s.Equal(int64(100), s.balance(wholesalerID), "stock moves only on delivery")

	delivered := s.orderAction(grpcsvc.MethodDeliverOrder, orderID)
	s.Equal("DELIVERED", delivered["status"])

	s.Equal(int64(75), s.balance(wholesalerID))
	s.Equal(int64(25), s.balance(retailerID))
	line := s.credit()
	s.Equal("0", line["reserved_balance"])
	s.Equal("100", line["current_balance"])
	s.Equal("900", line["available"])

	trail := s.query(grpcsvc.MethodListAuditTrail, map[string]any{"model": domain.AuditModelOrder, "object_id": orderID})
	s.Len(trail["entries"].([]any), 5, "create plus four status changes")

	_, err = s.mutate(grpcsvc.MethodCancelOrder, map[string]any{"order_id": orderID, "actor_id": actorID})
	s.Equal(codes.FailedPrecondition, status.Code(err))

	result := s.worker.ProcessOnce(context.Background())
	s.Zero(result.Failed)
	counts := s.publisher.eventTypes()
	s.Equal(1, counts[domain.EventOrderCreated])
	s.Equal(4, counts[domain.EventOrderStatusChanged])
	s.Positive(counts[domain.EventTransferCompleted])
	s.Empty(s.store.Outbox().AllPending())
}

func (s *B2BLifecycleTestSuite) TestShortfallOnDeliveryKeepsOrderInTransit() {
	s.importStock(wholesalerID, 10)
	_, err := s.mutate(grpcsvc.MethodOpenCreditLine, map[string]any{
		"pharmacy_id": retailerID, "credit_limit": "500", "actor_id": actorID,
	})
	s.Require().NoError(err)

	orderID := s.createOrder(30)
	for _, method := range []string{grpcsvc.MethodSubmitOrder, grpcsvc.MethodApproveOrder, grpcsvc.MethodShipOrder} {
		s.orderAction(method, orderID)
	}

	_, err = s.mutate(grpcsvc.MethodDeliverOrder, map[string]any{"order_id": orderID, "actor_id": actorID})
	s.Require().Error(err)
	s.Equal(codes.FailedPrecondition, status.Code(err))
	s.Equal("BUSINESS_RULE_VIOLATION", grpcsvc.ReasonFromError(err))

	current := s.query(grpcsvc.MethodGetOrder, map[string]any{"order_id": orderID})["order"].(map[string]any)
	s.Equal("IN_TRANSIT", current["status"])
	s.Equal(int64(10), s.balance(wholesalerID))
	s.Equal(int64(0), s.balance(retailerID))
	s.Equal("120", s.credit()["reserved_balance"])

	s.orderAction(grpcsvc.MethodCancelOrder, orderID)
	s.Equal("0", s.credit()["reserved_balance"])
}

func (s *B2BLifecycleTestSuite) TestConcurrentSalesNeverOversell() {
	const (
		stockOnHand = 10
		attempts    = 30
	)
	s.importStock(retailerID, stockOnHand)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.mutate(grpcsvc.MethodProcessRetailSale, map[string]any{
				"holder": pharmacy(retailerID), "batch_id": lotID, "quantity": 1, "actor_id": actorID,
			})
			switch status.Code(err) {
			case codes.OK:
				succeeded.Add(1)
			case codes.Aborted:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int64(attempts), succeeded.Load()+rejected.Load(), "every sale is either applied or rejected")
	s.LessOrEqual(succeeded.Load(), int64(stockOnHand))
	s.Equal(int64(stockOnHand)-succeeded.Load(), s.balance(retailerID))
	s.GreaterOrEqual(s.balance(retailerID), int64(0))
}

func (s *B2BLifecycleTestSuite) TestConcurrentTransfersConserveStock() {
	const total = 40
	s.importStock(wholesalerID, total)

	var wg sync.WaitGroup
	for range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.mutate(grpcsvc.MethodProcessTransfer, map[string]any{
				"seller": pharmacy(wholesalerID), "buyer": pharmacy(retailerID),
				"batch_id": lotID, "quantity": 1, "actor_id": actorID,
			})
		}()
	}
	wg.Wait()

	s.Equal(int64(total), s.balance(wholesalerID)+s.balance(retailerID), "transfers never create or destroy units")
}
