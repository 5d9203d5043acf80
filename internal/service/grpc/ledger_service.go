package grpcsvc

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/order"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "pharmaledger.v1.LedgerService"

const defaultListLimit = 100

// LedgerService реализует gRPC API поверх Stock Service, Credit Ledger и машины
// состояний B2B-заказа. Сообщения передаются как google.protobuf.Struct.
type LedgerService struct {
	stock    *stock.Service
	orders   *order.Service
	credit   *credit.Ledger
	audit    domain.AuditReader
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
}

// NewLedgerService конструирует сервис с зависимостями. idemRepo == nil отключает idempotency.
func NewLedgerService(
	stockService *stock.Service,
	orders *order.Service,
	ledger *credit.Ledger,
	audit domain.AuditReader,
	idemRepo domain.IdempotencyRepository,
	logger *log.Entry,
) *LedgerService {
	if logger == nil {
		logger = log.New().WithField("component", "ledger-grpc")
	}
	return &LedgerService{
		stock:    stockService,
		orders:   orders,
		credit:   ledger,
		audit:    audit,
		idemRepo: idemRepo,
		logger:   logger,
	}
}

type recordMovementRequest struct {
	Holder    holderDTO    `json:"holder"`
	BatchID   string       `json:"batch_id"`
	Kind      string       `json:"kind"`
	Quantity  int64        `json:"quantity"`
	ActorID   string       `json:"actor_id"`
	Reference referenceDTO `json:"reference"`
}

// RecordMovement записывает одно движение остатков.
func (s *LedgerService) RecordMovement(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in recordMovementRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodRecordMovement, req, func(ctx context.Context) (*structpb.Struct, error) {
		m, err := s.stock.RecordMovement(ctx, stock.RecordCommand{
			Holder:    in.Holder.toDomain(),
			BatchID:   in.BatchID,
			Kind:      domain.MovementKind(in.Kind),
			Quantity:  in.Quantity,
			ActorID:   in.ActorID,
			Reference: in.Reference.toDomain(),
		})
		if err != nil {
			return nil, s.fail(MethodRecordMovement, err)
		}
		return encodeResponse(map[string]any{"movement": movementFields(m)})
	})
}

type retailSaleRequest struct {
	Holder    holderDTO    `json:"holder"`
	BatchID   string       `json:"batch_id"`
	Quantity  int64        `json:"quantity"`
	ActorID   string       `json:"actor_id"`
	Reference referenceDTO `json:"reference"`
}

// ProcessRetailSale записывает розничную продажу (SALE).
func (s *LedgerService) ProcessRetailSale(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in retailSaleRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodProcessRetailSale, req, func(ctx context.Context) (*structpb.Struct, error) {
		m, err := s.stock.ProcessRetailSale(ctx, stock.SaleCommand{
			Holder:    in.Holder.toDomain(),
			BatchID:   in.BatchID,
			Quantity:  in.Quantity,
			ActorID:   in.ActorID,
			Reference: in.Reference.toDomain(),
		})
		if err != nil {
			return nil, s.fail(MethodProcessRetailSale, err)
		}
		return encodeResponse(map[string]any{"movement": movementFields(m)})
	})
}

type transferRequest struct {
	Seller    holderDTO    `json:"seller"`
	Buyer     holderDTO    `json:"buyer"`
	BatchID   string       `json:"batch_id"`
	Quantity  int64        `json:"quantity"`
	ActorID   string       `json:"actor_id"`
	Reference referenceDTO `json:"reference"`
}

// ProcessTransfer переводит количество партии от продавца к покупателю.
func (s *LedgerService) ProcessTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in transferRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodProcessTransfer, req, func(ctx context.Context) (*structpb.Struct, error) {
		t, err := s.stock.ProcessTransfer(ctx, stock.TransferCommand{
			Seller:    in.Seller.toDomain(),
			Buyer:     in.Buyer.toDomain(),
			BatchID:   in.BatchID,
			Quantity:  in.Quantity,
			ActorID:   in.ActorID,
			Reference: in.Reference.toDomain(),
		})
		if err != nil {
			return nil, s.fail(MethodProcessTransfer, err)
		}
		return encodeResponse(transferFields(t))
	})
}

type stockKeyRequest struct {
	Holder  holderDTO `json:"holder"`
	BatchID string    `json:"batch_id"`
	Limit   int       `json:"limit"`
}

// GetBalance возвращает остаток пары (владелец, партия).
func (s *LedgerService) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in stockKeyRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	balance, err := s.stock.GetBalance(ctx, in.Holder.toDomain(), in.BatchID)
	if err != nil {
		return nil, s.fail(MethodGetBalance, err)
	}
	return encodeResponse(map[string]any{
		"holder":   map[string]any{"kind": in.Holder.Kind, "id": in.Holder.ID},
		"batch_id": in.BatchID,
		"balance":  balance,
	})
}

// ListMovements возвращает историю движений пары от новых к старым.
func (s *LedgerService) ListMovements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in stockKeyRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = defaultListLimit
	}
	list, err := s.stock.ListMovements(ctx, in.Holder.toDomain(), in.BatchID, in.Limit)
	if err != nil {
		return nil, s.fail(MethodListMovements, err)
	}
	movements := make([]any, 0, len(list))
	for _, m := range list {
		movements = append(movements, movementFields(m))
	}
	return encodeResponse(map[string]any{"movements": movements})
}

type openCreditLineRequest struct {
	PharmacyID  string          `json:"pharmacy_id"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	ActorID     string          `json:"actor_id"`
}

// OpenCreditLine создаёт кредитную линию аптеки или меняет её лимит.
func (s *LedgerService) OpenCreditLine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in openCreditLineRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.PharmacyID == "" {
		return nil, status.Error(codes.InvalidArgument, "pharmacy_id is required")
	}
	return s.withIdempotency(ctx, MethodOpenCreditLine, req, func(ctx context.Context) (*structpb.Struct, error) {
		c, err := s.credit.OpenCreditLine(ctx, in.PharmacyID, in.CreditLimit, in.ActorID)
		if err != nil {
			return nil, s.fail(MethodOpenCreditLine, err)
		}
		return encodeResponse(map[string]any{"credit": creditFields(c)})
	})
}

type pharmacyRequest struct {
	PharmacyID string `json:"pharmacy_id"`
}

// GetCredit возвращает кредитную линию и доступный остаток.
func (s *LedgerService) GetCredit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in pharmacyRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.PharmacyID == "" {
		return nil, status.Error(codes.InvalidArgument, "pharmacy_id is required")
	}
	c, err := s.credit.Get(ctx, in.PharmacyID)
	if err != nil {
		return nil, s.fail(MethodGetCredit, err)
	}
	return encodeResponse(map[string]any{"credit": creditFields(c)})
}

type auditTrailRequest struct {
	Model    string `json:"model"`
	ObjectID string `json:"object_id"`
}

// ListAuditTrail возвращает журнал аудита объекта в порядке записи.
func (s *LedgerService) ListAuditTrail(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in auditTrailRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.Model == "" || in.ObjectID == "" {
		return nil, status.Error(codes.InvalidArgument, "model and object_id are required")
	}
	if s.audit == nil {
		return nil, status.Error(codes.Unimplemented, "audit trail is not available")
	}
	entries, err := s.audit.ListByObject(ctx, in.Model, in.ObjectID)
	if err != nil {
		return nil, s.fail(MethodListAuditTrail, err)
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditFields(e))
	}
	return encodeResponse(map[string]any{"entries": out})
}

// fail логирует ошибку и переводит её в gRPC status.
func (s *LedgerService) fail(method string, err error) error {
	converted := toStatusError(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": method,
		"code":   status.Code(converted).String(),
		"reason": ReasonFromError(converted),
	})
	if status.Code(converted) == codes.Internal {
		entry.Error("ledger request failed")
	} else {
		entry.Debug("ledger request rejected")
	}
	return converted
}
