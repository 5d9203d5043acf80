package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/metrics"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
)

// ReferenceType помечает движения, вызванные доставкой B2B-заказа.
const ReferenceType = "B2BOrder"

const defaultListLimit = 50

// ItemInput — позиция в команде создания или обновления черновика.
// UnitPrice == nil означает авторизованную цену партии.
type ItemInput struct {
	BatchID   string `validate:"required"`
	Quantity  int64
	UnitPrice *decimal.Decimal
}

// CreateCommand — создание черновика заказа.
type CreateCommand struct {
	SellerID              string `validate:"required"`
	BuyerID               string `validate:"required"`
	Items                 []ItemInput `validate:"dive"`
	PriceOverrideApproved bool
	Notes                 string
	ActorID               string `validate:"required"`
}

// UpdateCommand — изменение черновика. Items == nil оставляет позиции как есть,
// иначе они заменяются целиком.
type UpdateCommand struct {
	OrderID               string `validate:"required"`
	Items                 []ItemInput `validate:"omitempty,dive"`
	PriceOverrideApproved *bool
	Notes                 *string
	ActorID               string `validate:"required"`
}

// Service — машина состояний B2B-заказа.
type Service struct {
	uow        domain.UnitOfWork
	lots       domain.LotRegistry
	pharmacies domain.PharmacyRegistry
	stock      *stock.Service
	credit     *credit.Ledger
	validate   *validator.Validate
	logger     *log.Entry
	metrics    *metrics.LedgerMetrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer задаёт tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService собирает машину состояний заказа поверх Stock Service и Credit Ledger.
func NewService(
	uow domain.UnitOfWork,
	lots domain.LotRegistry,
	pharmacies domain.PharmacyRegistry,
	stockService *stock.Service,
	ledger *credit.Ledger,
	opts ...Option,
) *Service {
	s := &Service{
		uow:        uow,
		lots:       lots,
		pharmacies: pharmacies,
		stock:      stockService,
		credit:     ledger,
		validate:   validator.New(),
		logger:     log.New().WithField("component", "b2b-order-service"),
		tracer:     otel.Tracer("pharmaledger/order"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create создаёт заказ в статусе DRAFT.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer span.End()
	defer s.metrics.StartOperation("create_order")()

	created, err := s.create(ctx, cmd)
	if err != nil {
		s.reject(span, "create_order", "", err)
		return domain.Order{}, err
	}

	s.metrics.RecordOutboxEvent()
	s.logger.WithFields(log.Fields{
		"order_id":     created.ID,
		"seller_id":    created.SellerID,
		"buyer_id":     created.BuyerID,
		"total_amount": created.TotalAmount.String(),
		"actor_id":     cmd.ActorID,
	}).Info("b2b order created")
	return created, nil
}

func (s *Service) create(ctx context.Context, cmd CreateCommand) (domain.Order, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrBusinessRule, err)
	}
	if cmd.SellerID == cmd.BuyerID {
		return domain.Order{}, domain.ErrSameCounterparty
	}
	if err := s.ensureCounterparty(ctx, cmd.SellerID, domain.PharmacyWholesaler); err != nil {
		return domain.Order{}, err
	}
	if err := s.ensureCounterparty(ctx, cmd.BuyerID, domain.PharmacyRetailer); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	items, err := s.buildItems(ctx, cmd.Items, cmd.PriceOverrideApproved, now)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		ID:                    uuid.NewString(),
		SellerID:              cmd.SellerID,
		BuyerID:               cmd.BuyerID,
		Status:                domain.OrderStatusDraft,
		PaymentStatus:         domain.PaymentStatusPending,
		PriceOverrideApproved: cmd.PriceOverrideApproved,
		Notes:                 cmd.Notes,
		Items:                 items,
		CreditUsed:            decimal.Zero,
		CreatedBy:             cmd.ActorID,
		UpdatedBy:             cmd.ActorID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	order.RecomputeTotal()

	err = s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := s.audit(ctx, tx, cmd.ActorID, domain.AuditActionCreate, order.ID, nil, order.Snapshot()); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, order, domain.EventOrderCreated, nil)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// UpdateDraft заменяет позиции и/или флаг ценового исключения у черновика.
func (s *Service) UpdateDraft(ctx context.Context, cmd UpdateCommand) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateDraft")
	defer span.End()
	defer s.metrics.StartOperation("update_order")()

	if err := s.validate.Struct(cmd); err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrBusinessRule, err)
		s.reject(span, "update_order", cmd.OrderID, err)
		return domain.Order{}, err
	}

	var updated domain.Order
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusDraft {
			return fmt.Errorf("%w: order %s is %s, only DRAFT can be updated", domain.ErrInvalidStateTransition, order.ID, order.Status)
		}
		before := order.Snapshot()
		now := s.now()

		if cmd.PriceOverrideApproved != nil {
			order.PriceOverrideApproved = *cmd.PriceOverrideApproved
		}
		if cmd.Notes != nil {
			order.Notes = *cmd.Notes
		}
		if cmd.Items != nil {
			items, err := s.buildItems(ctx, cmd.Items, order.PriceOverrideApproved, now)
			if err != nil {
				return err
			}
			for i := range order.Items {
				order.Items[i].Deleted = true
			}
			order.Items = append(order.Items, items...)
		} else if err := s.validatePricing(ctx, order); err != nil {
			return err
		}

		order.RecomputeTotal()
		order.UpdatedBy = cmd.ActorID
		order.UpdatedAt = now
		if err := tx.Orders().Save(ctx, order); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		order.Version++
		if err := s.audit(ctx, tx, cmd.ActorID, domain.AuditActionUpdate, order.ID, before, order.Snapshot()); err != nil {
			return err
		}
		updated = order
		return s.enqueue(ctx, tx, order, domain.EventOrderUpdated, nil)
	})
	if err != nil {
		s.reject(span, "update_order", cmd.OrderID, err)
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":     updated.ID,
		"total_amount": updated.TotalAmount.String(),
		"actor_id":     cmd.ActorID,
	}).Info("b2b draft order updated")
	return updated, nil
}

// DeleteDraft мягко удаляет черновик; после этого заказ не виден ни одному чтению.
func (s *Service) DeleteDraft(ctx context.Context, orderID, actorID string) error {
	ctx, span := s.tracer.Start(ctx, "order.DeleteDraft")
	defer span.End()

	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusDraft {
			return fmt.Errorf("%w: order %s is %s, only DRAFT can be deleted", domain.ErrInvalidStateTransition, order.ID, order.Status)
		}
		before := order.Snapshot()
		order.Deleted = true
		order.UpdatedBy = actorID
		order.UpdatedAt = s.now()
		if err := tx.Orders().Save(ctx, order); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		after := order.Snapshot()
		after["deleted"] = true
		if err := s.audit(ctx, tx, actorID, domain.AuditActionDelete, order.ID, before, after); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, order, domain.EventOrderUpdated, map[string]any{"deleted": true})
	})
	if err != nil {
		s.reject(span, "delete_order", orderID, err)
		return err
	}

	s.logger.WithFields(log.Fields{"order_id": orderID, "actor_id": actorID}).Info("b2b draft order deleted")
	return nil
}

// Get возвращает видимый заказ.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = tx.Orders().Get(ctx, orderID)
		return err
	})
	return order, err
}

// ListByBuyer возвращает заказы покупателя от новых к старым.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]domain.Order, error) {
	return s.list(ctx, limit, func(ctx context.Context, repo domain.OrderRepository, limit int) ([]domain.Order, error) {
		return repo.ListByBuyer(ctx, buyerID, limit)
	})
}

// ListBySeller возвращает заказы продавца от новых к старым.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]domain.Order, error) {
	return s.list(ctx, limit, func(ctx context.Context, repo domain.OrderRepository, limit int) ([]domain.Order, error) {
		return repo.ListBySeller(ctx, sellerID, limit)
	})
}

func (s *Service) list(
	ctx context.Context,
	limit int,
	query func(ctx context.Context, repo domain.OrderRepository, limit int) ([]domain.Order, error),
) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []domain.Order
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		orders, err = query(ctx, tx.Orders(), limit)
		return err
	})
	return orders, err
}

// ensureCounterparty проверяет роль и статус аптеки.
// Аптека другой роли для этой стороны заказа считается ненайденной.
func (s *Service) ensureCounterparty(ctx context.Context, pharmacyID string, want domain.PharmacyType) error {
	p, err := s.pharmacies.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return fmt.Errorf("pharmacy %s: %w", pharmacyID, err)
	}
	if p.Type != want {
		return fmt.Errorf("%w: no %s pharmacy %s", domain.ErrPharmacyNotFound, want, p.ID)
	}
	if !p.InGoodStanding() {
		return fmt.Errorf("%w: pharmacy %s status %s", domain.ErrPharmacyStanding, p.ID, p.Status)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, tx domain.Tx, actorID, action, orderID string, before, after map[string]any) error {
	err := tx.Audit().Log(ctx, domain.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		Model:      domain.AuditModelOrder,
		ObjectID:   orderID,
		OldValues:  before,
		NewValues:  after,
		OccurredAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("audit order %s: %w", orderID, err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx domain.Tx, order domain.Order, eventType string, extra map[string]any) error {
	payload := map[string]any{
		"order_id":                order.ID,
		"seller_id":               order.SellerID,
		"buyer_id":                order.BuyerID,
		"status":                  string(order.Status),
		"total_amount":            order.TotalAmount.String(),
		"credit_used":             order.CreditUsed.String(),
		"price_override_approved": order.PriceOverrideApproved,
		"updated_by":              order.UpdatedBy,
		"occurred_at":             s.now().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
