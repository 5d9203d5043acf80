package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
)

// effect описывает побочный эффект перехода, который учитывается после фиксации.
type effect struct {
	creditOp     string
	creditAmount decimal.Decimal
	transfers    int
}

// hook выполняется внутри транзакции перехода после смены статуса и до сохранения.
type hook func(ctx context.Context, tx domain.Tx, order *domain.Order, from domain.OrderStatus, eff *effect) error

// Submit: DRAFT → SUBMITTED. Нужна хотя бы одна активная позиция.
func (s *Service) Submit(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return s.transition(ctx, "submit_order", orderID, actorID, domain.OrderStatusSubmitted,
		func(_ context.Context, _ domain.Tx, order *domain.Order, _ domain.OrderStatus, _ *effect) error {
			if len(order.ActiveItems()) == 0 {
				return fmt.Errorf("%w: order %s", domain.ErrOrderHasNoItems, order.ID)
			}
			return nil
		})
}

// Approve: SUBMITTED → APPROVED. Повторно проверяет цены и резервирует кредит покупателя.
// creditUsed == nil (или ноль) резервирует total_amount.
func (s *Service) Approve(ctx context.Context, orderID, actorID string, creditUsed *decimal.Decimal) (domain.Order, error) {
	return s.transition(ctx, "approve_order", orderID, actorID, domain.OrderStatusApproved,
		func(ctx context.Context, tx domain.Tx, order *domain.Order, _ domain.OrderStatus, eff *effect) error {
			if err := s.validatePricing(ctx, *order); err != nil {
				return err
			}
			amount, err := resolveCreditUsed(creditUsed, order.TotalAmount)
			if err != nil {
				return err
			}
			order.CreditUsed = amount
			if !amount.IsPositive() {
				return nil
			}
			if _, err := s.credit.Reserve(ctx, tx, order.BuyerID, amount, actorID); err != nil {
				return err
			}
			eff.creditOp, eff.creditAmount = credit.OpReserve, amount
			return nil
		})
}

// Ship: APPROVED → IN_TRANSIT. Только смена статуса.
func (s *Service) Ship(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return s.transition(ctx, "ship_order", orderID, actorID, domain.OrderStatusInTransit, nil)
}

// Reject: SUBMITTED → REJECTED. Только смена статуса.
func (s *Service) Reject(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return s.transition(ctx, "reject_order", orderID, actorID, domain.OrderStatusRejected, nil)
}

// Deliver: IN_TRANSIT → DELIVERED. Переводит остатки по всем позициям и переносит
// кредит из резерва в задолженность. Нехватка у продавца отменяет всю доставку.
func (s *Service) Deliver(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return s.transition(ctx, "deliver_order", orderID, actorID, domain.OrderStatusDelivered,
		func(ctx context.Context, tx domain.Tx, order *domain.Order, _ domain.OrderStatus, eff *effect) error {
			// Порядок блокировок: заказ → кредитная линия → ключи остатков.
			if order.CreditUsed.IsPositive() {
				if _, err := s.credit.Lock(ctx, tx, order.BuyerID); err != nil {
					return err
				}
			}

			sellerHolder := domain.PharmacyHolder(order.SellerID)
			buyerHolder := domain.PharmacyHolder(order.BuyerID)
			keys := make([]domain.StockKey, 0, 2*len(order.Items))
			for _, item := range order.ActiveItems() {
				keys = append(keys,
					domain.NewStockKey(sellerHolder, item.BatchID),
					domain.NewStockKey(buyerHolder, item.BatchID))
			}
			if err := tx.LockStock(ctx, keys...); err != nil {
				return fmt.Errorf("lock delivery keys: %w", err)
			}

			ref := domain.Reference{Type: ReferenceType, ID: order.ID}
			for i := range order.Items {
				item := &order.Items[i]
				if item.Deleted || item.QuantityOrdered <= 0 {
					continue
				}
				_, err := s.stock.TransferInTx(ctx, tx, stock.TransferCommand{
					Seller:    sellerHolder,
					Buyer:     buyerHolder,
					BatchID:   item.BatchID,
					Quantity:  item.QuantityOrdered,
					ActorID:   actorID,
					Reference: ref,
				})
				if errors.Is(err, domain.ErrInsufficientStock) {
					return fmt.Errorf("%w: item %s: %w", domain.ErrDeliveryShortfall, item.ID, err)
				}
				if err != nil {
					return fmt.Errorf("transfer item %s: %w", item.ID, err)
				}
				item.QuantityDelivered = item.QuantityOrdered
				eff.transfers++
			}

			if order.CreditUsed.IsPositive() {
				if _, err := s.credit.Settle(ctx, tx, order.BuyerID, order.CreditUsed, actorID); err != nil {
					return err
				}
				eff.creditOp, eff.creditAmount = credit.OpSettle, order.CreditUsed
			}
			return nil
		})
}

// Cancel переводит заказ в CANCELLED из любого нетерминального статуса.
// Резерв кредита снимается, если заказ был APPROVED или IN_TRANSIT.
// Остатки не возвращаются: до DELIVERED они не перемещались.
func (s *Service) Cancel(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return s.transition(ctx, "cancel_order", orderID, actorID, domain.OrderStatusCancelled,
		func(ctx context.Context, tx domain.Tx, order *domain.Order, from domain.OrderStatus, eff *effect) error {
			if from != domain.OrderStatusApproved && from != domain.OrderStatusInTransit {
				return nil
			}
			if !order.CreditUsed.IsPositive() {
				return nil
			}
			if _, err := s.credit.Release(ctx, tx, order.BuyerID, order.CreditUsed, actorID); err != nil {
				return err
			}
			eff.creditOp, eff.creditAmount = credit.OpRelease, order.CreditUsed
			return nil
		})
}

// transition — общий каркас перехода: блокировка заказа, проверка таблицы переходов,
// побочный эффект, сохранение, аудит и событие outbox в одной транзакции.
func (s *Service) transition(ctx context.Context, operation, orderID, actorID string, to domain.OrderStatus, fn hook) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order."+operation, trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("status_to", string(to)),
	))
	defer span.End()
	defer s.metrics.StartOperation(operation)()

	var (
		result domain.Order
		from   domain.OrderStatus
		eff    effect
	)
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status
		if to == domain.OrderStatusCancelled && from == domain.OrderStatusDelivered {
			return fmt.Errorf("%w: delivered order %s cannot be cancelled", domain.ErrInvalidStateTransition, order.ID)
		}

		before := order.Snapshot()
		if err := order.TransitionTo(to); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, tx, &order, from, &eff); err != nil {
				return err
			}
		}

		order.UpdatedBy = actorID
		order.UpdatedAt = s.now()
		if err := tx.Orders().Save(ctx, order); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		order.Version++

		if err := s.audit(ctx, tx, actorID, domain.AuditActionStatusChange, order.ID, before, order.Snapshot()); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, order, domain.EventOrderStatusChanged, map[string]any{
			"status_from": string(from),
			"status_to":   string(to),
		}); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		s.reject(span, operation, orderID, err)
		return domain.Order{}, err
	}

	s.metrics.RecordOrderTransition(string(from), string(to))
	s.metrics.RecordOutboxEvent()
	if eff.creditOp != "" {
		s.metrics.RecordCredit(eff.creditOp, eff.creditAmount.InexactFloat64())
	}
	for range eff.transfers {
		s.metrics.RecordTransfer()
	}
	s.logger.WithFields(log.Fields{
		"order_id":    result.ID,
		"status_from": from,
		"status_to":   to,
		"credit_used": result.CreditUsed.String(),
		"actor_id":    actorID,
	}).Info("b2b order status changed")
	return result, nil
}

func (s *Service) reject(span trace.Span, operation, orderID string, err error) {
	code := domain.Code(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	s.metrics.RecordRejection(operation, code)

	entry := s.logger.WithError(err).WithFields(log.Fields{"order_id": orderID, "code": code})
	if code == "INTERNAL_ERROR" || code == "IMMUTABLE_RECORD_VIOLATION" {
		entry.Error(operation + " failed")
		return
	}
	entry.Warn(operation + " rejected")
}
