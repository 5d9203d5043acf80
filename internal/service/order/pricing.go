package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// buildItems проверяет позиции черновика: количество, пригодность партии и цену.
func (s *Service) buildItems(ctx context.Context, inputs []ItemInput, override bool, now time.Time) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(inputs))
	for _, in := range inputs {
		if in.Quantity <= 0 {
			return nil, fmt.Errorf("%w: batch %s quantity %d", domain.ErrItemQtyInvalid, in.BatchID, in.Quantity)
		}
		lot, err := s.lots.GetLot(ctx, in.BatchID)
		if err != nil {
			return nil, fmt.Errorf("lot %s: %w", in.BatchID, err)
		}
		if !lot.IsUsable(now) {
			return nil, fmt.Errorf("%w: %w: lot %s status %s", domain.ErrBusinessRule, domain.ErrLotNotUsable, lot.ID, lot.Status)
		}

		price := lot.AuthorizedPrice
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}
		if err := checkPrice(lot, price, override); err != nil {
			return nil, err
		}

		items = append(items, domain.OrderItem{
			ID:              uuid.NewString(),
			BatchID:         lot.ID,
			QuantityOrdered: in.Quantity,
			UnitPrice:       price,
			CreatedAt:       now,
		})
	}
	return items, nil
}

// validatePricing повторно сверяет цены активных позиций с текущими авторизованными.
func (s *Service) validatePricing(ctx context.Context, order domain.Order) error {
	for _, item := range order.ActiveItems() {
		lot, err := s.lots.GetLot(ctx, item.BatchID)
		if err != nil {
			return fmt.Errorf("lot %s: %w", item.BatchID, err)
		}
		if err := checkPrice(lot, item.UnitPrice, order.PriceOverrideApproved); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
	}
	return nil
}

func checkPrice(lot domain.Lot, price decimal.Decimal, override bool) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: batch %s price %s", domain.ErrNegativePrice, lot.ID, price)
	}
	if err := domain.CheckMoneyScale(price); err != nil {
		return fmt.Errorf("batch %s unit price: %w", lot.ID, err)
	}
	if !override && price.GreaterThan(lot.AuthorizedPrice) {
		return fmt.Errorf("%w: batch %s price %s > authorized %s", domain.ErrPriceAboveAuthorized, lot.ID, price, lot.AuthorizedPrice)
	}
	return nil
}

// resolveCreditUsed возвращает сумму кредита под заказ: явную или total_amount.
// Ноль или nil означают total_amount.
func resolveCreditUsed(explicit *decimal.Decimal, total decimal.Decimal) (decimal.Decimal, error) {
	if explicit == nil || explicit.IsZero() {
		return total, nil
	}
	if explicit.IsNegative() || explicit.GreaterThan(total) {
		return decimal.Zero, fmt.Errorf("%w: credit_used %s, total %s", domain.ErrCreditAmountInvalid, explicit, total)
	}
	if err := domain.CheckMoneyScale(*explicit); err != nil {
		return decimal.Zero, fmt.Errorf("credit_used: %w", err)
	}
	return *explicit, nil
}
