package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale — число знаков после запятой у денежных сумм (NUMERIC(14,2)).
const MoneyScale = 2

// CheckMoneyScale отклоняет сумму, которую хранилище округлило бы.
func CheckMoneyScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(MoneyScale)) {
		return fmt.Errorf("%w: %s", ErrMoneyPrecision, amount)
	}
	return nil
}

// Credit — кредитная линия покупателя.
// available = limit − current − reserved.
type Credit struct {
	PharmacyID      string
	CreditLimit     decimal.Decimal
	CurrentBalance  decimal.Decimal
	ReservedBalance decimal.Decimal
	UpdatedAt       time.Time
}

// Available возвращает доступный остаток кредита.
func (c Credit) Available() decimal.Decimal {
	return c.CreditLimit.Sub(c.CurrentBalance).Sub(c.ReservedBalance)
}

// Reserve резервирует amount под одобренный заказ.
func (c *Credit) Reserve(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: reserve %s", ErrCreditAmountInvalid, amount)
	}
	if available := c.Available(); available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientCredit, available, amount)
	}
	c.ReservedBalance = c.ReservedBalance.Add(amount)
	return nil
}

// Release снимает резерв amount при отмене заказа.
func (c *Credit) Release(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: release %s", ErrCreditAmountInvalid, amount)
	}
	if c.ReservedBalance.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s, release %s", ErrCreditInconsistent, c.ReservedBalance, amount)
	}
	c.ReservedBalance = c.ReservedBalance.Sub(amount)
	return nil
}

// Settle переносит amount из резерва в задолженность при доставке.
func (c *Credit) Settle(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: settle %s", ErrCreditAmountInvalid, amount)
	}
	if c.ReservedBalance.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s, settle %s", ErrCreditInconsistent, c.ReservedBalance, amount)
	}
	c.ReservedBalance = c.ReservedBalance.Sub(amount)
	c.CurrentBalance = c.CurrentBalance.Add(amount)
	return nil
}

// Snapshot возвращает снимок балансов для аудита.
func (c Credit) Snapshot() map[string]any {
	return map[string]any{
		"credit_limit":     c.CreditLimit.String(),
		"current_balance":  c.CurrentBalance.String(),
		"reserved_balance": c.ReservedBalance.String(),
	}
}
