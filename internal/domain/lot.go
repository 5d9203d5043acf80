package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotStatus — регуляторный статус импортной партии.
type LotStatus string

const (
	LotStatusActive   LotStatus = "ACTIVE"
	LotStatusBlocked  LotStatus = "BLOCKED"
	LotStatusExpired  LotStatus = "EXPIRED"
	LotStatusRecalled LotStatus = "RECALLED"
)

// Lot — партия зарегистрированного препарата, как её видит ядро.
type Lot struct {
	ID              string
	MedicineID      string
	Status          LotStatus
	ExpiryDate      time.Time
	AuthorizedPrice decimal.Decimal
}

// IsUsable сообщает, можно ли двигать партию на момент now:
// статус ACTIVE и срок годности не раньше текущей даты (UTC).
func (l Lot) IsUsable(now time.Time) bool {
	if l.Status != LotStatusActive {
		return false
	}
	return !dateOf(l.ExpiryDate).Before(dateOf(now))
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
