package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HolderKind различает владельцев остатков: частная аптека или государственное учреждение.
type HolderKind string

const (
	HolderKindPharmacy       HolderKind = "PHARMACY"
	HolderKindPublicFacility HolderKind = "PUBLIC_FACILITY"
)

// Valid сообщает, поддерживается ли вид владельца.
func (k HolderKind) Valid() bool {
	return k == HolderKindPharmacy || k == HolderKindPublicFacility
}

// Holder идентифицирует владельца остатка.
type Holder struct {
	Kind HolderKind
	ID   string
}

// PharmacyHolder — короткий конструктор для аптек.
func PharmacyHolder(id string) Holder {
	return Holder{Kind: HolderKindPharmacy, ID: id}
}

func (h Holder) String() string {
	return string(h.Kind) + ":" + h.ID
}

// Validate проверяет вид и идентификатор владельца.
func (h Holder) Validate() error {
	if !h.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownHolderKind, h.Kind)
	}
	if strings.TrimSpace(h.ID) == "" {
		return ErrHolderRequired
	}
	return nil
}

// MovementKind — вид движения по складу.
type MovementKind string

const (
	MovementImport        MovementKind = "IMPORT"
	MovementB2BIn         MovementKind = "B2B_IN"
	MovementB2BOut        MovementKind = "B2B_OUT"
	MovementSale          MovementKind = "SALE"
	MovementReturn        MovementKind = "RETURN"
	MovementAdjustment    MovementKind = "ADJUSTMENT"
	MovementRecallRemoval MovementKind = "RECALL_REMOVAL"
)

// MovementKinds перечисляет все поддерживаемые виды движений.
var MovementKinds = []MovementKind{
	MovementImport, MovementB2BIn, MovementB2BOut, MovementSale,
	MovementReturn, MovementAdjustment, MovementRecallRemoval,
}

// Valid сообщает, известен ли вид движения.
func (k MovementKind) Valid() bool {
	return k.IsInbound() || k.IsOutbound()
}

// IsInbound — движение увеличивает остаток.
func (k MovementKind) IsInbound() bool {
	switch k {
	case MovementImport, MovementB2BIn, MovementReturn, MovementAdjustment:
		return true
	default:
		return false
	}
}

// IsOutbound — движение уменьшает остаток.
func (k MovementKind) IsOutbound() bool {
	switch k {
	case MovementB2BOut, MovementSale, MovementRecallRemoval:
		return true
	default:
		return false
	}
}

// Sign возвращает +1 для приходных видов, -1 для расходных и 0 для неизвестных.
func (k MovementKind) Sign() int64 {
	switch {
	case k.IsInbound():
		return 1
	case k.IsOutbound():
		return -1
	default:
		return 0
	}
}

// Reference связывает движение с его причиной (например, заказом).
type Reference struct {
	Type string
	ID   string
}

// IsZero сообщает, что ссылка не задана.
func (r Reference) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// Movement — неизменяемый факт изменения количества партии у владельца.
type Movement struct {
	ID        string
	Holder    Holder
	BatchID   string
	Kind      MovementKind
	Quantity  int64
	Reference Reference
	CreatedBy string
	CreatedAt time.Time
}

// Validate проверяет инварианты движения до записи в журнал.
func (m Movement) Validate() error {
	if err := m.Holder.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return ErrBatchRequired
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMovementKind, m.Kind)
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrQuantityNotPositive, m.Quantity)
	}
	return nil
}

// SignedQuantity возвращает вклад движения в остаток.
func (m Movement) SignedQuantity() int64 {
	return m.Kind.Sign() * m.Quantity
}

// StockKey адресует один остаток: пару (владелец, партия).
type StockKey struct {
	Holder  Holder
	BatchID string
}

// NewStockKey собирает ключ остатка.
func NewStockKey(holder Holder, batchID string) StockKey {
	return StockKey{Holder: holder, BatchID: batchID}
}

func (k StockKey) String() string {
	return string(k.Holder.Kind) + ":" + k.Holder.ID + ":" + k.BatchID
}

// LockID детерминированно отображает ключ в 63-битное целое для advisory lock.
// Первые 8 байт sha256 от "kind:id:batch", усечённые до неотрицательного int64.
func (k StockKey) LockID() int64 {
	sum := sha256.Sum256([]byte(k.String()))
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
}

// Key возвращает ключ остатка, которого касается движение.
func (m Movement) Key() StockKey {
	return NewStockKey(m.Holder, m.BatchID)
}

// CanonicalLockOrder дедуплицирует ключи и упорядочивает их по LockID.
// Все бэкенды берут блокировки в этом порядке, поэтому встречные переводы не
// образуют взаимоблокировку.
func CanonicalLockOrder(keys []StockKey) []StockKey {
	seen := make(map[StockKey]bool, len(keys))
	result := make([]StockKey, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool {
		li, lj := result[i].LockID(), result[j].LockID()
		if li != lj {
			return li < lj
		}
		return result[i].String() < result[j].String()
	})
	return result
}
