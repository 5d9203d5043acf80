package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Операции кредитной линии (метки метрик и поле operation в аудите).
const (
	OpReserve = "reserve"
	OpRelease = "release"
	OpSettle  = "settle"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// Ledger — кредитные линии покупателей. Мутаторы Reserve/Release/Settle
// работают только внутри транзакции вызывающего и сами ничего не блокируют,
// кроме строки кредитной линии через GetForUpdate.
type Ledger struct {
	uow        domain.UnitOfWork
	pharmacies domain.PharmacyRegistry
	logger     *log.Entry
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger ledger'а; nil игнорируется.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger создаёт Credit Ledger.
func NewLedger(uow domain.UnitOfWork, pharmacies domain.PharmacyRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		uow:        uow,
		pharmacies: pharmacies,
		logger:     log.New().WithField("component", "credit-ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get возвращает кредитную линию аптеки или ErrCreditLineNotFound.
func (l *Ledger) Get(ctx context.Context, pharmacyID string) (domain.Credit, error) {
	var credit domain.Credit
	err := l.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		credit, err = tx.Credits().Get(ctx, pharmacyID)
		return err
	})
	return credit, err
}

// Available возвращает limit − current − reserved.
func (l *Ledger) Available(ctx context.Context, pharmacyID string) (decimal.Decimal, error) {
	credit, err := l.Get(ctx, pharmacyID)
	if err != nil {
		return decimal.Zero, err
	}
	return credit.Available(), nil
}

// OpenCreditLine создаёт кредитную линию или меняет её лимит. Балансы не трогаются.
func (l *Ledger) OpenCreditLine(ctx context.Context, pharmacyID string, limit decimal.Decimal, actorID string) (domain.Credit, error) {
	if limit.IsNegative() {
		return domain.Credit{}, fmt.Errorf("%w: limit %s", domain.ErrCreditAmountInvalid, limit)
	}
	if err := domain.CheckMoneyScale(limit); err != nil {
		return domain.Credit{}, fmt.Errorf("credit limit: %w", err)
	}
	if _, err := l.pharmacies.GetPharmacy(ctx, pharmacyID); err != nil {
		return domain.Credit{}, fmt.Errorf("pharmacy %s: %w", pharmacyID, err)
	}

	var updated domain.Credit
	err := l.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Credits().GetForUpdate(ctx, pharmacyID)
		action := domain.AuditActionUpdate
		var old map[string]any
		switch {
		case errors.Is(err, domain.ErrCreditLineNotFound):
			current = domain.Credit{PharmacyID: pharmacyID}
			action = domain.AuditActionCreate
		case err != nil:
			return err
		default:
			old = current.Snapshot()
		}

		current.CreditLimit = limit
		current.UpdatedAt = timeNow()
		if err := tx.Credits().Upsert(ctx, current); err != nil {
			return fmt.Errorf("save credit line: %w", err)
		}
		updated = current
		return tx.Audit().Log(ctx, domain.AuditEntry{
			ActorID:   actorID,
			Action:    action,
			Model:     domain.AuditModelCredit,
			ObjectID:  pharmacyID,
			OldValues: old,
			NewValues: current.Snapshot(),
		})
	})
	if err != nil {
		return domain.Credit{}, err
	}

	l.logger.WithFields(log.Fields{
		"pharmacy_id":  pharmacyID,
		"credit_limit": limit.String(),
		"actor_id":     actorID,
	}).Info("credit line configured")
	return updated, nil
}

// Reserve резервирует amount под одобряемый заказ. Отсутствие кредитной линии —
// нарушение бизнес-правила.
func (l *Ledger) Reserve(ctx context.Context, tx domain.Tx, pharmacyID string, amount decimal.Decimal, actorID string) (domain.Credit, error) {
	return l.adjust(ctx, tx, pharmacyID, amount, actorID, OpReserve, (*domain.Credit).Reserve)
}

// Release снимает резерв при отмене одобренного или отгруженного заказа.
func (l *Ledger) Release(ctx context.Context, tx domain.Tx, pharmacyID string, amount decimal.Decimal, actorID string) (domain.Credit, error) {
	return l.adjust(ctx, tx, pharmacyID, amount, actorID, OpRelease, (*domain.Credit).Release)
}

// Settle переносит amount из резерва в задолженность при доставке.
func (l *Ledger) Settle(ctx context.Context, tx domain.Tx, pharmacyID string, amount decimal.Decimal, actorID string) (domain.Credit, error) {
	return l.adjust(ctx, tx, pharmacyID, amount, actorID, OpSettle, (*domain.Credit).Settle)
}

// Lock берёт блокировку строки кредитной линии, не изменяя её.
func (l *Ledger) Lock(ctx context.Context, tx domain.Tx, pharmacyID string) (domain.Credit, error) {
	credit, err := tx.Credits().GetForUpdate(ctx, pharmacyID)
	if errors.Is(err, domain.ErrCreditLineNotFound) {
		return domain.Credit{}, fmt.Errorf("%w: pharmacy %s", domain.ErrNoCreditLine, pharmacyID)
	}
	return credit, err
}

func (l *Ledger) adjust(
	ctx context.Context,
	tx domain.Tx,
	pharmacyID string,
	amount decimal.Decimal,
	actorID, operation string,
	apply func(*domain.Credit, decimal.Decimal) error,
) (domain.Credit, error) {
	credit, err := l.Lock(ctx, tx, pharmacyID)
	if err != nil {
		return domain.Credit{}, err
	}

	before := credit.Snapshot()
	if err := apply(&credit, amount); err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"pharmacy_id": pharmacyID,
			"operation":   operation,
			"amount":      amount.String(),
		}).Warn("credit adjustment rejected")
		return domain.Credit{}, err
	}
	credit.UpdatedAt = timeNow()

	if err := tx.Credits().Upsert(ctx, credit); err != nil {
		return domain.Credit{}, fmt.Errorf("save credit line: %w", err)
	}
	after := credit.Snapshot()
	after["operation"] = operation
	after["amount"] = amount.String()
	if err := tx.Audit().Log(ctx, domain.AuditEntry{
		ActorID:   actorID,
		Action:    domain.AuditActionUpdate,
		Model:     domain.AuditModelCredit,
		ObjectID:  pharmacyID,
		OldValues: before,
		NewValues: after,
	}); err != nil {
		return domain.Credit{}, fmt.Errorf("audit credit %s: %w", operation, err)
	}

	l.logger.WithFields(log.Fields{
		"pharmacy_id": pharmacyID,
		"operation":   operation,
		"amount":      amount.String(),
		"available":   credit.Available().String(),
	}).Debug("credit adjusted")
	return credit, nil
}
