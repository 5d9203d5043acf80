package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

type creditRepository struct {
	q querier
}

func (r *creditRepository) Get(ctx context.Context, pharmacyID string) (domain.Credit, error) {
	return r.get(ctx, pharmacyID, "")
}

// GetForUpdate блокирует строку кредитной линии до конца транзакции.
func (r *creditRepository) GetForUpdate(ctx context.Context, pharmacyID string) (domain.Credit, error) {
	return r.get(ctx, pharmacyID, " FOR UPDATE")
}

func (r *creditRepository) get(ctx context.Context, pharmacyID, suffix string) (domain.Credit, error) {
	var credit domain.Credit
	err := r.q.QueryRowContext(ctx, `
		SELECT pharmacy_id, credit_limit, current_balance, reserved_balance, updated_at
		FROM pharmacy_credits
		WHERE pharmacy_id = $1`+suffix, pharmacyID).Scan(
		&credit.PharmacyID, &credit.CreditLimit, &credit.CurrentBalance,
		&credit.ReservedBalance, &credit.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Credit{}, domain.ErrCreditLineNotFound
		}
		return domain.Credit{}, fmt.Errorf("select credit line: %w", classify(ctx, err))
	}
	credit.UpdatedAt = credit.UpdatedAt.UTC()
	return credit, nil
}

func (r *creditRepository) Upsert(ctx context.Context, credit domain.Credit) error {
	if credit.UpdatedAt.IsZero() {
		credit.UpdatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pharmacy_credits (pharmacy_id, credit_limit, current_balance, reserved_balance, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (pharmacy_id) DO UPDATE
		SET credit_limit = EXCLUDED.credit_limit,
		    current_balance = EXCLUDED.current_balance,
		    reserved_balance = EXCLUDED.reserved_balance,
		    updated_at = EXCLUDED.updated_at
	`, credit.PharmacyID, credit.CreditLimit, credit.CurrentBalance, credit.ReservedBalance, credit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert credit line: %w", classify(ctx, err))
	}
	return nil
}

var _ domain.CreditRepository = (*creditRepository)(nil)
