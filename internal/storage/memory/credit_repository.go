package memory

import (
	"context"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

type creditRepositoryInMemory struct {
	tx *memoryTx
}

func (r *creditRepositoryInMemory) Get(_ context.Context, pharmacyID string) (domain.Credit, error) {
	if staged, ok := r.tx.credits[pharmacyID]; ok {
		return staged, nil
	}
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	credit, ok := r.tx.store.credits[pharmacyID]
	if !ok {
		return domain.Credit{}, domain.ErrCreditLineNotFound
	}
	return credit, nil
}

// GetForUpdate блокирует кредитную линию до конца транзакции.
func (r *creditRepositoryInMemory) GetForUpdate(ctx context.Context, pharmacyID string) (domain.Credit, error) {
	if err := r.tx.lock(ctx, "credit:"+pharmacyID); err != nil {
		return domain.Credit{}, err
	}
	return r.Get(ctx, pharmacyID)
}

func (r *creditRepositoryInMemory) Upsert(_ context.Context, credit domain.Credit) error {
	if credit.UpdatedAt.IsZero() {
		credit.UpdatedAt = nowUTC()
	}
	r.tx.credits[credit.PharmacyID] = credit
	return nil
}

var _ domain.CreditRepository = (*creditRepositoryInMemory)(nil)
