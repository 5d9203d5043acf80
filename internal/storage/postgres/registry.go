package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Registry читает реестры партий и аптек, которыми владеют внешние модули.
// Авторизованная цена партии берётся из medicines.
type Registry struct {
	db *sql.DB
}

// NewRegistry создаёт PostgreSQL-реализацию LotRegistry и PharmacyRegistry.
func NewRegistry(store *Store) *Registry {
	return &Registry{db: store.DB()}
}

func (r *Registry) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		lot    domain.Lot
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT l.id, l.medicine_id, l.status, l.expiry_date, m.authorized_price
		FROM lots l
		JOIN medicines m ON m.id = l.medicine_id
		WHERE l.id = $1
	`, id).Scan(&lot.ID, &lot.MedicineID, &status, &lot.ExpiryDate, &lot.AuthorizedPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lot{}, domain.ErrLotNotFound
		}
		return domain.Lot{}, fmt.Errorf("select lot: %w", err)
	}
	lot.Status = domain.LotStatus(status)
	lot.ExpiryDate = lot.ExpiryDate.UTC()
	return lot, nil
}

func (r *Registry) GetPharmacy(ctx context.Context, id string) (domain.Pharmacy, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		p           domain.Pharmacy
		kind, state string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, pharmacy_type, status, is_deleted
		FROM pharmacies
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &kind, &state, &p.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pharmacy{}, domain.ErrPharmacyNotFound
		}
		return domain.Pharmacy{}, fmt.Errorf("select pharmacy: %w", err)
	}
	p.Type = domain.PharmacyType(kind)
	p.Status = domain.PharmacyStatus(state)
	return p, nil
}

var (
	_ domain.LotRegistry      = (*Registry)(nil)
	_ domain.PharmacyRegistry = (*Registry)(nil)
)
