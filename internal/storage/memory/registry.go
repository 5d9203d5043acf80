package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Registry — in-memory реестр партий и аптек. Заполняется через PutLot/PutPharmacy
// (сидирование dev-окружения и тесты), ядро только читает.
type Registry struct {
	mu         sync.RWMutex
	lots       map[string]domain.Lot
	pharmacies map[string]domain.Pharmacy
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		lots:       make(map[string]domain.Lot),
		pharmacies: make(map[string]domain.Pharmacy),
	}
}

func (r *Registry) PutLot(lot domain.Lot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lots[lot.ID] = lot
}

func (r *Registry) PutPharmacy(p domain.Pharmacy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pharmacies[p.ID] = p
}

// GetLot возвращает партию или ErrLotNotFound.
func (r *Registry) GetLot(_ context.Context, id string) (domain.Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lot, ok := r.lots[id]
	if !ok {
		return domain.Lot{}, domain.ErrLotNotFound
	}
	return lot, nil
}

// GetPharmacy возвращает аптеку или ErrPharmacyNotFound. Удалённые аптеки тоже
// возвращаются: решение о допуске принимает InGoodStanding.
func (r *Registry) GetPharmacy(_ context.Context, id string) (domain.Pharmacy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pharmacies[id]
	if !ok {
		return domain.Pharmacy{}, domain.ErrPharmacyNotFound
	}
	return p, nil
}

var (
	_ domain.LotRegistry      = (*Registry)(nil)
	_ domain.PharmacyRegistry = (*Registry)(nil)
)
