package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/storage/memory"
)

// registryFixture — содержимое реестров партий и аптек для in-memory запуска.
// В postgres-режиме реестры ведут внешние модули.
type registryFixture struct {
	Lots       []lotFixture      `json:"lots" validate:"dive"`
	Pharmacies []pharmacyFixture `json:"pharmacies" validate:"dive"`
}

type lotFixture struct {
	ID              string          `json:"id" validate:"required"`
	MedicineID      string          `json:"medicine_id" validate:"required"`
	Status          string          `json:"status" validate:"oneof=ACTIVE BLOCKED EXPIRED RECALLED"`
	ExpiryDate      string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	AuthorizedPrice decimal.Decimal `json:"authorized_price"`
}

type pharmacyFixture struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name"`
	Type    string `json:"type" validate:"oneof=WHOLESALER RETAILER"`
	Status  string `json:"status" validate:"oneof=PENDING APPROVED SUSPENDED ILLEGAL"`
	Deleted bool   `json:"deleted"`
}

// loadRegistryFixture читает JSON-файл и заполняет реестр.
func loadRegistryFixture(path string, registry *memory.Registry) (lots, pharmacies int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read registry fixture: %w", err)
	}

	var fixture registryFixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return 0, 0, fmt.Errorf("decode registry fixture %s: %w", path, err)
	}
	if err := validator.New().Struct(fixture); err != nil {
		return 0, 0, fmt.Errorf("validate registry fixture %s: %w", path, err)
	}

	for _, lf := range fixture.Lots {
		if lf.AuthorizedPrice.IsNegative() {
			return 0, 0, fmt.Errorf("lot %s: negative authorized price %s", lf.ID, lf.AuthorizedPrice)
		}
		expiry, err := time.Parse(time.DateOnly, lf.ExpiryDate)
		if err != nil {
			return 0, 0, fmt.Errorf("lot %s expiry: %w", lf.ID, err)
		}
		registry.PutLot(domain.Lot{
			ID:              lf.ID,
			MedicineID:      lf.MedicineID,
			Status:          domain.LotStatus(lf.Status),
			ExpiryDate:      expiry,
			AuthorizedPrice: lf.AuthorizedPrice,
		})
	}
	for _, pf := range fixture.Pharmacies {
		registry.PutPharmacy(domain.Pharmacy{
			ID:      pf.ID,
			Name:    pf.Name,
			Type:    domain.PharmacyType(pf.Type),
			Status:  domain.PharmacyStatus(pf.Status),
			Deleted: pf.Deleted,
		})
	}
	return len(fixture.Lots), len(fixture.Pharmacies), nil
}
