package domain

// PharmacyType — роль аптеки в B2B-цепочке.
type PharmacyType string

const (
	PharmacyWholesaler PharmacyType = "WHOLESALER"
	PharmacyRetailer   PharmacyType = "RETAILER"
)

// PharmacyStatus — статус лицензии аптеки.
type PharmacyStatus string

const (
	PharmacyStatusPending   PharmacyStatus = "PENDING"
	PharmacyStatusApproved  PharmacyStatus = "APPROVED"
	PharmacyStatusSuspended PharmacyStatus = "SUSPENDED"
	PharmacyStatusIllegal   PharmacyStatus = "ILLEGAL"
)

// Pharmacy — сведения реестра аптек, нужные для B2B-заказов.
type Pharmacy struct {
	ID      string
	Name    string
	Type    PharmacyType
	Status  PharmacyStatus
	Deleted bool
}

// InGoodStanding — аптека одобрена и не удалена.
func (p Pharmacy) InGoodStanding() bool {
	return p.Status == PharmacyStatusApproved && !p.Deleted
}

// Holder возвращает аптеку как владельца остатков.
func (p Pharmacy) Holder() Holder {
	return PharmacyHolder(p.ID)
}
