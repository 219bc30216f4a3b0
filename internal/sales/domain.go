package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

var (
	// ErrSaleNotFound indicates the sale id is unknown.
	ErrSaleNotFound = fmt.Errorf("sales: sale %w", shared.ErrNotFound)
	// ErrSettlementNotFound indicates the settlement id is unknown.
	ErrSettlementNotFound = fmt.Errorf("sales: settlement %w", shared.ErrNotFound)
	// ErrSettlementPaid indicates the payout was already marked paid.
	ErrSettlementPaid = fmt.Errorf("sales: settlement already paid: %w", shared.ErrConflict)
)

// Sale is a finalized sale produced by deposit completion.
type Sale struct {
	ID                int64              `json:"id"`
	DocNumber         string             `json:"doc_number"`
	DepositOrderID    *int64             `json:"deposit_order_id,omitempty"`
	CustomerID        *int64             `json:"customer_id,omitempty"`
	LocationID        *int64             `json:"location_id,omitempty"`
	Subtotal          decimal.Decimal    `json:"subtotal"`
	PartExchangeTotal decimal.Decimal    `json:"part_exchange_total"`
	Total             decimal.Decimal    `json:"total"`
	AmountPaid        decimal.Decimal    `json:"amount_paid"`
	SoldAt            time.Time          `json:"sold_at"`
	CreatedBy         int64              `json:"created_by,omitempty"`
	Items             []SaleItem         `json:"items"`
	PartExchanges     []SalePartExchange `json:"part_exchanges"`
}

// SaleItem is one sold line.
type SaleItem struct {
	ID                 int64               `json:"id"`
	SaleID             int64               `json:"sale_id"`
	ProductID          int64               `json:"product_id"`
	DepositOrderItemID *int64              `json:"deposit_order_item_id,omitempty"`
	Quantity           int64               `json:"quantity"`
	UnitPrice          decimal.Decimal     `json:"unit_price"`
	UnitCost           decimal.NullDecimal `json:"unit_cost"`
	LineTotal          decimal.Decimal     `json:"line_total"`
}

// SalePartExchange records a trade-in credited against the sale.
type SalePartExchange struct {
	ID                 int64           `json:"id"`
	SaleID             int64           `json:"sale_id"`
	ProductID          int64           `json:"product_id"`
	PartExchangeItemID *int64          `json:"part_exchange_item_id,omitempty"`
	Allowance          decimal.Decimal `json:"allowance"`
}

// SettlementStatus tracks whether the consignor has been paid.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementPaid    SettlementStatus = "paid"
)

// ConsignmentSettlement is the payout owed to a consignor for one sold line.
type ConsignmentSettlement struct {
	ID           int64            `json:"id"`
	SaleID       int64            `json:"sale_id"`
	SaleItemID   int64            `json:"sale_item_id"`
	ProductID    int64            `json:"product_id"`
	SupplierID   int64            `json:"supplier_id"`
	Quantity     int64            `json:"quantity"`
	SalePrice    decimal.Decimal  `json:"sale_price"`
	PayoutAmount decimal.Decimal  `json:"payout_amount"`
	ShopShare    decimal.Decimal  `json:"shop_share"`
	Status       SettlementStatus `json:"status"`
	PaidAt       *time.Time       `json:"paid_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// SettlementFilter narrows settlement listings. Zero values match everything.
type SettlementFilter struct {
	SaleID     int64
	SupplierID int64
	Status     SettlementStatus
}

// Matches reports whether s satisfies the filter.
func (f SettlementFilter) Matches(s ConsignmentSettlement) bool {
	return (f.SaleID == 0 || s.SaleID == f.SaleID) &&
		(f.SupplierID == 0 || s.SupplierID == f.SupplierID) &&
		(f.Status == "" || s.Status == f.Status)
}

// DocNumber formats the document number of a sale created from a deposit order.
func DocNumber(depositOrderID int64, at time.Time) string {
	return fmt.Sprintf("DS-%s-%06d", at.UTC().Format("20060102"), depositOrderID)
}
