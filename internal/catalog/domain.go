package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Source records how a product entered the catalog.
type Source string

const (
	SourceCatalog      Source = "catalog"
	SourceCustomOrder  Source = "deposit_custom"
	SourcePartExchange Source = "part_exchange"
)

// ErrProductNotFound indicates the product id is unknown.
var ErrProductNotFound = fmt.Errorf("catalog: product %w", shared.ErrNotFound)

// Product is the subset of catalog data the deposit engine reads and writes.
type Product struct {
	ID                    int64               `json:"id"`
	SKU                   string              `json:"sku"`
	Name                  string              `json:"name"`
	Category              string              `json:"category,omitempty"`
	Description           string              `json:"description,omitempty"`
	SerialNumber          string              `json:"serial_number,omitempty"`
	UnitPrice             decimal.Decimal     `json:"unit_price"`
	UnitCost              decimal.NullDecimal `json:"unit_cost"`
	IsConsignment         bool                `json:"is_consignment"`
	ConsignmentSupplierID *int64              `json:"consignment_supplier_id,omitempty"`
	Source                Source              `json:"source"`
	IsActive              bool                `json:"is_active"`
	CreatedAt             time.Time           `json:"created_at"`
}

// Cost returns the recorded unit cost, if any.
func (p Product) Cost() (decimal.Decimal, bool) {
	return p.UnitCost.Decimal, p.UnitCost.Valid
}

// MaterializedSKU builds the SKU of a product created from a deposit order line.
func MaterializedSKU(source Source, orderID int64, n int) string {
	prefix := "DEP"
	if source == SourcePartExchange {
		prefix = "PX"
	}
	return fmt.Sprintf("%s-%d-%d", prefix, orderID, n)
}
