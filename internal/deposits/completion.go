package deposits

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// completionPlan is every record completion will write, built before any write
// happens. Materialized products have no id until commit binds one.
type completionPlan struct {
	order    *Order
	at       time.Time
	actorID  int64
	batch    uuid.UUID
	products []productDraft
	lines    []lineDraft
	tradeIns []tradeInDraft
	sale     sales.Sale
}

type productDraft struct {
	product catalog.Product
}

// lineDraft is one order item on its way to a sale item. draft indexes
// completionPlan.products for custom items and is -1 for catalog items.
type lineDraft struct {
	item       Item
	productID  int64
	draft      int
	unitCost   decimal.NullDecimal
	settlement *settlementDraft
}

type tradeInDraft struct {
	px    PartExchange
	draft int
}

type settlementDraft struct {
	supplierID int64
	payout     decimal.Decimal
	shopShare  decimal.Decimal
}

// lockCatalogProducts loads and locks every catalog product the order references,
// in ascending id order.
func lockCatalogProducts(ctx context.Context, tx TxRepository, items []Item) (map[int64]catalog.Product, error) {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool)
	for _, it := range items {
		if it.IsCustomOrder || it.ProductID == nil || seen[*it.ProductID] {
			continue
		}
		seen[*it.ProductID] = true
		ids = append(ids, *it.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	products := make(map[int64]catalog.Product, len(ids))
	for _, id := range ids {
		p, err := tx.ProductByID(ctx, id)
		if err != nil {
			return nil, err
		}
		products[id] = p
	}
	return products, nil
}

// buildPlan derives the full set of completion records. It performs no I/O, so an
// attribution failure leaves nothing to undo.
func buildPlan(order *Order, products map[int64]catalog.Product, actorID int64, at time.Time) (*completionPlan, error) {
	plan := &completionPlan{order: order, at: at, actorID: actorID, batch: uuid.New()}

	items := append([]Item(nil), order.Items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].LineOrder < items[j].LineOrder })

	custom := 0
	for _, it := range items {
		line := lineDraft{item: it, draft: -1, unitCost: it.UnitCost}
		if it.IsCustomOrder {
			custom++
			plan.products = append(plan.products, productDraft{product: catalog.Product{
				SKU:         catalog.MaterializedSKU(catalog.SourceCustomOrder, order.ID, custom),
				Name:        it.Name,
				Category:    it.Category,
				Description: it.Description,
				UnitPrice:   it.UnitPrice,
				UnitCost:    it.UnitCost,
				Source:      catalog.SourceCustomOrder,
				IsActive:    true,
			}})
			line.draft = len(plan.products) - 1
			plan.lines = append(plan.lines, line)
			continue
		}
		product, ok := products[*it.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", catalog.ErrProductNotFound, *it.ProductID)
		}
		line.productID = product.ID
		line.unitCost = lineCost(it, product)
		if product.IsConsignment {
			st, err := settle(order.ID, it, product, line.unitCost)
			if err != nil {
				return nil, err
			}
			line.settlement = st
		}
		plan.lines = append(plan.lines, line)
	}

	for i, px := range order.PartExchanges {
		plan.products = append(plan.products, productDraft{product: catalog.Product{
			SKU:          catalog.MaterializedSKU(catalog.SourcePartExchange, order.ID, i+1),
			Name:         px.ProductName,
			Category:     px.Category,
			Description:  px.Description,
			SerialNumber: px.SerialNumber,
			UnitPrice:    decimal.Zero,
			UnitCost:     decimal.NullDecimal{Decimal: px.Allowance, Valid: true},
			Source:       catalog.SourcePartExchange,
			IsActive:     true,
		}})
		plan.tradeIns = append(plan.tradeIns, tradeInDraft{px: px, draft: len(plan.products) - 1})
	}

	orderID := order.ID
	plan.sale = sales.Sale{
		DocNumber:         sales.DocNumber(order.ID, at),
		DepositOrderID:    &orderID,
		CustomerID:        order.CustomerID,
		LocationID:        order.LocationID,
		Subtotal:          order.TotalAmount,
		PartExchangeTotal: order.PartExchangeTotal,
		Total:             order.NetTotal(),
		AmountPaid:        order.AmountPaid,
		SoldAt:            at,
		CreatedBy:         actorID,
	}
	return plan, nil
}

// lineCost resolves the unit cost recorded on the sale line and paid to a
// consignor. The product's cost wins over the cost captured on the line.
func lineCost(it Item, product catalog.Product) decimal.NullDecimal {
	if cost, ok := product.Cost(); ok {
		return decimal.NewNullDecimal(cost)
	}
	return it.UnitCost
}

// settle computes the consignor payout for a consigned catalog line from the
// line's resolved cost.
func settle(orderID int64, it Item, product catalog.Product, cost decimal.NullDecimal) (*settlementDraft, error) {
	if product.ConsignmentSupplierID == nil {
		return nil, &MissingAttributionError{OrderID: orderID, ItemID: it.ID, ProductID: product.ID, Reason: "consigned product has no supplier"}
	}
	if !cost.Valid {
		return nil, &MissingAttributionError{OrderID: orderID, ItemID: it.ID, ProductID: product.ID, Reason: "consigned product has no unit cost"}
	}
	payout := cost.Decimal.Mul(decimal.NewFromInt(it.Quantity)).Round(2)
	return &settlementDraft{
		supplierID: *product.ConsignmentSupplierID,
		payout:     payout,
		shopShare:  it.LineTotal().Sub(payout),
	}, nil
}

// commitPlan writes the plan in dependency order. The status flip is the last write.
func commitPlan(ctx context.Context, tx TxRepository, plan *completionPlan) (*CompletionResult, error) {
	order := plan.order
	result := &CompletionResult{}

	for i := range plan.products {
		p, err := tx.InsertProduct(ctx, plan.products[i].product)
		if err != nil {
			return nil, err
		}
		plan.products[i].product = p
		result.Products = append(result.Products, p)
	}
	for i := range plan.lines {
		if plan.lines[i].draft >= 0 {
			plan.lines[i].productID = plan.products[plan.lines[i].draft].product.ID
		}
	}

	sale, err := tx.InsertSale(ctx, plan.sale)
	if err != nil {
		return nil, err
	}

	move := func(in stock.MovementInput) error {
		orderID := order.ID
		in.DepositOrderID = &orderID
		in.BatchID = plan.batch
		in.ActorID = plan.actorID
		in.At = plan.at
		m, err := stock.RecordMovement(ctx, tx, in)
		if err != nil {
			return err
		}
		result.Movements = append(result.Movements, m)
		return nil
	}
	for _, line := range plan.lines {
		it := line.item
		if it.IsCustomOrder {
			if err := move(stock.MovementInput{ProductID: line.productID, Quantity: it.Quantity, Type: stock.MovementPurchase, Note: "custom order received"}); err != nil {
				return nil, err
			}
		} else if it.ReservationID != nil {
			released, err := stock.Release(ctx, tx, stock.ReleaseInput{
				ProductID:      line.productID,
				ReservationID:  *it.ReservationID,
				DepositOrderID: order.ID,
				BatchID:        plan.batch,
				Note:           "deposit completed",
				ActorID:        plan.actorID,
				At:             plan.at,
			})
			if err != nil {
				return nil, err
			}
			result.Movements = append(result.Movements, released)
		}
		saleID := sale.ID
		if err := move(stock.MovementInput{ProductID: line.productID, Quantity: -it.Quantity, Type: stock.MovementSale, SaleID: &saleID}); err != nil {
			return nil, err
		}
	}
	for _, ti := range plan.tradeIns {
		productID := plan.products[ti.draft].product.ID
		if err := move(stock.MovementInput{ProductID: productID, Quantity: 1, Type: stock.MovementPurchase, Note: "part exchange received"}); err != nil {
			return nil, err
		}
	}

	for _, line := range plan.lines {
		it := line.item
		itemID := it.ID
		si, err := tx.InsertSaleItem(ctx, sales.SaleItem{
			SaleID:             sale.ID,
			ProductID:          line.productID,
			DepositOrderItemID: &itemID,
			Quantity:           it.Quantity,
			UnitPrice:          it.UnitPrice,
			UnitCost:           line.unitCost,
			LineTotal:          it.LineTotal(),
		})
		if err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, si)
		if line.settlement == nil {
			continue
		}
		st, err := tx.InsertSettlement(ctx, sales.ConsignmentSettlement{
			SaleID:       sale.ID,
			SaleItemID:   si.ID,
			ProductID:    line.productID,
			SupplierID:   line.settlement.supplierID,
			Quantity:     it.Quantity,
			SalePrice:    it.LineTotal(),
			PayoutAmount: line.settlement.payout,
			ShopShare:    line.settlement.shopShare,
			Status:       sales.SettlementPending,
		})
		if err != nil {
			return nil, err
		}
		result.Settlements = append(result.Settlements, st)
	}
	for _, ti := range plan.tradeIns {
		pxID := ti.px.ID
		spx, err := tx.InsertSalePartExchange(ctx, sales.SalePartExchange{
			SaleID:             sale.ID,
			ProductID:          plan.products[ti.draft].product.ID,
			PartExchangeItemID: &pxID,
			Allowance:          ti.px.Allowance,
		})
		if err != nil {
			return nil, err
		}
		sale.PartExchanges = append(sale.PartExchanges, spx)
	}

	for _, line := range plan.lines {
		if line.draft < 0 {
			continue
		}
		if err := tx.SetItemProduct(ctx, line.item.ID, line.productID); err != nil {
			return nil, err
		}
	}
	for _, ti := range plan.tradeIns {
		if err := tx.SetPartExchangeProduct(ctx, ti.px.ID, plan.products[ti.draft].product.ID); err != nil {
			return nil, err
		}
	}

	saleID := sale.ID
	if err := tx.UpdateStatus(ctx, order.ID, StatusChange{Status: StatusCompleted, Notes: order.Notes, At: plan.at, SaleID: &saleID}); err != nil {
		return nil, err
	}
	order.Status = StatusCompleted
	order.CompletedAt = &plan.at
	order.SaleID = &saleID
	order.UpdatedAt = plan.at
	for i := range order.Items {
		for _, line := range plan.lines {
			if line.item.ID == order.Items[i].ID && line.draft >= 0 {
				id := line.productID
				order.Items[i].ProductID = &id
			}
		}
	}
	for i := range order.PartExchanges {
		for _, ti := range plan.tradeIns {
			if ti.px.ID == order.PartExchanges[i].ID {
				id := plan.products[ti.draft].product.ID
				order.PartExchanges[i].ProductID = &id
			}
		}
	}

	result.Order = order
	result.Sale = sale
	return result, nil
}
