package deposits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

var (
	// ErrOrderNotFound indicates the deposit order id is unknown.
	ErrOrderNotFound = fmt.Errorf("deposits: order %w", shared.ErrNotFound)
	// ErrItemNotFound indicates the line does not belong to the order.
	ErrItemNotFound = fmt.Errorf("deposits: item %w", shared.ErrNotFound)
	// ErrInvalidState indicates the operation is not legal from the order's status.
	ErrInvalidState = fmt.Errorf("deposits: invalid state: %w", shared.ErrConflict)
	// ErrOverpayment indicates a payment larger than the balance due.
	ErrOverpayment = fmt.Errorf("deposits: payment exceeds balance due: %w", shared.ErrConflict)
	// ErrOutstandingBalance indicates completion was attempted before full payment.
	ErrOutstandingBalance = fmt.Errorf("deposits: balance outstanding: %w", shared.ErrConflict)
	// ErrMissingAttribution indicates a consigned line cannot be attributed to a payout.
	ErrMissingAttribution = fmt.Errorf("deposits: consignment attribution missing: %w", shared.ErrConflict)
)

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// InvalidStateError reports the status that rejected an operation.
type InvalidStateError struct {
	OrderID   int64
	Status    Status
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("deposits: cannot %s order %d in status %s", e.Operation, e.OrderID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CurrentValues exposes the authoritative status.
func (e *InvalidStateError) CurrentValues() map[string]any {
	return map[string]any{"order_id": e.OrderID, "status": string(e.Status)}
}

// OverpaymentError reports the balance a rejected payment exceeded.
type OverpaymentError struct {
	OrderID    int64
	Amount     decimal.Decimal
	AmountPaid decimal.Decimal
	BalanceDue decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("deposits: payment %s exceeds balance due %s on order %d", money(e.Amount), money(e.BalanceDue), e.OrderID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// CurrentValues exposes the authoritative payment totals.
func (e *OverpaymentError) CurrentValues() map[string]any {
	return map[string]any{
		"order_id":    e.OrderID,
		"amount_paid": money(e.AmountPaid),
		"balance_due": money(e.BalanceDue),
	}
}

// OutstandingBalanceError reports the balance that blocks completion.
type OutstandingBalanceError struct {
	OrderID    int64
	AmountPaid decimal.Decimal
	BalanceDue decimal.Decimal
}

func (e *OutstandingBalanceError) Error() string {
	return fmt.Sprintf("deposits: order %d has balance due %s", e.OrderID, money(e.BalanceDue))
}

func (e *OutstandingBalanceError) Unwrap() error { return ErrOutstandingBalance }

// CurrentValues exposes the authoritative payment totals.
func (e *OutstandingBalanceError) CurrentValues() map[string]any {
	return map[string]any{
		"order_id":    e.OrderID,
		"amount_paid": money(e.AmountPaid),
		"balance_due": money(e.BalanceDue),
	}
}

// MissingAttributionError reports a consigned line that cannot produce a settlement.
type MissingAttributionError struct {
	OrderID   int64
	ItemID    int64
	ProductID int64
	Reason    string
}

func (e *MissingAttributionError) Error() string {
	return fmt.Sprintf("deposits: order %d item %d product %d: %s", e.OrderID, e.ItemID, e.ProductID, e.Reason)
}

func (e *MissingAttributionError) Unwrap() error { return ErrMissingAttribution }

// CurrentValues identifies the product that needs attention.
func (e *MissingAttributionError) CurrentValues() map[string]any {
	return map[string]any{
		"order_id":   e.OrderID,
		"item_id":    e.ItemID,
		"product_id": e.ProductID,
		"reason":     e.Reason,
		"status":     string(StatusActive),
	}
}
