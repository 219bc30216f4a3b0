package stock

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

var (
	// ErrProductNotFound indicates the product id is unknown.
	ErrProductNotFound = fmt.Errorf("stock: product %w", shared.ErrNotFound)
	// ErrInvalidQuantity indicates a zero quantity or one whose sign contradicts the movement type.
	ErrInvalidQuantity = fmt.Errorf("stock: invalid quantity: %w", shared.ErrValidation)
	// ErrInvalidMovementType indicates an unknown movement type.
	ErrInvalidMovementType = fmt.Errorf("stock: invalid movement type: %w", shared.ErrValidation)
	// ErrInsufficientStock indicates a reservation larger than available stock.
	ErrInsufficientStock = fmt.Errorf("stock: insufficient available stock: %w", shared.ErrConflict)
	// ErrNegativeStock indicates a movement would drive on-hand or available below zero.
	ErrNegativeStock = fmt.Errorf("stock: movement would result in negative stock: %w", shared.ErrConflict)
	// ErrReservationNotFound indicates the reservation does not exist for the product and order.
	ErrReservationNotFound = fmt.Errorf("stock: reservation %w", shared.ErrNotFound)
	// ErrReservationResolved indicates the reservation was already released.
	ErrReservationResolved = fmt.Errorf("stock: reservation already released: %w", shared.ErrConflict)
)

// InsufficientStockError reports the available quantity at the time of a rejected reservation.
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// CurrentValues exposes the authoritative availability.
func (e *InsufficientStockError) CurrentValues() map[string]any {
	return map[string]any{
		"product_id": e.ProductID,
		"requested":  e.Requested,
		"available":  e.Available,
	}
}

// NegativeStockError reports the position a rejected movement would have produced.
type NegativeStockError struct {
	ProductID int64
	Position  Position
	Quantity  int64
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("stock: movement of %d rejected for product %d: on_hand %d, available %d",
		e.Quantity, e.ProductID, e.Position.OnHand, e.Position.Available)
}

func (e *NegativeStockError) Unwrap() error { return ErrNegativeStock }

// CurrentValues exposes the position before the rejected movement.
func (e *NegativeStockError) CurrentValues() map[string]any {
	return map[string]any{
		"product_id": e.ProductID,
		"on_hand":    e.Position.OnHand,
		"available":  e.Position.Available,
	}
}
