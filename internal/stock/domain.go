package stock

import (
	"time"

	"github.com/google/uuid"
)

// MovementType enumerates stock ledger entry kinds.
type MovementType string

const (
	// MovementPurchase receives units into stock.
	MovementPurchase MovementType = "purchase"
	// MovementSale removes sold units from stock.
	MovementSale MovementType = "sale"
	// MovementReserve holds units against a deposit order.
	MovementReserve MovementType = "reserve"
	// MovementRelease returns a reservation to availability.
	MovementRelease MovementType = "release"
	// MovementAdjustment corrects on-hand in either direction.
	MovementAdjustment MovementType = "adjustment"
	// MovementReturn receives units back from a customer.
	MovementReturn MovementType = "return"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementReserve, MovementRelease, MovementAdjustment, MovementReturn:
		return true
	}
	return false
}

// AffectsOnHand reports whether the movement changes physical stock.
// Reservations only move units between available and reserved.
func (t MovementType) AffectsOnHand() bool {
	return t != MovementReserve && t != MovementRelease
}

// sign returns the required sign of the quantity, 0 when either sign is allowed.
func (t MovementType) sign() int {
	switch t {
	case MovementPurchase, MovementRelease, MovementReturn:
		return 1
	case MovementSale, MovementReserve:
		return -1
	}
	return 0
}

// Movement is one immutable stock ledger entry.
type Movement struct {
	ID                 int64        `json:"id"`
	ProductID          int64        `json:"product_id"`
	Quantity           int64        `json:"quantity"`
	Type               MovementType `json:"movement_type"`
	DepositOrderID     *int64       `json:"deposit_order_id,omitempty"`
	SaleID             *int64       `json:"sale_id,omitempty"`
	ResolvesMovementID *int64       `json:"resolves_movement_id,omitempty"`
	BatchID            uuid.UUID    `json:"batch_id"`
	Note               string       `json:"note,omitempty"`
	ActorID            int64        `json:"actor_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Position is the derived stock state of one product.
type Position struct {
	ProductID int64 `json:"product_id"`
	OnHand    int64 `json:"on_hand"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// Summarize reduces a product's movements into its current position.
func Summarize(productID int64, movements []Movement) Position {
	pos := Position{ProductID: productID}
	for _, m := range movements {
		if m.ProductID != productID {
			continue
		}
		pos.Available += m.Quantity
		if m.Type.AffectsOnHand() {
			pos.OnHand += m.Quantity
		}
	}
	pos.Reserved = pos.OnHand - pos.Available
	return pos
}

// OutstandingReservations returns the reserve movements not yet resolved by a release.
func OutstandingReservations(movements []Movement) []Movement {
	resolved := make(map[int64]bool)
	for _, m := range movements {
		if m.Type == MovementRelease && m.ResolvesMovementID != nil {
			resolved[*m.ResolvesMovementID] = true
		}
	}
	var out []Movement
	for _, m := range movements {
		if m.Type == MovementReserve && !resolved[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func findReservation(movements []Movement, id int64) (Movement, bool) {
	for _, m := range movements {
		if m.ID == id && m.Type == MovementReserve {
			return m, true
		}
	}
	return Movement{}, false
}

func isResolved(movements []Movement, reservationID int64) bool {
	for _, m := range movements {
		if m.Type == MovementRelease && m.ResolvesMovementID != nil && *m.ResolvesMovementID == reservationID {
			return true
		}
	}
	return false
}
