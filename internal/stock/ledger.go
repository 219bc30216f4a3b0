package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxLedger is the transaction-scoped ledger storage. LockProduct must take a row
// lock that serialises every writer of the product until the transaction ends.
type TxLedger interface {
	LockProduct(ctx context.Context, productID int64) error
	ProductMovements(ctx context.Context, productID int64) ([]Movement, error)
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
}

// MovementInput describes a ledger append. Quantity is signed.
type MovementInput struct {
	ProductID          int64
	Quantity           int64
	Type               MovementType
	DepositOrderID     *int64
	SaleID             *int64
	ResolvesMovementID *int64
	BatchID            uuid.UUID
	Note               string
	ActorID            int64
	At                 time.Time
	// AllowNegative lets adjustments drive stock below zero.
	AllowNegative bool
}

// RecordMovement appends a movement after locking the product and checking that the
// resulting on-hand and available quantities stay non-negative.
func RecordMovement(ctx context.Context, tx TxLedger, in MovementInput) (Movement, error) {
	if !in.Type.Valid() {
		return Movement{}, ErrInvalidMovementType
	}
	if in.Quantity == 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if s := in.Type.sign(); (s > 0 && in.Quantity < 0) || (s < 0 && in.Quantity > 0) {
		return Movement{}, fmt.Errorf("%w: %s requires the opposite sign", ErrInvalidQuantity, in.Type)
	}
	if err := tx.LockProduct(ctx, in.ProductID); err != nil {
		return Movement{}, err
	}
	movements, err := tx.ProductMovements(ctx, in.ProductID)
	if err != nil {
		return Movement{}, err
	}
	pos := Summarize(in.ProductID, movements)
	if in.Quantity < 0 && !(in.AllowNegative && in.Type == MovementAdjustment) {
		onHand := pos.OnHand
		if in.Type.AffectsOnHand() {
			onHand += in.Quantity
		}
		if onHand < 0 || pos.Available+in.Quantity < 0 {
			return Movement{}, &NegativeStockError{ProductID: in.ProductID, Position: pos, Quantity: in.Quantity}
		}
	}
	return insert(ctx, tx, in)
}

// ReserveInput holds units of a product against a deposit order.
type ReserveInput struct {
	ProductID      int64
	Quantity       int64
	DepositOrderID int64
	BatchID        uuid.UUID
	ActorID        int64
	At             time.Time
}

// Reserve appends a reserve movement of -Quantity when enough stock is available.
// No write happens when availability is short.
func Reserve(ctx context.Context, tx TxLedger, in ReserveInput) (Movement, error) {
	if in.Quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if err := tx.LockProduct(ctx, in.ProductID); err != nil {
		return Movement{}, err
	}
	movements, err := tx.ProductMovements(ctx, in.ProductID)
	if err != nil {
		return Movement{}, err
	}
	pos := Summarize(in.ProductID, movements)
	if pos.Available < in.Quantity {
		return Movement{}, &InsufficientStockError{ProductID: in.ProductID, Requested: in.Quantity, Available: pos.Available}
	}
	orderID := in.DepositOrderID
	return insert(ctx, tx, MovementInput{
		ProductID:      in.ProductID,
		Quantity:       -in.Quantity,
		Type:           MovementReserve,
		DepositOrderID: &orderID,
		BatchID:        in.BatchID,
		ActorID:        in.ActorID,
		At:             in.At,
	})
}

// ReleaseInput resolves one reservation.
type ReleaseInput struct {
	ProductID      int64
	ReservationID  int64
	DepositOrderID int64
	BatchID        uuid.UUID
	Note           string
	ActorID        int64
	At             time.Time
}

// Release appends the release movement matching a reservation. A reservation is
// released at most once; a second attempt fails with ErrReservationResolved.
func Release(ctx context.Context, tx TxLedger, in ReleaseInput) (Movement, error) {
	if err := tx.LockProduct(ctx, in.ProductID); err != nil {
		return Movement{}, err
	}
	movements, err := tx.ProductMovements(ctx, in.ProductID)
	if err != nil {
		return Movement{}, err
	}
	reservation, ok := findReservation(movements, in.ReservationID)
	if !ok || reservation.DepositOrderID == nil || *reservation.DepositOrderID != in.DepositOrderID {
		return Movement{}, fmt.Errorf("%w: id %d for order %d", ErrReservationNotFound, in.ReservationID, in.DepositOrderID)
	}
	if isResolved(movements, in.ReservationID) {
		return Movement{}, fmt.Errorf("%w: id %d", ErrReservationResolved, in.ReservationID)
	}
	orderID, resolves := in.DepositOrderID, in.ReservationID
	return insert(ctx, tx, MovementInput{
		ProductID:          in.ProductID,
		Quantity:           -reservation.Quantity,
		Type:               MovementRelease,
		DepositOrderID:     &orderID,
		ResolvesMovementID: &resolves,
		BatchID:            in.BatchID,
		Note:               in.Note,
		ActorID:            in.ActorID,
		At:                 in.At,
	})
}

func insert(ctx context.Context, tx TxLedger, in MovementInput) (Movement, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	batch := in.BatchID
	if batch == uuid.Nil {
		batch = uuid.New()
	}
	return tx.InsertMovement(ctx, Movement{
		ProductID:          in.ProductID,
		Quantity:           in.Quantity,
		Type:               in.Type,
		DepositOrderID:     in.DepositOrderID,
		SaleID:             in.SaleID,
		ResolvesMovementID: in.ResolvesMovementID,
		BatchID:            batch,
		Note:               in.Note,
		ActorID:            in.ActorID,
		CreatedAt:          at.UTC(),
	})
}
