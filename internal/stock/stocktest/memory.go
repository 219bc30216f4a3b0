// Package stocktest provides an in-memory stock ledger for tests.
package stocktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// Ledger is an in-memory stock.TxLedger. It is not safe for concurrent use;
// Repo serialises access.
type Ledger struct {
	Products  map[int64]bool
	Movements []stock.Movement
	nextID    int64
}

// NewLedger returns a ledger knowing the given product ids.
func NewLedger(productIDs ...int64) *Ledger {
	l := &Ledger{Products: make(map[int64]bool)}
	for _, id := range productIDs {
		l.Products[id] = true
	}
	return l
}

// Seed appends a purchase movement without checks.
func (l *Ledger) Seed(productID, qty int64) {
	l.Products[productID] = true
	l.nextID++
	l.Movements = append(l.Movements, stock.Movement{
		ID: l.nextID, ProductID: productID, Quantity: qty, Type: stock.MovementPurchase, CreatedAt: time.Now().UTC(),
	})
}

// Append adds a raw movement without checks, for building corrupt histories.
func (l *Ledger) Append(m stock.Movement) stock.Movement {
	l.nextID++
	m.ID = l.nextID
	l.Movements = append(l.Movements, m)
	return m
}

// Clone deep-copies the ledger.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{Products: make(map[int64]bool, len(l.Products)), nextID: l.nextID}
	for id := range l.Products {
		c.Products[id] = true
	}
	c.Movements = append([]stock.Movement(nil), l.Movements...)
	return c
}

// Position summarises one product.
func (l *Ledger) Position(productID int64) stock.Position {
	return stock.Summarize(productID, l.Movements)
}

// Count returns how many movements of type t exist for productID.
func (l *Ledger) Count(productID int64, t stock.MovementType) int {
	n := 0
	for _, m := range l.Movements {
		if m.ProductID == productID && m.Type == t {
			n++
		}
	}
	return n
}

func (l *Ledger) LockProduct(_ context.Context, productID int64) error {
	if !l.Products[productID] {
		return fmt.Errorf("%w: id %d", stock.ErrProductNotFound, productID)
	}
	return nil
}

func (l *Ledger) ProductMovements(_ context.Context, productID int64) ([]stock.Movement, error) {
	var out []stock.Movement
	for _, m := range l.Movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (l *Ledger) InsertMovement(_ context.Context, m stock.Movement) (stock.Movement, error) {
	if m.ResolvesMovementID != nil {
		for _, existing := range l.Movements {
			if existing.ResolvesMovementID != nil && *existing.ResolvesMovementID == *m.ResolvesMovementID {
				return stock.Movement{}, stock.ErrReservationResolved
			}
		}
	}
	return l.Append(m), nil
}

// Repo implements stock.RepositoryPort. WithTx holds a mutex for the whole
// callback and restores the previous state when fn fails.
type Repo struct {
	mu     sync.Mutex
	Ledger *Ledger
}

// NewRepo wraps ledger.
func NewRepo(ledger *Ledger) *Repo {
	return &Repo{Ledger: ledger}
}

func (r *Repo) WithTx(ctx context.Context, fn func(context.Context, stock.TxLedger) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.Ledger.Clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	*r.Ledger = *work
	return nil
}

func (r *Repo) Movements(_ context.Context, productID int64) ([]stock.Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Ledger.Products[productID] {
		return nil, fmt.Errorf("%w: id %d", stock.ErrProductNotFound, productID)
	}
	return r.Ledger.ProductMovements(context.Background(), productID)
}

func (r *Repo) ProductIDs(_ context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range r.Ledger.Movements {
		if !seen[m.ProductID] {
			seen[m.ProductID] = true
			ids = append(ids, m.ProductID)
		}
	}
	return ids, nil
}
