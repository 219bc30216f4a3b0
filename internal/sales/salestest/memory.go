// Package salestest provides an in-memory sale sink for tests.
package salestest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/sales"
)

// Store holds sales and settlements in memory. It implements sales.TxWriter
// directly and sales.RepositoryPort through its locking methods.
type Store struct {
	mu            sync.Mutex
	Sales         []sales.Sale
	Items         []sales.SaleItem
	PartExchanges []sales.SalePartExchange
	Settlements   []sales.ConsignmentSettlement
	nextID        int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Clone copies the store contents for transactional snapshots.
func (s *Store) Clone() *Store {
	return &Store{
		Sales:         append([]sales.Sale(nil), s.Sales...),
		Items:         append([]sales.SaleItem(nil), s.Items...),
		PartExchanges: append([]sales.SalePartExchange(nil), s.PartExchanges...),
		Settlements:   append([]sales.ConsignmentSettlement(nil), s.Settlements...),
		nextID:        s.nextID,
	}
}

// Restore replaces the contents with those of snapshot.
func (s *Store) Restore(snapshot *Store) {
	s.Sales, s.Items, s.PartExchanges, s.Settlements = snapshot.Sales, snapshot.Items, snapshot.PartExchanges, snapshot.Settlements
	s.nextID = snapshot.nextID
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) InsertSale(_ context.Context, sale sales.Sale) (sales.Sale, error) {
	sale.ID = s.id()
	s.Sales = append(s.Sales, sale)
	return sale, nil
}

func (s *Store) InsertSaleItem(_ context.Context, it sales.SaleItem) (sales.SaleItem, error) {
	it.ID = s.id()
	s.Items = append(s.Items, it)
	return it, nil
}

func (s *Store) InsertSalePartExchange(_ context.Context, px sales.SalePartExchange) (sales.SalePartExchange, error) {
	px.ID = s.id()
	s.PartExchanges = append(s.PartExchanges, px)
	return px, nil
}

func (s *Store) InsertSettlement(_ context.Context, st sales.ConsignmentSettlement) (sales.ConsignmentSettlement, error) {
	st.ID = s.id()
	st.CreatedAt = time.Now().UTC()
	s.Settlements = append(s.Settlements, st)
	return st, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (sales.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sale := range s.Sales {
		if sale.ID != id {
			continue
		}
		for _, it := range s.Items {
			if it.SaleID == id {
				sale.Items = append(sale.Items, it)
			}
		}
		for _, px := range s.PartExchanges {
			if px.SaleID == id {
				sale.PartExchanges = append(sale.PartExchanges, px)
			}
		}
		return sale, nil
	}
	return sales.Sale{}, fmt.Errorf("%w: id %d", sales.ErrSaleNotFound, id)
}

func (s *Store) ListSettlements(_ context.Context, filter sales.SettlementFilter) ([]sales.ConsignmentSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sales.ConsignmentSettlement
	for _, st := range s.Settlements {
		if filter.Matches(st) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) MarkSettlementPaid(_ context.Context, id int64, at time.Time) (sales.ConsignmentSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Settlements {
		if s.Settlements[i].ID != id {
			continue
		}
		if s.Settlements[i].Status == sales.SettlementPaid {
			return sales.ConsignmentSettlement{}, sales.ErrSettlementPaid
		}
		s.Settlements[i].Status = sales.SettlementPaid
		s.Settlements[i].PaidAt = &at
		return s.Settlements[i], nil
	}
	return sales.ConsignmentSettlement{}, fmt.Errorf("%w: id %d", sales.ErrSettlementNotFound, id)
}
