package deposits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/sales/salestest"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock/stocktest"
)

// memoryState is everything a deposit transaction can touch.
type memoryState struct {
	ledger   *stocktest.Ledger
	sales    *salestest.Store
	products map[int64]catalog.Product
	orders   map[int64]Order
	items    []Item
	pxs      []PartExchange
	payments []Payment
	nextID   int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		ledger:   s.ledger.Clone(),
		sales:    s.sales.Clone(),
		products: make(map[int64]catalog.Product, len(s.products)),
		orders:   make(map[int64]Order, len(s.orders)),
		items:    append([]Item(nil), s.items...),
		pxs:      append([]PartExchange(nil), s.pxs...),
		payments: append([]Payment(nil), s.payments...),
		nextID:   s.nextID,
	}
	for id, p := range s.products {
		c.products[id] = p
	}
	for id, o := range s.orders {
		c.orders[id] = o
	}
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// assemble builds the full order view from the header and its children.
func (s *memoryState) assemble(id int64) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	o.Items, o.PartExchanges, o.Payments = nil, nil, []Payment{}
	for _, it := range s.items {
		if it.OrderID == id {
			o.Items = append(o.Items, it)
		}
	}
	for _, px := range s.pxs {
		if px.OrderID == id {
			o.PartExchanges = append(o.PartExchanges, px)
		}
	}
	for _, p := range s.payments {
		if p.OrderID == id {
			o.Payments = append(o.Payments, p)
		}
	}
	o.derive()
	return &o, nil
}

// memoryRepo implements RepositoryPort. WithTx serialises callers and discards
// the working copy when fn fails.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
	// failSettlement makes InsertSettlement fail, for atomicity checks.
	failSettlement bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		ledger:   stocktest.NewLedger(),
		sales:    salestest.NewStore(),
		products: make(map[int64]catalog.Product),
		orders:   make(map[int64]Order),
		nextID:   1000,
	}}
}

// addProduct registers a catalog product and receives qty units.
func (r *memoryRepo) addProduct(p catalog.Product, qty int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Source == "" {
		p.Source = catalog.SourceCatalog
	}
	p.IsActive = true
	r.state.products[p.ID] = p
	r.state.ledger.Products[p.ID] = true
	if qty > 0 {
		r.state.ledger.Seed(p.ID, qty)
	}
}

func (r *memoryRepo) snapshot() *memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	tx := &memoryTx{Ledger: work.ledger, Store: work.sales, state: work, failSettlement: r.failSettlement}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetOrder(_ context.Context, id int64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.assemble(id)
}

func (r *memoryRepo) ListOrders(_ context.Context, filter ListFilter) ([]Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, o := range r.state.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.CustomerID != 0 && (o.CustomerID == nil || *o.CustomerID != filter.CustomerID) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	page := shared.NewPagination(filter.Page, filter.PerPage, len(ids))
	var out []Order
	for i := page.Offset(); i < len(ids) && len(out) < page.PerPage; i++ {
		o, err := r.state.assemble(ids[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *o)
	}
	return out, len(ids), nil
}

func (r *memoryRepo) OverdueOrderIDs(_ context.Context, cutoff time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, o := range r.state.orders {
		if o.Status == StatusActive && o.ExpectedPickupAt != nil && o.ExpectedPickupAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// memoryTx implements TxRepository over a working copy.
type memoryTx struct {
	*stocktest.Ledger
	*salestest.Store
	state          *memoryState
	failSettlement bool
}

var errInjected = errors.New("injected failure")

func (t *memoryTx) InsertSettlement(ctx context.Context, st sales.ConsignmentSettlement) (sales.ConsignmentSettlement, error) {
	if t.failSettlement {
		return sales.ConsignmentSettlement{}, errInjected
	}
	return t.Store.InsertSettlement(ctx, st)
}

func (t *memoryTx) ProductByID(_ context.Context, id int64) (catalog.Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("%w: id %d", catalog.ErrProductNotFound, id)
	}
	return p, nil
}

func (t *memoryTx) InsertProduct(_ context.Context, p catalog.Product) (catalog.Product, error) {
	p.ID = t.state.id()
	p.CreatedAt = time.Now().UTC()
	t.state.products[p.ID] = p
	t.Ledger.Products[p.ID] = true
	return p, nil
}

func (t *memoryTx) InsertOrder(_ context.Context, o Order) (Order, error) {
	o.ID = t.state.id()
	t.state.orders[o.ID] = o
	return o, nil
}

func (t *memoryTx) InsertItem(_ context.Context, it Item) (Item, error) {
	it.ID = t.state.id()
	t.state.items = append(t.state.items, it)
	return it, nil
}

func (t *memoryTx) InsertPartExchange(_ context.Context, px PartExchange) (PartExchange, error) {
	px.ID = t.state.id()
	t.state.pxs = append(t.state.pxs, px)
	return px, nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	p.ID = t.state.id()
	t.state.payments = append(t.state.payments, p)
	return p, nil
}

func (t *memoryTx) GetOrderForUpdate(_ context.Context, id int64) (*Order, error) {
	return t.state.assemble(id)
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, change StatusChange) error {
	o, ok := t.state.orders[id]
	if !ok || o.Status != StatusActive {
		return fmt.Errorf("%w: order %d is no longer active", ErrInvalidState, id)
	}
	at := change.At
	o.Status, o.Notes, o.UpdatedAt = change.Status, change.Notes, at
	stamp(&o, change.Status, at)
	if change.SaleID != nil {
		o.SaleID = change.SaleID
	}
	t.state.orders[id] = o
	return nil
}

func (t *memoryTx) UpdateDetails(_ context.Context, id int64, notes string, pickup *time.Time, at time.Time) error {
	o := t.state.orders[id]
	o.Notes, o.ExpectedPickupAt, o.UpdatedAt = notes, pickup, at
	t.state.orders[id] = o
	return nil
}

func (t *memoryTx) SetItemCost(_ context.Context, itemID int64, cost decimal.NullDecimal) error {
	for i := range t.state.items {
		if t.state.items[i].ID == itemID {
			t.state.items[i].UnitCost = cost
		}
	}
	return nil
}

func (t *memoryTx) SetItemProduct(_ context.Context, itemID, productID int64) error {
	for i := range t.state.items {
		if t.state.items[i].ID == itemID {
			id := productID
			t.state.items[i].ProductID = &id
		}
	}
	return nil
}

func (t *memoryTx) SetPartExchangeProduct(_ context.Context, pxID, productID int64) error {
	for i := range t.state.pxs {
		if t.state.pxs[i].ID == pxID {
			id := productID
			t.state.pxs[i].ProductID = &id
		}
	}
	return nil
}
