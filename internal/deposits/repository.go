package deposits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// Repository provides PostgreSQL backed persistence for deposit orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a read-committed transaction whose writers all share tx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const orderColumns = `id, reference, customer_id, customer_name, status, total_amount, part_exchange_total,
    expected_pickup_at, notes, location_id, COALESCE(created_by, 0), sale_id, created_at, updated_at,
    completed_at, cancelled_at, voided_at, expired_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.Reference, &o.CustomerID, &o.CustomerName, &status, &o.TotalAmount,
		&o.PartExchangeTotal, &o.ExpectedPickupAt, &o.Notes, &o.LocationID, &o.CreatedBy, &o.SaleID,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt, &o.CancelledAt, &o.VoidedAt, &o.ExpiredAt)
	o.Status = Status(status)
	return o, err
}

// ============================================================================
// READS
// ============================================================================

// GetOrder loads an order and its children without locking.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM deposit_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		order.Items, err = loadItems(gctx, r.pool, id)
		return err
	})
	g.Go(func() error {
		var err error
		order.PartExchanges, err = loadPartExchanges(gctx, r.pool, id)
		return err
	})
	g.Go(func() error {
		var err error
		order.Payments, err = loadPayments(gctx, r.pool, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("deposits: load order %d: %w", id, err)
	}
	order.derive()
	return &order, nil
}

// ListOrders returns one page of orders, newest first, with amounts derived from
// the payment ledger, plus the total match count.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("o.status = $%d", string(filter.Status))
	}
	if filter.CustomerID != 0 {
		add("o.customer_id = $%d", filter.CustomerID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deposit_orders o`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	sql := fmt.Sprintf(`SELECT o.id, o.reference, o.customer_id, o.customer_name, o.status, o.total_amount,
        o.part_exchange_total, o.expected_pickup_at, o.notes, o.location_id, COALESCE(o.created_by, 0), o.sale_id,
        o.created_at, o.updated_at, o.completed_at, o.cancelled_at, o.voided_at, o.expired_at,
        COALESCE((SELECT SUM(p.amount) FROM deposit_payments p WHERE p.deposit_order_id = o.id), 0)
        FROM deposit_orders o%s ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) {
		var (
			o      Order
			status string
		)
		err := row.Scan(&o.ID, &o.Reference, &o.CustomerID, &o.CustomerName, &status, &o.TotalAmount,
			&o.PartExchangeTotal, &o.ExpectedPickupAt, &o.Notes, &o.LocationID, &o.CreatedBy, &o.SaleID,
			&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt, &o.CancelledAt, &o.VoidedAt, &o.ExpiredAt, &o.AmountPaid)
		o.Status = Status(status)
		o.derive()
		return o, err
	})
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// OverdueOrderIDs lists active orders whose expected pickup lies before cutoff.
func (r *Repository) OverdueOrderIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM deposit_orders
        WHERE status = 'active' AND expected_pickup_at IS NOT NULL AND expected_pickup_at < $1
        ORDER BY expected_pickup_at, id`, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func loadItems(ctx context.Context, q queryer, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, deposit_order_id, product_id, is_custom_order, name, category, description,
        quantity, unit_price, unit_cost, reservation_id, line_order
        FROM deposit_order_items WHERE deposit_order_id = $1 ORDER BY line_order, id`, orderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var it Item
		err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.IsCustomOrder, &it.Name, &it.Category,
			&it.Description, &it.Quantity, &it.UnitPrice, &it.UnitCost, &it.ReservationID, &it.LineOrder)
		return it, err
	})
}

func loadPartExchanges(ctx context.Context, q queryer, orderID int64) ([]PartExchange, error) {
	rows, err := q.Query(ctx, `SELECT id, deposit_order_id, product_name, category, description, serial_number,
        allowance, product_id FROM part_exchange_items WHERE deposit_order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PartExchange, error) {
		var px PartExchange
		err := row.Scan(&px.ID, &px.OrderID, &px.ProductName, &px.Category, &px.Description,
			&px.SerialNumber, &px.Allowance, &px.ProductID)
		return px, err
	})
}

func loadPayments(ctx context.Context, q queryer, orderID int64) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT id, deposit_order_id, amount, method, notes, COALESCE(recorded_by, 0), recorded_at
        FROM deposit_payments WHERE deposit_order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Payment, error) {
		var (
			p      Payment
			method string
		)
		err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &method, &p.Notes, &p.RecordedBy, &p.RecordedAt)
		p.Method = PaymentMethod(method)
		return p, err
	})
	if payments == nil && err == nil {
		payments = []Payment{}
	}
	return payments, err
}

// ============================================================================
// TRANSACTIONAL STORE
// ============================================================================

type (
	ledgerStore  = stock.TxStore
	catalogStore = catalog.TxStore
	saleStore    = sales.TxStore
)

// TxStore implements TxRepository on one pgx transaction, composing the ledger,
// catalog and sale stores over the same tx.
type TxStore struct {
	*ledgerStore
	*catalogStore
	*saleStore
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{
		ledgerStore:  stock.NewTxStore(tx),
		catalogStore: catalog.NewTxStore(tx),
		saleStore:    sales.NewTxStore(tx),
		tx:           tx,
	}
}

// InsertOrder writes the order header.
func (s *TxStore) InsertOrder(ctx context.Context, o Order) (Order, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO deposit_orders (reference, customer_id, customer_name, status, total_amount,
        part_exchange_total, expected_pickup_at, notes, location_id, created_by, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		o.Reference, o.CustomerID, o.CustomerName, string(o.Status), o.TotalAmount, o.PartExchangeTotal,
		o.ExpectedPickupAt, o.Notes, o.LocationID, db.NullID(o.CreatedBy), o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return Order{}, fmt.Errorf("deposits: insert order: %w", err)
	}
	return o, nil
}

// InsertItem writes one order line.
func (s *TxStore) InsertItem(ctx context.Context, it Item) (Item, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO deposit_order_items (deposit_order_id, product_id, is_custom_order, name,
        category, description, quantity, unit_price, unit_cost, reservation_id, line_order)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		it.OrderID, it.ProductID, it.IsCustomOrder, it.Name, it.Category, it.Description, it.Quantity,
		it.UnitPrice, it.UnitCost, it.ReservationID, it.LineOrder,
	).Scan(&it.ID)
	if err != nil {
		return Item{}, fmt.Errorf("deposits: insert item: %w", err)
	}
	return it, nil
}

// InsertPartExchange writes one trade-in.
func (s *TxStore) InsertPartExchange(ctx context.Context, px PartExchange) (PartExchange, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO part_exchange_items (deposit_order_id, product_name, category, description,
        serial_number, allowance) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		px.OrderID, px.ProductName, px.Category, px.Description, px.SerialNumber, px.Allowance,
	).Scan(&px.ID)
	if err != nil {
		return PartExchange{}, fmt.Errorf("deposits: insert part exchange: %w", err)
	}
	return px, nil
}

// InsertPayment appends a payment ledger row.
func (s *TxStore) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO deposit_payments (deposit_order_id, amount, method, notes, recorded_by, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.OrderID, p.Amount, string(p.Method), p.Notes, db.NullID(p.RecordedBy), p.RecordedAt,
	).Scan(&p.ID)
	if err != nil {
		return Payment{}, fmt.Errorf("deposits: insert payment: %w", err)
	}
	return p, nil
}

// GetOrderForUpdate locks the order row and loads its children in the same tx.
func (s *TxStore) GetOrderForUpdate(ctx context.Context, id int64) (*Order, error) {
	order, err := scanOrder(s.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM deposit_orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if order.Items, err = loadItems(ctx, s.tx, id); err != nil {
		return nil, err
	}
	if order.PartExchanges, err = loadPartExchanges(ctx, s.tx, id); err != nil {
		return nil, err
	}
	if order.Payments, err = loadPayments(ctx, s.tx, id); err != nil {
		return nil, err
	}
	order.derive()
	return &order, nil
}

// UpdateStatus applies a lifecycle transition and stamps the matching timestamp.
func (s *TxStore) UpdateStatus(ctx context.Context, id int64, change StatusChange) error {
	column, ok := map[Status]string{
		StatusCompleted: "completed_at",
		StatusCancelled: "cancelled_at",
		StatusVoided:    "voided_at",
		StatusExpired:   "expired_at",
	}[change.Status]
	if !ok {
		return fmt.Errorf("deposits: no timestamp for status %s", change.Status)
	}
	sql := fmt.Sprintf(`UPDATE deposit_orders SET status = $2, notes = $3, %s = $4, updated_at = $4,
        sale_id = COALESCE($5, sale_id) WHERE id = $1 AND status = 'active'`, column)
	tag, err := s.tx.Exec(ctx, sql, id, string(change.Status), change.Notes, change.At, change.SaleID)
	if err != nil {
		return fmt.Errorf("deposits: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d is no longer active", ErrInvalidState, id)
	}
	return nil
}

// UpdateDetails rewrites notes and the expected pickup date.
func (s *TxStore) UpdateDetails(ctx context.Context, id int64, notes string, pickup *time.Time, at time.Time) error {
	_, err := s.tx.Exec(ctx, `UPDATE deposit_orders SET notes = $2, expected_pickup_at = $3, updated_at = $4 WHERE id = $1`,
		id, notes, pickup, at)
	return err
}

// SetItemCost records the unit cost of a line.
func (s *TxStore) SetItemCost(ctx context.Context, itemID int64, cost decimal.NullDecimal) error {
	_, err := s.tx.Exec(ctx, `UPDATE deposit_order_items SET unit_cost = $2 WHERE id = $1`, itemID, cost)
	return err
}

// SetItemProduct links a custom line to the product materialized from it.
func (s *TxStore) SetItemProduct(ctx context.Context, itemID, productID int64) error {
	_, err := s.tx.Exec(ctx, `UPDATE deposit_order_items SET product_id = $2 WHERE id = $1`, itemID, productID)
	return err
}

// SetPartExchangeProduct links a trade-in to the product materialized from it.
func (s *TxStore) SetPartExchangeProduct(ctx context.Context, pxID, productID int64) error {
	_, err := s.tx.Exec(ctx, `UPDATE part_exchange_items SET product_id = $2 WHERE id = $1`, pxID, productID)
	return err
}
