package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

// TxWriter is the transaction-scoped sale sink used by deposit completion.
type TxWriter interface {
	InsertSale(ctx context.Context, s Sale) (Sale, error)
	InsertSaleItem(ctx context.Context, item SaleItem) (SaleItem, error)
	InsertSalePartExchange(ctx context.Context, px SalePartExchange) (SalePartExchange, error)
	InsertSettlement(ctx context.Context, st ConsignmentSettlement) (ConsignmentSettlement, error)
}

// Repository provides PostgreSQL backed reads and settlement updates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ============================================================================
// READS
// ============================================================================

// GetSale loads a sale with its lines and trade-ins.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	var s Sale
	err := r.pool.QueryRow(ctx, `SELECT id, doc_number, deposit_order_id, customer_id, location_id, subtotal,
        part_exchange_total, total, amount_paid, sold_at, COALESCE(created_by, 0)
        FROM sales WHERE id = $1`, id).Scan(&s.ID, &s.DocNumber, &s.DepositOrderID, &s.CustomerID, &s.LocationID,
		&s.Subtotal, &s.PartExchangeTotal, &s.Total, &s.AmountPaid, &s.SoldAt, &s.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, fmt.Errorf("%w: id %d", ErrSaleNotFound, id)
	}
	if err != nil {
		return Sale{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, `SELECT id, sale_id, product_id, deposit_order_item_id, quantity, unit_price,
            unit_cost, line_total FROM sale_items WHERE sale_id = $1 ORDER BY id`, id)
		if err != nil {
			return err
		}
		s.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SaleItem, error) {
			var it SaleItem
			err := row.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.DepositOrderItemID, &it.Quantity,
				&it.UnitPrice, &it.UnitCost, &it.LineTotal)
			return it, err
		})
		return err
	})
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, `SELECT id, sale_id, product_id, part_exchange_item_id, allowance
            FROM sale_part_exchanges WHERE sale_id = $1 ORDER BY id`, id)
		if err != nil {
			return err
		}
		s.PartExchanges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SalePartExchange, error) {
			var px SalePartExchange
			err := row.Scan(&px.ID, &px.SaleID, &px.ProductID, &px.PartExchangeItemID, &px.Allowance)
			return px, err
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return Sale{}, fmt.Errorf("sales: load sale %d: %w", id, err)
	}
	return s, nil
}

const settlementColumns = `id, sale_id, sale_item_id, product_id, supplier_id, quantity, sale_price,
    payout_amount, shop_share, status, paid_at, created_at`

func scanSettlement(row pgx.Row) (ConsignmentSettlement, error) {
	var (
		st     ConsignmentSettlement
		status string
	)
	err := row.Scan(&st.ID, &st.SaleID, &st.SaleItemID, &st.ProductID, &st.SupplierID, &st.Quantity,
		&st.SalePrice, &st.PayoutAmount, &st.ShopShare, &status, &st.PaidAt, &st.CreatedAt)
	st.Status = SettlementStatus(status)
	return st, err
}

// ListSettlements returns settlements matching filter, oldest first.
func (r *Repository) ListSettlements(ctx context.Context, filter SettlementFilter) ([]ConsignmentSettlement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.SaleID != 0 {
		add("sale_id = $%d", filter.SaleID)
	}
	if filter.SupplierID != 0 {
		add("supplier_id = $%d", filter.SupplierID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	sql := `SELECT ` + settlementColumns + ` FROM consignment_settlements`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := r.pool.Query(ctx, sql+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConsignmentSettlement, error) {
		return scanSettlement(row)
	})
}

// MarkSettlementPaid flips a pending settlement to paid.
func (r *Repository) MarkSettlementPaid(ctx context.Context, id int64, at time.Time) (ConsignmentSettlement, error) {
	var out ConsignmentSettlement
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		st, err := scanSettlement(tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM consignment_settlements WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrSettlementNotFound, id)
		}
		if err != nil {
			return err
		}
		if st.Status == SettlementPaid {
			return ErrSettlementPaid
		}
		if _, err := tx.Exec(ctx, `UPDATE consignment_settlements SET status = 'paid', paid_at = $2 WHERE id = $1`, id, at); err != nil {
			return err
		}
		st.Status = SettlementPaid
		st.PaidAt = &at
		out = st
		return nil
	})
	return out, err
}

// ============================================================================
// TRANSACTIONAL WRITES
// ============================================================================

// TxStore implements TxWriter on a pgx transaction.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

// InsertSale writes the sale header.
func (s *TxStore) InsertSale(ctx context.Context, sale Sale) (Sale, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO sales (doc_number, deposit_order_id, customer_id, location_id, subtotal,
        part_exchange_total, total, amount_paid, sold_at, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		sale.DocNumber, sale.DepositOrderID, sale.CustomerID, sale.LocationID, sale.Subtotal,
		sale.PartExchangeTotal, sale.Total, sale.AmountPaid, sale.SoldAt, db.NullID(sale.CreatedBy),
	).Scan(&sale.ID)
	if err != nil {
		return Sale{}, fmt.Errorf("sales: insert sale: %w", err)
	}
	return sale, nil
}

// InsertSaleItem writes one sale line.
func (s *TxStore) InsertSaleItem(ctx context.Context, it SaleItem) (SaleItem, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO sale_items (sale_id, product_id, deposit_order_item_id, quantity,
        unit_price, unit_cost, line_total) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		it.SaleID, it.ProductID, it.DepositOrderItemID, it.Quantity, it.UnitPrice, it.UnitCost, it.LineTotal,
	).Scan(&it.ID)
	if err != nil {
		return SaleItem{}, fmt.Errorf("sales: insert sale item: %w", err)
	}
	return it, nil
}

// InsertSalePartExchange writes one trade-in credit.
func (s *TxStore) InsertSalePartExchange(ctx context.Context, px SalePartExchange) (SalePartExchange, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO sale_part_exchanges (sale_id, product_id, part_exchange_item_id, allowance)
        VALUES ($1, $2, $3, $4) RETURNING id`,
		px.SaleID, px.ProductID, px.PartExchangeItemID, px.Allowance,
	).Scan(&px.ID)
	if err != nil {
		return SalePartExchange{}, fmt.Errorf("sales: insert part exchange: %w", err)
	}
	return px, nil
}

// InsertSettlement writes a consignment payout record.
func (s *TxStore) InsertSettlement(ctx context.Context, st ConsignmentSettlement) (ConsignmentSettlement, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO consignment_settlements (sale_id, sale_item_id, product_id, supplier_id,
        quantity, sale_price, payout_amount, shop_share, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		st.SaleID, st.SaleItemID, st.ProductID, st.SupplierID, st.Quantity, st.SalePrice,
		st.PayoutAmount, st.ShopShare, string(st.Status),
	).Scan(&st.ID, &st.CreatedAt)
	if err != nil {
		return ConsignmentSettlement{}, fmt.Errorf("sales: insert settlement: %w", err)
	}
	return st, nil
}
