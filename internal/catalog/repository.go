package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxCatalog is the transaction-scoped product storage used by the deposit engine.
type TxCatalog interface {
	ProductByID(ctx context.Context, id int64) (Product, error)
	InsertProduct(ctx context.Context, p Product) (Product, error)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const productColumns = `id, sku, name, category, description, serial_number, unit_price, unit_cost,
    is_consignment, consignment_supplier_id, source, is_active, created_at`

// TxStore implements TxCatalog on a pgx transaction.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

// ProductByID loads a product, locking its row for the rest of the transaction.
func (s *TxStore) ProductByID(ctx context.Context, id int64) (Product, error) {
	return getProduct(ctx, s.tx, id)
}

// InsertProduct creates a product row and returns it with its id.
func (s *TxStore) InsertProduct(ctx context.Context, p Product) (Product, error) {
	const q = `INSERT INTO products (sku, name, category, description, serial_number, unit_price, unit_cost,
        is_consignment, consignment_supplier_id, source, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id, created_at`
	err := s.tx.QueryRow(ctx, q, p.SKU, p.Name, p.Category, p.Description, p.SerialNumber,
		p.UnitPrice, p.UnitCost, p.IsConsignment, p.ConsignmentSupplierID, string(p.Source), p.IsActive,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: insert product %s: %w", p.SKU, err)
	}
	return p, nil
}

func getProduct(ctx context.Context, q queryRower, id int64) (Product, error) {
	sql := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
	var (
		p      Product
		source string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Description, &p.SerialNumber,
		&p.UnitPrice, &p.UnitCost, &p.IsConsignment, &p.ConsignmentSupplierID, &source, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: id %d", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, err
	}
	p.Source = Source(source)
	return p, nil
}
