package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

// Repository provides pgx-backed ledger persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxLedger) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// Movements loads a product's full ledger in append order.
func (r *Repository) Movements(ctx context.Context, productID int64) ([]Movement, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
	}
	return queryMovements(ctx, r.pool, productID)
}

// ProductIDs lists products that have ledger history.
func (r *Repository) ProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT product_id FROM stock_movements ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// TxStore implements TxLedger on a pgx transaction.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

// LockProduct takes the product row lock that serialises ledger writers.
func (s *TxStore) LockProduct(ctx context.Context, productID int64) error {
	var id int64
	err := s.tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
	}
	return err
}

// ProductMovements loads the product ledger within the transaction.
func (s *TxStore) ProductMovements(ctx context.Context, productID int64) ([]Movement, error) {
	return queryMovements(ctx, s.tx, productID)
}

// InsertMovement appends a movement row.
func (s *TxStore) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	const q = `INSERT INTO stock_movements
        (product_id, quantity, movement_type, deposit_order_id, sale_id, resolves_movement_id, batch_id, note, actor_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id`
	err := s.tx.QueryRow(ctx, q,
		m.ProductID, m.Quantity, string(m.Type), m.DepositOrderID, m.SaleID, m.ResolvesMovementID,
		m.BatchID, m.Note, db.NullID(m.ActorID), m.CreatedAt,
	).Scan(&m.ID)
	if db.IsUniqueViolation(err) {
		return Movement{}, ErrReservationResolved
	}
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryMovements(ctx context.Context, q querier, productID int64) ([]Movement, error) {
	const sql = `SELECT id, product_id, quantity, movement_type, deposit_order_id, sale_id,
        resolves_movement_id, batch_id, note, COALESCE(actor_id, 0), created_at
        FROM stock_movements WHERE product_id = $1 ORDER BY id`
	rows, err := q.Query(ctx, sql, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var (
			m       Movement
			kind    string
			batchID *uuid.UUID
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Quantity, &kind, &m.DepositOrderID, &m.SaleID,
			&m.ResolvesMovementID, &batchID, &m.Note, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(kind)
		if batchID != nil {
			m.BatchID = *batchID
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
