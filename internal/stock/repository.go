package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/meatcart/meatcart/internal/platform/db"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetItemForUpdate(ctx context.Context, productID int64) (Item, error)
	EnsureItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, item Item) error
	InsertMovement(ctx context.Context, mv Movement) (Movement, error)
}

// Repository persists stock rows and movements in PostgreSQL.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepo struct {
	q db.Querier
}

// WithTx executes the callback inside the context transaction, opening one when needed.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tm.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: r.tm.Querier(ctx)})
	})
}

const itemColumns = `product_id, quantity, reserved_quantity, available_quantity, low_stock_threshold, reorder_point, reorder_quantity, last_restocked_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ProductID, &it.Quantity, &it.ReservedQuantity, &it.AvailableQuantity,
		&it.LowStockThreshold, &it.ReorderPoint, &it.ReorderQuantity, &it.LastRestockedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return it, nil
}

// GetItem loads a stock row without locking it.
func (r *Repository) GetItem(ctx context.Context, productID int64) (Item, error) {
	return scanItem(r.tm.Querier(ctx).QueryRow(ctx, `SELECT `+itemColumns+` FROM stock_items WHERE product_id=$1`, productID))
}

// ListItems returns every stock row ordered by product.
func (r *Repository) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, `SELECT `+itemColumns+` FROM stock_items ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListMovements returns movements matching filter ordered by id.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != 0 {
		add("product_id=$%d", filter.ProductID)
	}
	if filter.Type != "" {
		add("type=$%d", string(filter.Type))
	}
	if filter.ReferenceType != ReferenceNone {
		add("reference_type=$%d", string(filter.ReferenceType))
	}
	if filter.ReferenceID != 0 {
		add("reference_id=$%d", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	query := `SELECT id, product_id, type, quantity, previous_quantity, new_quantity, unit_cost, reason, reference_type, reference_id, performed_by, created_at FROM stock_movements`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.tm.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var (
			mv      Movement
			refType *string
			refID   *int64
		)
		if err := rows.Scan(&mv.ID, &mv.ProductID, &mv.Type, &mv.Quantity, &mv.PreviousQuantity, &mv.NewQuantity,
			&mv.UnitCost, &mv.Reason, &refType, &refID, &mv.PerformedBy, &mv.CreatedAt); err != nil {
			return nil, err
		}
		if refType != nil {
			mv.ReferenceType = ReferenceType(*refType)
		}
		if refID != nil {
			mv.ReferenceID = *refID
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (r *txRepo) GetItemForUpdate(ctx context.Context, productID int64) (Item, error) {
	return scanItem(r.q.QueryRow(ctx, `SELECT `+itemColumns+` FROM stock_items WHERE product_id=$1 FOR UPDATE`, productID))
}

func (r *txRepo) EnsureItem(ctx context.Context, item Item) error {
	_, err := r.q.Exec(ctx, `INSERT INTO stock_items (product_id, quantity, reserved_quantity, available_quantity, low_stock_threshold, reorder_point, reorder_quantity, updated_at)
VALUES ($1, 0, 0, 0, $2, $3, $4, $5) ON CONFLICT (product_id) DO NOTHING`,
		item.ProductID, item.LowStockThreshold, item.ReorderPoint, item.ReorderQuantity, item.UpdatedAt)
	return err
}

func (r *txRepo) UpdateItem(ctx context.Context, item Item) error {
	tag, err := r.q.Exec(ctx, `UPDATE stock_items SET quantity=$2, reserved_quantity=$3, available_quantity=$4, low_stock_threshold=$5, reorder_point=$6, reorder_quantity=$7, last_restocked_at=$8, updated_at=$9 WHERE product_id=$1`,
		item.ProductID, item.Quantity, item.ReservedQuantity, item.AvailableQuantity,
		item.LowStockThreshold, item.ReorderPoint, item.ReorderQuantity, item.LastRestockedAt, item.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	var (
		refType *string
		refID   *int64
	)
	if mv.ReferenceType != ReferenceNone {
		t := string(mv.ReferenceType)
		refType = &t
		refID = &mv.ReferenceID
	}
	err := r.q.QueryRow(ctx, `INSERT INTO stock_movements (product_id, type, quantity, previous_quantity, new_quantity, unit_cost, reason, reference_type, reference_id, performed_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		mv.ProductID, string(mv.Type), mv.Quantity, mv.PreviousQuantity, mv.NewQuantity, mv.UnitCost,
		mv.Reason, refType, refID, mv.PerformedBy, mv.CreatedAt).Scan(&mv.ID)
	if err != nil {
		return Movement{}, err
	}
	return mv, nil
}

var _ RepositoryPort = (*Repository)(nil)
