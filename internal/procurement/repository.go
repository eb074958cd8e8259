package procurement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
	GetPurchaseOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id int64, status POStatus, at time.Time) error
	SetApproval(ctx context.Context, id int64, approvedBy string, approvedAt time.Time) error
	AddReceivedQuantity(ctx context.Context, lineID int64, qty decimal.Decimal) error
	ReceiptApplied(ctx context.Context, lineID int64, batchID string) (bool, error)
	// InsertReceiptBatch returns ErrReceiptAlreadyApplied when the
	// (line, batch) pair exists.
	InsertReceiptBatch(ctx context.Context, batch ReceiptBatch) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs a repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepo struct {
	q db.Querier
}

// WithTx executes the callback inside the context transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tm.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: r.tm.Querier(ctx)})
	})
}

const poColumns = `id, po_number, supplier_id, status, subtotal, tax_amount, shipping_cost, total, expected_date, notes, created_by, approved_by, approved_at, created_at, updated_at`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var (
		po         PurchaseOrder
		approvedBy *string
	)
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.Status, &po.Subtotal, &po.TaxAmount, &po.ShippingCost, &po.Total,
		&po.ExpectedDate, &po.Notes, &po.CreatedBy, &approvedBy, &po.ApprovedAt, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrPONotFound
		}
		return PurchaseOrder{}, err
	}
	if approvedBy != nil {
		po.ApprovedBy = *approvedBy
	}
	return po, nil
}

func loadLines(ctx context.Context, q db.Querier, poID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, purchase_order_id, product_id, quantity, unit_cost, total_cost, received_quantity
FROM purchase_order_lines WHERE purchase_order_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.PurchaseOrderID, &l.ProductID, &l.Quantity, &l.UnitCost, &l.TotalCost, &l.ReceivedQuantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetPurchaseOrder loads a PO with its lines.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	q := r.tm.Querier(ctx)
	po, err := scanPO(q.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, q, po.ID)
	return po, err
}

// ListPurchaseOrders lists POs newest first, without lines.
func (r *Repository) ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.SupplierID != 0 {
		args = append(args, filter.SupplierID)
		conds = append(conds, fmt.Sprintf("supplier_id=$%d", len(args)))
	}
	query := `SELECT ` + poColumns + ` FROM purchase_orders`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.tm.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// ListReceipts lists applied receipt batches of a PO.
func (r *Repository) ListReceipts(ctx context.Context, poID int64) ([]ReceiptBatch, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, `SELECT id, purchase_order_id, line_id, batch_id, quantity, received_by, received_at
FROM receipt_batches WHERE purchase_order_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReceiptBatch
	for rows.Next() {
		var b ReceiptBatch
		if err := rows.Scan(&b.ID, &b.PurchaseOrderID, &b.LineID, &b.BatchID, &b.Quantity, &b.ReceivedBy, &b.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepo) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO purchase_orders (po_number, supplier_id, status, subtotal, tax_amount, shipping_cost, total,
expected_date, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		po.Number, po.SupplierID, string(po.Status), po.Subtotal, po.TaxAmount, po.ShippingCost, po.Total,
		po.ExpectedDate, po.Notes, po.CreatedBy, po.CreatedAt, po.UpdatedAt).Scan(&po.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return PurchaseOrder{}, fmt.Errorf("procurement: po number %q taken: %w", po.Number, shared.ErrConflict)
		}
		return PurchaseOrder{}, err
	}
	for i := range po.Lines {
		l := &po.Lines[i]
		l.PurchaseOrderID = po.ID
		if err := r.q.QueryRow(ctx, `INSERT INTO purchase_order_lines (purchase_order_id, product_id, quantity, unit_cost, total_cost, received_quantity)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			l.PurchaseOrderID, l.ProductID, l.Quantity, l.UnitCost, l.TotalCost, l.ReceivedQuantity).Scan(&l.ID); err != nil {
			return PurchaseOrder{}, err
		}
	}
	return po, nil
}

func (r *txRepo) GetPurchaseOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanPO(r.q.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, r.q, po.ID)
	return po, err
}

func (r *txRepo) UpdateStatus(ctx context.Context, id int64, status POStatus, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPONotFound
	}
	return nil
}

func (r *txRepo) SetApproval(ctx context.Context, id int64, approvedBy string, approvedAt time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE purchase_orders SET approved_by=$2, approved_at=$3 WHERE id=$1`, id, approvedBy, approvedAt)
	return err
}

func (r *txRepo) AddReceivedQuantity(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	tag, err := r.q.Exec(ctx, `UPDATE purchase_order_lines SET received_quantity = received_quantity + $2
WHERE id=$1 AND received_quantity + $2 <= quantity`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOverReceipt
	}
	return nil
}

func (r *txRepo) ReceiptApplied(ctx context.Context, lineID int64, batchID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM receipt_batches WHERE line_id=$1 AND batch_id=$2)`, lineID, batchID).Scan(&exists)
	return exists, err
}

func (r *txRepo) InsertReceiptBatch(ctx context.Context, batch ReceiptBatch) error {
	_, err := r.q.Exec(ctx, `INSERT INTO receipt_batches (purchase_order_id, line_id, batch_id, quantity, received_by, received_at)
VALUES ($1,$2,$3,$4,$5,$6)`, batch.PurchaseOrderID, batch.LineID, batch.BatchID, batch.Quantity, batch.ReceivedBy, batch.ReceivedAt)
	if db.IsUniqueViolation(err) {
		return ErrReceiptAlreadyApplied
	}
	return err
}
