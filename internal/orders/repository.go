package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meatcart/meatcart/internal/platform/db"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertOrder(ctx context.Context, o Order) (Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status, at time.Time) error
	UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus, at time.Time) error
	AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	InsertTracking(ctx context.Context, event TrackingEvent) (TrackingEvent, error)
	UpsertPayment(ctx context.Context, p Payment) (Payment, error)
}

// Repository persists orders in PostgreSQL.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside the context transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tm.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: r.tm.Querier(ctx)})
	})
}

const orderColumns = `id, order_number, customer_id, status, payment_status, payment_method, subtotal, discount, delivery_fee, vat_amount, total, notes, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Number, &o.CustomerID, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.Subtotal, &o.Discount, &o.DeliveryFee, &o.VATAmount, &o.Total, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return o, nil
}

func loadItems(ctx context.Context, q db.Querier, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, product_name, sku, quantity, unit_price, total_price
FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.SKU, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetOrder loads an order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	q := r.tm.Querier(ctx)
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return Order{}, err
	}
	o.Items, err = loadItems(ctx, q, o.ID)
	return o, err
}

// ListOrders lists orders newest first, without items.
func (r *Repository) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status=$%d", len(args))
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
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListHistory returns status history oldest first.
func (r *Repository) ListHistory(ctx context.Context, orderID int64) ([]HistoryEntry, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, `SELECT id, order_id, status, changed_at, changed_by, notes
FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Status, &h.ChangedAt, &h.ChangedBy, &h.Notes); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListTracking returns driver updates oldest first.
func (r *Repository) ListTracking(ctx context.Context, orderID int64) ([]TrackingEvent, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, `SELECT id, order_id, status, driver_id, notes, created_at
FROM delivery_tracking WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrackingEvent
	for rows.Next() {
		var e TrackingEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Status, &e.DriverID, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetPayment loads the payment row of an order.
func (r *Repository) GetPayment(ctx context.Context, orderID int64) (Payment, error) {
	var p Payment
	err := r.tm.Querier(ctx).QueryRow(ctx, `SELECT id, order_id, method, amount, status, transaction_ref, captured_at, updated_at
FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &p.Status, &p.TransactionRef, &p.CapturedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

func (r *txRepository) InsertOrder(ctx context.Context, o Order) (Order, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO orders (order_number, customer_id, status, payment_status, payment_method,
subtotal, discount, delivery_fee, vat_amount, total, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		o.Number, o.CustomerID, string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod),
		o.Subtotal, o.Discount, o.DeliveryFee, o.VATAmount, o.Total, o.Notes, o.CreatedAt, o.UpdatedAt).Scan(&o.ID)
	if err != nil {
		return Order{}, err
	}
	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		if err := r.q.QueryRow(ctx, `INSERT INTO order_items (order_id, product_id, product_name, sku, quantity, unit_price, total_price)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
			it.OrderID, it.ProductID, it.ProductName, it.SKU, it.Quantity, it.UnitPrice, it.TotalPrice).Scan(&it.ID); err != nil {
			return Order{}, err
		}
	}
	return o, nil
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Order{}, err
	}
	o.Items, err = loadItems(ctx, r.q, o.ID)
	return o, err
}

func (r *txRepository) UpdateOrderStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *txRepository) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE orders SET payment_status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *txRepository) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO order_status_history (order_id, status, changed_at, changed_by, notes)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		entry.OrderID, string(entry.Status), entry.ChangedAt, entry.ChangedBy, entry.Notes).Scan(&entry.ID)
	return entry, err
}

func (r *txRepository) InsertTracking(ctx context.Context, event TrackingEvent) (TrackingEvent, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO delivery_tracking (order_id, status, driver_id, notes, created_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		event.OrderID, string(event.Status), event.DriverID, event.Notes, event.CreatedAt).Scan(&event.ID)
	return event, err
}

func (r *txRepository) UpsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO payments (order_id, method, amount, status, transaction_ref, captured_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status,
	transaction_ref=COALESCE(NULLIF(EXCLUDED.transaction_ref, ''), payments.transaction_ref),
	captured_at=COALESCE(payments.captured_at, EXCLUDED.captured_at),
	updated_at=EXCLUDED.updated_at
RETURNING id, transaction_ref, captured_at`,
		p.OrderID, string(p.Method), p.Amount, string(p.Status), p.TransactionRef, p.CapturedAt, p.UpdatedAt).
		Scan(&p.ID, &p.TransactionRef, &p.CapturedAt)
	return p, err
}
