package orders

import (
	"context"
	"sort"
	"time"

	"github.com/meatcart/meatcart/internal/platform/memdb"
)

// MemoryRepository keeps orders in process memory.
type MemoryRepository struct {
	store    *memdb.Store
	orders   map[int64]Order
	history  []HistoryEntry
	tracking []TrackingEvent
	payments map[int64]Payment
}

// NewMemoryRepository constructs a transient repository on store.
func NewMemoryRepository(store *memdb.Store) *MemoryRepository {
	return &MemoryRepository{
		store:    store,
		orders:   make(map[int64]Order),
		payments: make(map[int64]Payment),
	}
}

type memoryTx struct {
	repo *MemoryRepository
}

// WithTx runs fn under the store lock.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &memoryTx{repo: r})
	})
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}

// GetOrder loads an order with its items.
func (r *MemoryRepository) GetOrder(ctx context.Context, id int64) (Order, error) {
	var out Order
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		o, ok := r.orders[id]
		if !ok {
			return ErrOrderNotFound
		}
		out = cloneOrder(o)
		return nil
	})
	return out, err
}

// ListOrders lists orders newest first, without items.
func (r *MemoryRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var out []Order
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, o := range r.orders {
			if filter.Status != "" && o.Status != filter.Status {
				continue
			}
			o.Items = nil
			out = append(out, o)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

// ListHistory returns status history oldest first.
func (r *MemoryRepository) ListHistory(ctx context.Context, orderID int64) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, h := range r.history {
			if h.OrderID == orderID {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

// ListTracking returns driver updates oldest first.
func (r *MemoryRepository) ListTracking(ctx context.Context, orderID int64) ([]TrackingEvent, error) {
	var out []TrackingEvent
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, e := range r.tracking {
			if e.OrderID == orderID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// GetPayment loads the payment row of an order.
func (r *MemoryRepository) GetPayment(ctx context.Context, orderID int64) (Payment, error) {
	var out Payment
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		p, ok := r.payments[orderID]
		if !ok {
			return ErrPaymentNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (t *memoryTx) InsertOrder(ctx context.Context, o Order) (Order, error) {
	r := t.repo
	o.ID = r.store.NextID("orders")
	o = cloneOrder(o)
	for i := range o.Items {
		o.Items[i].ID = r.store.NextID("order_items")
		o.Items[i].OrderID = o.ID
	}
	r.orders[o.ID] = o
	id := o.ID
	memdb.OnRollback(ctx, func() { delete(r.orders, id) })
	return cloneOrder(o), nil
}

func (t *memoryTx) GetOrderForUpdate(_ context.Context, id int64) (Order, error) {
	o, ok := t.repo.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (t *memoryTx) update(ctx context.Context, id int64, apply func(*Order)) error {
	r := t.repo
	prev, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	next := prev
	apply(&next)
	r.orders[id] = next
	memdb.OnRollback(ctx, func() { r.orders[id] = prev })
	return nil
}

func (t *memoryTx) UpdateOrderStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	return t.update(ctx, id, func(o *Order) {
		o.Status = status
		o.UpdatedAt = at
	})
}

func (t *memoryTx) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus, at time.Time) error {
	return t.update(ctx, id, func(o *Order) {
		o.PaymentStatus = status
		o.UpdatedAt = at
	})
}

func (t *memoryTx) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	r := t.repo
	entry.ID = r.store.NextID("order_status_history")
	r.history = append(r.history, entry)
	n := len(r.history) - 1
	memdb.OnRollback(ctx, func() { r.history = r.history[:n] })
	return entry, nil
}

func (t *memoryTx) InsertTracking(ctx context.Context, event TrackingEvent) (TrackingEvent, error) {
	r := t.repo
	event.ID = r.store.NextID("delivery_tracking")
	r.tracking = append(r.tracking, event)
	n := len(r.tracking) - 1
	memdb.OnRollback(ctx, func() { r.tracking = r.tracking[:n] })
	return event, nil
}

func (t *memoryTx) UpsertPayment(ctx context.Context, p Payment) (Payment, error) {
	r := t.repo
	prev, existed := r.payments[p.OrderID]
	if existed {
		p.ID = prev.ID
		if p.TransactionRef == "" {
			p.TransactionRef = prev.TransactionRef
		}
		if prev.CapturedAt != nil {
			p.CapturedAt = prev.CapturedAt
		}
	} else {
		p.ID = r.store.NextID("payments")
	}
	r.payments[p.OrderID] = p
	memdb.OnRollback(ctx, func() {
		if existed {
			r.payments[p.OrderID] = prev
		} else {
			delete(r.payments, p.OrderID)
		}
	})
	return p, nil
}
