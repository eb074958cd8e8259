package procurement

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/memdb"
)

type batchKey struct {
	lineID  int64
	batchID string
}

// MemoryRepository keeps purchase orders in process memory.
type MemoryRepository struct {
	store    *memdb.Store
	orders   map[int64]PurchaseOrder
	lineToPO map[int64]int64
	batches  []ReceiptBatch
	applied  map[batchKey]struct{}
}

// NewMemoryRepository constructs a transient repository on store.
func NewMemoryRepository(store *memdb.Store) *MemoryRepository {
	return &MemoryRepository{
		store:    store,
		orders:   make(map[int64]PurchaseOrder),
		lineToPO: make(map[int64]int64),
		applied:  make(map[batchKey]struct{}),
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

func clonePO(po PurchaseOrder) PurchaseOrder {
	po.Lines = append([]Line(nil), po.Lines...)
	return po
}

// GetPurchaseOrder loads a PO with its lines.
func (r *MemoryRepository) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	var out PurchaseOrder
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		po, ok := r.orders[id]
		if !ok {
			return ErrPONotFound
		}
		out = clonePO(po)
		return nil
	})
	return out, err
}

// ListPurchaseOrders lists POs newest first, without lines.
func (r *MemoryRepository) ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	var out []PurchaseOrder
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, po := range r.orders {
			if filter.Status != "" && po.Status != filter.Status {
				continue
			}
			if filter.SupplierID != 0 && po.SupplierID != filter.SupplierID {
				continue
			}
			po.Lines = nil
			out = append(out, po)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

// ListReceipts lists applied receipt batches of a PO.
func (r *MemoryRepository) ListReceipts(ctx context.Context, poID int64) ([]ReceiptBatch, error) {
	var out []ReceiptBatch
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, b := range r.batches {
			if b.PurchaseOrderID == poID {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

func (t *memoryTx) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	r := t.repo
	po = clonePO(po)
	po.ID = r.store.NextID("purchase_orders")
	for i := range po.Lines {
		po.Lines[i].ID = r.store.NextID("purchase_order_lines")
		po.Lines[i].PurchaseOrderID = po.ID
		r.lineToPO[po.Lines[i].ID] = po.ID
	}
	r.orders[po.ID] = po
	id := po.ID
	lines := po.Lines
	memdb.OnRollback(ctx, func() {
		delete(r.orders, id)
		for _, l := range lines {
			delete(r.lineToPO, l.ID)
		}
	})
	return clonePO(po), nil
}

func (t *memoryTx) GetPurchaseOrderForUpdate(_ context.Context, id int64) (PurchaseOrder, error) {
	po, ok := t.repo.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrPONotFound
	}
	return clonePO(po), nil
}

func (t *memoryTx) update(ctx context.Context, id int64, apply func(*PurchaseOrder)) error {
	r := t.repo
	prev, ok := r.orders[id]
	if !ok {
		return ErrPONotFound
	}
	next := clonePO(prev)
	apply(&next)
	r.orders[id] = next
	memdb.OnRollback(ctx, func() { r.orders[id] = prev })
	return nil
}

func (t *memoryTx) UpdateStatus(ctx context.Context, id int64, status POStatus, at time.Time) error {
	return t.update(ctx, id, func(po *PurchaseOrder) {
		po.Status = status
		po.UpdatedAt = at
	})
}

func (t *memoryTx) SetApproval(ctx context.Context, id int64, approvedBy string, approvedAt time.Time) error {
	return t.update(ctx, id, func(po *PurchaseOrder) {
		po.ApprovedBy = approvedBy
		po.ApprovedAt = &approvedAt
	})
}

func (t *memoryTx) AddReceivedQuantity(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	poID, ok := t.repo.lineToPO[lineID]
	if !ok {
		return ErrLineNotFound
	}
	var over bool
	err := t.update(ctx, poID, func(po *PurchaseOrder) {
		for i := range po.Lines {
			if po.Lines[i].ID != lineID {
				continue
			}
			next := po.Lines[i].ReceivedQuantity.Add(qty)
			if next.GreaterThan(po.Lines[i].Quantity) {
				over = true
				return
			}
			po.Lines[i].ReceivedQuantity = next
		}
	})
	if err != nil {
		return err
	}
	if over {
		return ErrOverReceipt
	}
	return nil
}

func (t *memoryTx) ReceiptApplied(_ context.Context, lineID int64, batchID string) (bool, error) {
	_, ok := t.repo.applied[batchKey{lineID: lineID, batchID: batchID}]
	return ok, nil
}

func (t *memoryTx) InsertReceiptBatch(ctx context.Context, batch ReceiptBatch) error {
	r := t.repo
	key := batchKey{lineID: batch.LineID, batchID: batch.BatchID}
	if _, ok := r.applied[key]; ok {
		return ErrReceiptAlreadyApplied
	}
	batch.ID = r.store.NextID("receipt_batches")
	r.applied[key] = struct{}{}
	r.batches = append(r.batches, batch)
	n := len(r.batches) - 1
	memdb.OnRollback(ctx, func() {
		delete(r.applied, key)
		r.batches = r.batches[:n]
	})
	return nil
}
