package stock

import (
	"context"

	"github.com/meatcart/meatcart/internal/platform/memdb"
)

// MemoryRepository keeps stock rows and movements in process memory.
type MemoryRepository struct {
	store     *memdb.Store
	items     map[int64]Item
	movements []Movement
}

// NewMemoryRepository constructs a transient repository on store.
func NewMemoryRepository(store *memdb.Store) *MemoryRepository {
	return &MemoryRepository{store: store, items: make(map[int64]Item)}
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

// GetItem returns a copy of the stock row.
func (r *MemoryRepository) GetItem(ctx context.Context, productID int64) (Item, error) {
	var item Item
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		it, ok := r.items[productID]
		if !ok {
			return ErrItemNotFound
		}
		item = it
		return nil
	})
	return item, err
}

// ListItems returns every stock row ordered by product.
func (r *MemoryRepository) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, it := range r.items {
			items = append(items, it)
		}
		return nil
	})
	sortItems(items)
	return items, err
}

// ListMovements returns movements matching filter in insertion order.
func (r *MemoryRepository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var out []Movement
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, mv := range r.movements {
			if !filter.matches(mv) {
				continue
			}
			out = append(out, mv)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (tx *memoryTx) GetItemForUpdate(ctx context.Context, productID int64) (Item, error) {
	it, ok := tx.repo.items[productID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return it, nil
}

func (tx *memoryTx) EnsureItem(ctx context.Context, item Item) error {
	if _, ok := tx.repo.items[item.ProductID]; ok {
		return nil
	}
	item.recompute()
	tx.repo.items[item.ProductID] = item
	memdb.OnRollback(ctx, func() { delete(tx.repo.items, item.ProductID) })
	return nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item Item) error {
	prev, ok := tx.repo.items[item.ProductID]
	if !ok {
		return ErrItemNotFound
	}
	tx.repo.items[item.ProductID] = item
	memdb.OnRollback(ctx, func() { tx.repo.items[item.ProductID] = prev })
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	mv.ID = tx.repo.store.NextID("stock_movements")
	n := len(tx.repo.movements)
	tx.repo.movements = append(tx.repo.movements, mv)
	memdb.OnRollback(ctx, func() { tx.repo.movements = tx.repo.movements[:n] })
	return mv, nil
}

func (f MovementFilter) matches(mv Movement) bool {
	if f.ProductID != 0 && mv.ProductID != f.ProductID {
		return false
	}
	if f.Type != "" && mv.Type != f.Type {
		return false
	}
	if f.ReferenceType != ReferenceNone && mv.ReferenceType != f.ReferenceType {
		return false
	}
	if f.ReferenceID != 0 && mv.ReferenceID != f.ReferenceID {
		return false
	}
	if !f.From.IsZero() && mv.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && mv.CreatedAt.After(f.To) {
		return false
	}
	return true
}

var _ RepositoryPort = (*MemoryRepository)(nil)
