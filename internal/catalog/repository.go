package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/platform/memdb"
)

// PostgresRepository reads products from PostgreSQL.
type PostgresRepository struct {
	tm *db.TxManager
}

// NewPostgresRepository constructs PostgresRepository.
func NewPostgresRepository(tm *db.TxManager) *PostgresRepository {
	return &PostgresRepository{tm: tm}
}

// WithTx delegates to the transaction manager.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return r.tm.WithTx(ctx, fn)
}

// GetProduct loads one product.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.tm.Querier(ctx).QueryRow(ctx, `SELECT id, name, sku, price, active FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// UpsertProduct inserts or replaces a product keyed by id, or by sku when id is zero.
func (r *PostgresRepository) UpsertProduct(ctx context.Context, p Product) (Product, error) {
	q := r.tm.Querier(ctx)
	if p.ID == 0 {
		err := q.QueryRow(ctx, `INSERT INTO products (name, sku, price, active) VALUES ($1, $2, $3, $4)
ON CONFLICT (sku) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, active=EXCLUDED.active RETURNING id`,
			p.Name, p.SKU, p.Price, p.Active).Scan(&p.ID)
		return p, err
	}
	_, err := q.Exec(ctx, `INSERT INTO products (id, name, sku, price, active) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, sku=EXCLUDED.sku, price=EXCLUDED.price, active=EXCLUDED.active`,
		p.ID, p.Name, p.SKU, p.Price, p.Active)
	return p, err
}

// MemoryRepository keeps products in process memory.
type MemoryRepository struct {
	store    *memdb.Store
	products map[int64]Product
	lookups  int
}

// NewMemoryRepository constructs a transient product repository.
func NewMemoryRepository(store *memdb.Store) *MemoryRepository {
	return &MemoryRepository{store: store, products: make(map[int64]Product)}
}

// WithTx runs fn under the store lock.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return r.store.WithTx(ctx, fn)
}

// GetProduct loads one product.
func (r *MemoryRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var out Product
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		r.lookups++
		p, ok := r.products[id]
		if !ok {
			return ErrProductNotFound
		}
		out = p
		return nil
	})
	return out, err
}

// UpsertProduct inserts or replaces a product.
func (r *MemoryRepository) UpsertProduct(ctx context.Context, p Product) (Product, error) {
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		if p.ID == 0 {
			for _, existing := range r.products {
				if existing.SKU == p.SKU {
					p.ID = existing.ID
					break
				}
			}
		}
		if p.ID == 0 {
			p.ID = r.store.NextID("products")
		}
		prev, existed := r.products[p.ID]
		r.products[p.ID] = p
		memdb.OnRollback(ctx, func() {
			if existed {
				r.products[p.ID] = prev
				return
			}
			delete(r.products, p.ID)
		})
		return nil
	})
	return p, err
}
