// Package catalog resolves product snapshots used by orders, purchase orders
// and movement reasons.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/meatcart/meatcart/internal/platform/cache"
	"github.com/meatcart/meatcart/internal/shared"
)

// Product is the subset of catalogue data the fulfilment core depends on.
type Product struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	SKU    string          `json:"sku"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// ProductInput creates or replaces a product.
type ProductInput struct {
	ID                int64
	Name              string
	SKU               string
	Price             decimal.Decimal
	LowStockThreshold int
}

var (
	// ErrProductNotFound indicates an unknown product id.
	ErrProductNotFound = fmt.Errorf("catalog: product %w", shared.ErrNotFound)
	// ErrProductInactive indicates the product can no longer be sold.
	ErrProductInactive = fmt.Errorf("catalog: product inactive: %w", shared.ErrValidation)
)

// Repository loads products from the backing store.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context) error) error
	GetProduct(ctx context.Context, id int64) (Product, error)
	UpsertProduct(ctx context.Context, p Product) (Product, error)
}

// StockInitializer creates the stock row of a new product in the same unit of work.
type StockInitializer interface {
	InitProductStock(ctx context.Context, productID int64, lowStockThreshold int) error
}

// Service caches product lookups in Redis and collapses concurrent misses.
type Service struct {
	repo   Repository
	cache  *cache.Cache
	stock  StockInitializer
	group  singleflight.Group
	logger *slog.Logger
}

// NewService constructs the catalog service. A nil cache disables caching.
func NewService(repo Repository, c *cache.Cache, stock StockInitializer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: c, stock: stock, logger: logger}
}

// Lookup returns the product snapshot for id.
func (s *Service) Lookup(ctx context.Context, id int64) (Product, error) {
	key, err := s.cache.BuildKey(ctx, "product", strconv.FormatInt(id, 10))
	if err != nil {
		s.logger.WarnContext(ctx, "catalog cache key", slog.Any("error", err))
		return s.repo.GetProduct(ctx, id)
	}
	res := s.group.DoChan(key, func() (any, error) {
		var p Product
		err := s.cache.FetchJSON(ctx, key, &p, func(ctx context.Context) (any, error) {
			return s.repo.GetProduct(ctx, id)
		})
		return p, err
	})
	select {
	case <-ctx.Done():
		return Product{}, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			if errors.Is(r.Err, shared.ErrNotFound) {
				return Product{}, r.Err
			}
			s.logger.WarnContext(ctx, "catalog cache fetch", slog.Int64("product_id", id), slog.Any("error", r.Err))
			return s.repo.GetProduct(ctx, id)
		}
		return r.Val.(Product), nil
	}
}

// LookupActive returns the product only when it can be sold.
func (s *Service) LookupActive(ctx context.Context, id int64) (Product, error) {
	p, err := s.Lookup(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if !p.Active {
		return Product{}, ErrProductInactive
	}
	return p, nil
}

// Upsert stores a product, creating its stock row when a stock initializer
// is configured, and invalidates cached snapshots.
func (s *Service) Upsert(ctx context.Context, input ProductInput) (Product, error) {
	if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.SKU) == "" {
		return Product{}, fmt.Errorf("catalog: name and sku required: %w", shared.ErrValidation)
	}
	if input.Price.IsNegative() {
		return Product{}, fmt.Errorf("catalog: price must be >= 0: %w", shared.ErrValidation)
	}
	if !shared.FitsScale(input.Price, shared.MoneyPlaces) {
		return Product{}, fmt.Errorf("catalog: price allows at most %d decimal places: %w", shared.MoneyPlaces, shared.ErrValidation)
	}
	var saved Product
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.repo.UpsertProduct(ctx, Product{
			ID:     input.ID,
			Name:   input.Name,
			SKU:    input.SKU,
			Price:  input.Price,
			Active: true,
		})
		if err != nil {
			return err
		}
		if s.stock == nil {
			return nil
		}
		return s.stock.InitProductStock(ctx, saved.ID, input.LowStockThreshold)
	})
	if err != nil {
		return Product{}, err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "catalog cache bump", slog.Any("error", err))
	}
	return saved, nil
}
