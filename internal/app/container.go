package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meatcart/meatcart/internal/audit"
	"github.com/meatcart/meatcart/internal/catalog"
	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/observability"
	"github.com/meatcart/meatcart/internal/orders"
	"github.com/meatcart/meatcart/internal/platform/cache"
	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/platform/memdb"
	"github.com/meatcart/meatcart/internal/procurement"
	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
	"github.com/meatcart/meatcart/jobs"
)

// Container owns the services of one process. All repositories share a
// single store, so nested units of work join one transaction.
type Container struct {
	Config  *Config
	Logger  *slog.Logger
	Metrics *observability.Metrics

	Catalog     *catalog.Service
	Stock       *stock.Service
	Finance     *finance.Service
	Orders      *orders.Service
	Procurement *procurement.Service
	Audit       *audit.Service

	Jobs      *jobs.Client
	Inspector *asynq.Inspector

	pool  *pgxpool.Pool
	redis *redis.Client
}

type auditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

type repositories struct {
	catalog     catalog.Repository
	stock       stock.RepositoryPort
	finance     finance.RepositoryPort
	orders      orders.RepositoryPort
	procurement procurement.RepositoryPort
	audit       audit.Repository
	sink        auditSink
}

// NewContainer connects the configured store and wires every service.
// Redis is optional: without it the catalog is uncached and low-stock alerts
// are only logged.
func NewContainer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	var repos repositories
	if cfg.UsesMemoryStore() {
		repos = memoryRepositories(memdb.New(), logger)
		logger.Warn("transient store selected; state is lost on exit")
	} else {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.pool = pool
		repos = postgresRepositories(pool)
	}

	var catalogCache *cache.Cache
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable; running without cache and alert queue", slog.Any("error", err))
		} else {
			c.redis = client
			catalogCache = cache.NewCache(client, "catalog", cfg.CatalogCacheTTL)
			redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
			jobClient, err := jobs.NewClient(redisOpts, cfg.LowStockQueue, c.Metrics)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("init job client: %w", err)
			}
			c.Jobs = jobClient
			c.Inspector = asynq.NewInspector(redisOpts)
		}
	}

	var alerts stock.AlertNotifier
	if c.Jobs != nil {
		alerts = c.Jobs
	}
	c.Stock = stock.NewService(repos.stock, alerts, repos.sink, logger)
	c.Stock.WithMetrics(c.Metrics)
	c.Finance = finance.NewService(repos.finance, repos.sink, logger)
	c.Finance.WithMetrics(c.Metrics)
	c.Catalog = catalog.NewService(repos.catalog, catalogCache, c.Stock, logger)
	c.Orders = orders.NewService(repos.orders, c.Stock, c.Finance, c.Catalog, repos.sink, logger)
	c.Orders.WithMetrics(c.Metrics)
	if c.Jobs != nil {
		c.Orders.WithNotifier(c.Jobs)
	}
	c.Procurement = procurement.NewService(repos.procurement, c.Stock, c.Finance, repos.sink, logger)
	c.Audit = audit.NewService(repos.audit, c.Orders, c.Stock, c.Finance, logger)
	return c, nil
}

func memoryRepositories(store *memdb.Store, logger *slog.Logger) repositories {
	log := audit.NewMemoryLog(logger)
	return repositories{
		catalog:     catalog.NewMemoryRepository(store),
		stock:       stock.NewMemoryRepository(store),
		finance:     finance.NewMemoryRepository(store),
		orders:      orders.NewMemoryRepository(store),
		procurement: procurement.NewMemoryRepository(store),
		audit:       log,
		sink:        log,
	}
}

func postgresRepositories(pool *pgxpool.Pool) repositories {
	tm := db.NewTxManager(pool)
	return repositories{
		catalog:     catalog.NewPostgresRepository(tm),
		stock:       stock.NewRepository(tm),
		finance:     finance.NewRepository(tm),
		orders:      orders.NewRepository(tm),
		procurement: procurement.NewRepository(tm),
		audit:       audit.NewPostgresRepository(tm),
		sink:        shared.NewAuditLogger(pool),
	}
}

// Handlers builds the HTTP handlers over the container's services.
func (c *Container) Handlers() RouterParams {
	return RouterParams{
		Logger:             c.Logger,
		Config:             c.Config,
		Metrics:            c.Metrics,
		CatalogHandler:     catalog.NewHandler(c.Logger, c.Catalog),
		StockHandler:       stock.NewHandler(c.Logger, c.Stock),
		OrdersHandler:      orders.NewHandler(c.Logger, c.Orders),
		ProcurementHandler: procurement.NewHandler(c.Logger, c.Procurement),
		FinanceHandler:     finance.NewHandler(c.Logger, c.Finance),
		AuditHandler:       audit.NewHandler(c.Logger, c.Audit),
		JobHandler:         jobs.NewHandler(c.Inspector, c.Config.LowStockQueue, c.Logger),
		Ping:               c.Ping,
	}
}

// Ping checks the backing stores.
func (c *Container) Ping(ctx context.Context) error {
	if c.pool != nil {
		if err := c.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections.
func (c *Container) Close() {
	if c.Jobs != nil {
		if err := c.Jobs.Close(); err != nil {
			c.Logger.Warn("job client close", slog.Any("error", err))
		}
	}
	if c.Inspector != nil {
		_ = c.Inspector.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
}
