package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meatcart/meatcart/internal/shared"
)

// Transactor runs a callback inside one unit of work. Nested calls made with
// the context handed to the callback join the outer unit instead of opening
// a new one.
type Transactor interface {
	WithTx(ctx context.Context, fn func(context.Context) error) error
}

type txKey struct{}

// TxManager carries a pgx transaction through the context.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager constructs a TxManager over pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTx executes fn within a read-committed transaction. Row locks taken by
// repositories (SELECT ... FOR UPDATE) serialise concurrent writers.
func (m *TxManager) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w: %w", shared.ErrPersistence, err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txCtx, hooks := WithHooks(context.WithValue(ctx, txKey{}, tx))
	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w: %w", shared.ErrPersistence, err)
	}

	hooks.Run(ctx)
	return nil
}

// Querier returns the transaction bound to ctx, or the pool when none is.
func (m *TxManager) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return m.pool
}
