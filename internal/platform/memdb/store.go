// Package memdb provides the transient store used when STORE_DRIVER=memory
// and by package tests. Every unit of work holds one process-wide mutex, so
// writers are serialised exactly like row-locked transactions are in
// PostgreSQL, and a failed unit of work is undone from its undo log.
package memdb

import (
	"context"
	"sync"
	"time"

	"github.com/meatcart/meatcart/internal/platform/db"
)

type txKey struct{}

type unit struct {
	store *Store
	undo  []func()
}

// Store is the shared lock and sequence source for in-memory repositories.
type Store struct {
	mu   sync.Mutex
	seqs map[string]int64
	now  func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{seqs: make(map[string]int64), now: time.Now}
}

// WithTx runs fn while holding the store lock. Errors and panics roll back
// every change registered through OnRollback.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if u, ok := ctx.Value(txKey{}).(*unit); ok && u.store == s {
		return fn(ctx)
	}
	hooks, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	hooks.Run(ctx)
	return nil
}

func (s *Store) run(ctx context.Context, fn func(context.Context) error) (hooks *db.Hooks, err error) {
	s.mu.Lock()
	u := &unit{store: s}
	committed := false
	defer func() {
		if !committed {
			u.rollback()
		}
		s.mu.Unlock()
	}()

	txCtx, hooks := db.WithHooks(context.WithValue(ctx, txKey{}, u))
	if err := fn(txCtx); err != nil {
		return nil, err
	}
	committed = true
	return hooks, nil
}

func (u *unit) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

// OnRollback registers an undo step for the unit of work bound to ctx.
func OnRollback(ctx context.Context, fn func()) {
	if u, ok := ctx.Value(txKey{}).(*unit); ok {
		u.undo = append(u.undo, fn)
	}
}

// NextID returns the next identifier of the named sequence and must be called
// inside WithTx. Identifiers are not reused after a rollback.
func (s *Store) NextID(seq string) int64 {
	s.seqs[seq]++
	return s.seqs[seq]
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// WithNow overrides the clock for testing.
func (s *Store) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
