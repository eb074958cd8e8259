package db

import (
	"context"
	"sync"
)

type hooksKey struct{}

// Hooks collects callbacks that must only run once the outermost
// transaction has committed.
type Hooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// WithHooks attaches a fresh hook list to ctx.
func WithHooks(ctx context.Context) (context.Context, *Hooks) {
	h := &Hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// AfterCommit defers fn until the surrounding transaction commits. Outside a
// transaction fn runs immediately. Rolled back transactions drop their hooks.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if h, ok := ctx.Value(hooksKey{}).(*Hooks); ok && h != nil {
		h.mu.Lock()
		h.fns = append(h.fns, fn)
		h.mu.Unlock()
		return
	}
	fn(ctx)
}

// Run executes the collected hooks in registration order.
func (h *Hooks) Run(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}
