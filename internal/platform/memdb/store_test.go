package memdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/platform/db"
)

func TestRollbackUndoesInReverseOrder(t *testing.T) {
	store := New()
	state := []string{}
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		state = append(state, "a")
		OnRollback(ctx, func() { state = state[:0] })
		state = append(state, "b")
		OnRollback(ctx, func() { state = state[:1] })
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Empty(t, state)
}

func TestNestedTxJoinsOuter(t *testing.T) {
	store := New()
	var ran []string
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		db.AfterCommit(ctx, func(context.Context) { ran = append(ran, "outer") })
		return store.WithTx(ctx, func(ctx context.Context) error {
			db.AfterCommit(ctx, func(context.Context) { ran = append(ran, "inner") })
			require.Empty(t, ran)
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, ran)
}

func TestHooksDroppedOnRollback(t *testing.T) {
	store := New()
	fired := false
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		db.AfterCommit(ctx, func(context.Context) { fired = true })
		return errors.New("abort")
	})
	require.Error(t, err)
	require.False(t, fired)
}

func TestPanicReleasesLock(t *testing.T) {
	store := New()
	require.Panics(t, func() {
		_ = store.WithTx(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestNextIDIsMonotonicPerSequence(t *testing.T) {
	store := New()
	var ids []int64
	_ = store.WithTx(context.Background(), func(ctx context.Context) error {
		ids = append(ids, store.NextID("a"), store.NextID("a"), store.NextID("b"))
		return nil
	})
	require.Equal(t, []int64{1, 2, 1}, ids)
}
