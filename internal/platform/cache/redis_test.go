package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestFetchJSONCachesUntilBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewCache(client, "test", time.Minute)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}
	fetch := func() int {
		key, err := c.BuildKey(ctx, "item", "1")
		require.NoError(t, err)
		var out map[string]int
		require.NoError(t, c.FetchJSON(ctx, key, &out, loader))
		return out["n"]
	}

	require.Equal(t, 1, fetch())
	require.Equal(t, 1, fetch())
	require.NoError(t, c.Bump(ctx))
	require.Equal(t, 2, fetch())
	require.Equal(t, 2, calls)
}

func TestFetchJSONWithoutClientCallsLoader(t *testing.T) {
	var c *Cache
	var out []string
	err := c.FetchJSON(context.Background(), "k", &out, func(context.Context) (any, error) {
		return []string{"a"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, out)
}
