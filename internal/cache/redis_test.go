package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCacheWithClient(client), mr
}

func TestCacheSetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k1", payload{Name: "acme", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "k1", &got))
	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(t)

	var got string
	err := c.Get(context.Background(), "absent", &got)
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestCacheExpiration(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	err := c.Get(ctx, "short", &got)
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestCacheDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
