package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedIdentity struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute)

	in := cachedIdentity{TenantID: "t1", AgentID: "a1"}
	require.NoError(t, c.Set(ctx, "auth:key", in, 0))

	var out cachedIdentity
	require.NoError(t, c.Get(ctx, "auth:key", &out))
	assert.Equal(t, in, out)

	exists, err := c.Exists(ctx, "auth:key")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "auth:key"))
	err = c.Get(ctx, "auth:key", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute)

	require.NoError(t, c.Set(ctx, "short", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var out string
	assert.ErrorIs(t, c.Get(ctx, "short", &out), ErrNotFound)

	exists, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Minute)

	require.NoError(t, c.Set(ctx, "a", 1, time.Second))
	require.NoError(t, c.Set(ctx, "b", 2, time.Hour))
	require.NoError(t, c.Set(ctx, "c", 3, time.Hour))

	// "a" had the nearest expiry and must have been evicted.
	var out int
	assert.ErrorIs(t, c.Get(ctx, "a", &out), ErrNotFound)
	require.NoError(t, c.Get(ctx, "c", &out))
	assert.Equal(t, 3, out)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(ctx, Config{Type: "redis", Address: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	in := cachedIdentity{TenantID: "t2", AgentID: "a9"}
	require.NoError(t, c.Set(ctx, "auth:hm_abc", in, time.Minute))

	var out cachedIdentity
	require.NoError(t, c.Get(ctx, "auth:hm_abc", &out))
	assert.Equal(t, in, out)

	var missing cachedIdentity
	assert.ErrorIs(t, c.Get(ctx, "nope", &missing), ErrNotFound)
}

func TestNewCacheSelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory by default", func(t *testing.T) {
		c, err := NewCache(ctx, Config{})
		require.NoError(t, err)
		_, ok := c.(*MemoryCache)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := NewCache(ctx, Config{Type: "redis", Address: mr.Addr()})
		require.NoError(t, err)
		_, ok := c.(*RedisCache)
		assert.True(t, ok)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewCache(ctx, Config{Type: "memcached"})
		assert.Error(t, err)
	})
}
