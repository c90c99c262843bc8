package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counts struct {
	Total   int64 `json:"total"`
	Healthy int64 `json:"healthy"`
}

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	var got counts
	found, err := c.Get(ctx, "dashboard:2024-05", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "dashboard:2024-05", counts{Total: 4, Healthy: 3}, time.Minute))
	require.NoError(t, c.Set(ctx, "reports:2024-05", counts{Total: 4}, time.Minute))
	require.NoError(t, c.Set(ctx, "other", counts{Total: 1}, time.Minute))

	found, err = c.Get(ctx, "dashboard:2024-05", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, counts{Total: 4, Healthy: 3}, got)

	require.NoError(t, c.Delete(ctx, "other"))
	found, _ = c.Get(ctx, "other", &got)
	assert.False(t, found)

	require.NoError(t, c.DeletePrefix(ctx, "dashboard:"))
	found, _ = c.Get(ctx, "dashboard:2024-05", &got)
	assert.False(t, found)
	found, _ = c.Get(ctx, "reports:2024-05", &got)
	assert.True(t, found)
}

func TestMemory(t *testing.T) {
	exerciseCache(t, NewMemory())
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1, 30*time.Second))
	require.NoError(t, m.Set(ctx, "b", 2, time.Hour))
	require.NoError(t, m.Set(ctx, "forever", 3, 0))

	var v int
	found, _ := m.Get(ctx, "a", &v)
	assert.True(t, found)

	now = now.Add(31 * time.Second)
	found, _ = m.Get(ctx, "a", &v)
	assert.False(t, found)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, m.Purge())
	assert.Equal(t, 1, m.Len())
}

func TestMemory_DecodeError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "text", 0))
	var n int
	_, err := m.Get(ctx, "k", &n)
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	r := NewRedis(RedisOptions{Addr: addr, Namespace: "gaushala-test-" + time.Now().Format("150405.000")})
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))
	exerciseCache(t, r)
}

func TestNew(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	_, err = New(Options{Kind: "redis"})
	assert.Error(t, err)

	c, err = New(Options{Kind: "redis", RedisAddr: "127.0.0.1:6379"})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, c)

	_, err = New(Options{Kind: "memcached"})
	assert.Error(t, err)
}
