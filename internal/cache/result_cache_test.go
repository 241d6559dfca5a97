package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.rag/internal/config"
)

func testRedis(t *testing.T) *RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisClient(&config.RedisConfig{
		Host: mr.Host(),
		Port: mr.Port(),
	})
}

func TestRedisClientRoundTrip(t *testing.T) {
	client := testRedis(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, client.Set(ctx, "k", payload{Name: "chunk", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, client.Get(ctx, "k", &got))
	assert.Equal(t, "chunk", got.Name)
	assert.Equal(t, 3, got.Count)

	require.NoError(t, client.Delete(ctx, "k"))
	err := client.Get(ctx, "k", &got)
	require.Error(t, err)
}

func TestResultCacheKey(t *testing.T) {
	cache := NewResultCache(testRedis(t), time.Hour, nil)

	k1 := cache.Key("what is raft", 5, map[string]string{"source": "docs", "lang": "en"})
	k2 := cache.Key("what is raft", 5, map[string]string{"lang": "en", "source": "docs"})
	k3 := cache.Key("what is raft", 10, nil)

	assert.Equal(t, k1, k2, "filter order must not change the key")
	assert.NotEqual(t, k1, k3)
	assert.True(t, strings.HasPrefix(k1, "retrieval:"))
}

func TestResultCacheGetSet(t *testing.T) {
	cache := NewResultCache(testRedis(t), time.Hour, nil)
	ctx := context.Background()

	type result struct {
		IDs []string `json:"ids"`
	}

	key := cache.Key("query", 5, nil)

	var miss result
	found, err := cache.Get(ctx, key, &miss)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, key, result{IDs: []string{"a", "b"}}))

	var hit result
	found, err = cache.Get(ctx, key, &hit)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, hit.IDs)
}

func TestResultCacheInvalidateAll(t *testing.T) {
	client := testRedis(t)
	cache := NewResultCache(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, cache.Key("q1", 5, nil), []string{"a"}))
	require.NoError(t, cache.Set(ctx, cache.Key("q2", 5, nil), []string{"b"}))
	// Keys outside the retrieval namespace survive invalidation.
	require.NoError(t, client.Set(ctx, "memory:item", "x", time.Minute))

	require.NoError(t, cache.InvalidateAll(ctx))

	var dest []string
	found, err := cache.Get(ctx, cache.Key("q1", 5, nil), &dest)
	require.NoError(t, err)
	assert.False(t, found)

	var kept string
	require.NoError(t, client.Get(ctx, "memory:item", &kept))
	assert.Equal(t, "x", kept)
}
