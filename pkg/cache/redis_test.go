package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisTestValue struct {
	ID   string
	Data []byte
}

func newTestRedisCache[V any](t *testing.T, s *miniredis.Miniredis, ttl time.Duration, fallback cache.Fetcher[string, V]) *cache.RedisCache[string, V] {
	t.Helper()
	cfg := &cache.RedisConfig{
		Addr:      s.Addr(),
		CacheTTL:  ttl,
		KeyPrefix: "refdata:",
	}
	c, err := cache.NewRedisCache[string, V](context.Background(), cfg, zerolog.Nop(), fallback)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCache_WriteAndFetch(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	c := newTestRedisCache[redisTestValue](t, s, time.Minute, nil)

	t.Run("Set and Get", func(t *testing.T) {
		value := redisTestValue{ID: "test-id", Data: []byte("hello world")}

		require.NoError(t, c.WriteToCache(ctx, "country", value))
		retrieved, err := c.Fetch(ctx, "country")

		require.NoError(t, err)
		assert.Equal(t, value, retrieved)
		assert.True(t, s.Exists("refdata:country"), "keys should be namespaced")
	})

	t.Run("Get Miss", func(t *testing.T) {
		_, err := c.FetchFromCache(ctx, "non-existent-key")
		assert.True(t, errors.Is(err, redis.Nil))

		_, err = c.Fetch(ctx, "non-existent-key")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no fallback is configured")
	})

	t.Run("TTL Expires", func(t *testing.T) {
		require.NoError(t, c.WriteToCache(ctx, "ttl-key", redisTestValue{ID: "ttl-id"}))

		s.FastForward(2 * time.Minute)

		_, err := c.FetchFromCache(ctx, "ttl-key")
		assert.True(t, errors.Is(err, redis.Nil), "entry should expire with the TTL")
	})
}

func TestRedisCache_FallbackWriteBackAndInvalidate(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := miniredis.RunT(t)
	var calls atomic.Int32
	source := &mockFetcher[string, json.RawMessage]{
		FetchFunc: func(ctx context.Context, key string) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`[{"id":1,"name":"Kenya"}]`), nil
		},
	}
	c := newTestRedisCache[json.RawMessage](t, s, time.Minute, source)

	// Act 1: miss falls back to the source and writes back in the background.
	v, err := c.Fetch(ctx, "country")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"name":"Kenya"}]`, string(v))
	require.Eventually(t, func() bool { return s.Exists("refdata:country") }, time.Second, 5*time.Millisecond)

	// Act 2: second fetch is a Redis hit.
	_, err = c.Fetch(ctx, "country")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Act 3: invalidation deletes the shared entry.
	require.NoError(t, c.Invalidate(ctx, "country"))
	assert.False(t, s.Exists("refdata:country"))

	_, err = c.Fetch(ctx, "country")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "an invalidated key is refetched from the source")
}

func TestRedisCache_SharedFetchSurvivesCallerCancellation(t *testing.T) {
	// Arrange
	s := miniredis.RunT(t)
	release := make(chan struct{})
	var calls atomic.Int32
	source := &mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) {
			calls.Add(1)
			<-release
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "me", nil
		},
	}
	c := newTestRedisCache[string](t, s, time.Minute, source)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, "user-me")
		errA <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	resultB := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "user-me")
		resultB <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Act
	cancelA()
	close(release)

	// Assert
	assert.ErrorIs(t, <-errA, context.Canceled)
	assert.NoError(t, <-resultB)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRedisCache_UnreachableServer(t *testing.T) {
	s := miniredis.NewMiniRedis()
	require.NoError(t, s.Start())
	addr := s.Addr()
	s.Close()

	_, err := cache.NewRedisCache[string, string](context.Background(), &cache.RedisConfig{Addr: addr}, zerolog.Nop(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	s := miniredis.RunT(t)
	c := newTestRedisCache[redisTestValue](t, s, time.Minute, nil)
	require.NoError(t, s.Set("refdata:broken", "{not json"))

	_, err := c.Fetch(context.Background(), "broken")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal data")
}
