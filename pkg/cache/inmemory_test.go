package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFetcher is a test double for the cache.Fetcher interface.
type mockFetcher[K comparable, V any] struct {
	FetchFunc func(ctx context.Context, key K) (V, error)
	closed    atomic.Bool
}

func (m *mockFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return m.FetchFunc(ctx, key)
}

func (m *mockFetcher[K, V]) Close() error {
	m.closed.Store(true)
	return nil
}

func TestInMemoryCache_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("Miss with no fallback", func(t *testing.T) {
		c := cache.NewInMemoryCache[string, int](nil)

		_, err := c.Fetch(ctx, "miss")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no fallback is configured")
	})

	t.Run("Fallback failure", func(t *testing.T) {
		expectedErr := errors.New("source is down")
		c := cache.NewInMemoryCache[string, int](&mockFetcher[string, int]{
			FetchFunc: func(ctx context.Context, key string) (int, error) { return 0, expectedErr },
		})

		_, err := c.Fetch(ctx, "any-key")

		assert.ErrorIs(t, err, expectedErr)
		_, err = c.FetchFromCache(ctx, "any-key")
		assert.Error(t, err, "failures must not be cached")
	})

	t.Run("Fallback success and cache write-back", func(t *testing.T) {
		var calls atomic.Int32
		c := cache.NewInMemoryCache[string, string](&mockFetcher[string, string]{
			FetchFunc: func(ctx context.Context, key string) (string, error) {
				calls.Add(1)
				return "payload-" + key, nil
			},
		})

		v1, err := c.Fetch(ctx, "country")
		require.NoError(t, err)
		v2, err := c.Fetch(ctx, "country")
		require.NoError(t, err)

		assert.Equal(t, "payload-country", v1)
		assert.Equal(t, v1, v2)
		assert.Equal(t, int32(1), calls.Load(), "second fetch should be a hit")
	})
}

func TestInMemoryCache_CollapsesConcurrentMisses(t *testing.T) {
	// Arrange
	var calls atomic.Int32
	release := make(chan struct{})
	c := cache.NewInMemoryCache[string, string](&mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		},
	})

	// Act
	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "region")
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestInMemoryCache_SharedFetchSurvivesCallerCancellation(t *testing.T) {
	// Arrange: caller A starts the fallback fetch; caller B joins it.
	var calls atomic.Int32
	var fetchErr atomic.Value
	release := make(chan struct{})
	c := cache.NewInMemoryCache[string, string](&mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) {
			calls.Add(1)
			<-release
			if err := ctx.Err(); err != nil {
				fetchErr.Store(err)
				return "", err
			}
			return "regions", nil
		},
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, "region")
		errA <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	resultB := make(chan string, 1)
	go func() {
		v, err := c.Fetch(context.Background(), "region")
		assert.NoError(t, err)
		resultB <- v
	}()
	time.Sleep(20 * time.Millisecond)

	// Act: A gives up, then the source answers.
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)

	// Assert
	assert.Equal(t, "regions", <-resultB)
	assert.Nil(t, fetchErr.Load(), "the shared fetch must not inherit A's cancellation")
	assert.Equal(t, int32(1), calls.Load())
	cached, err := c.FetchFromCache(context.Background(), "region")
	require.NoError(t, err)
	assert.Equal(t, "regions", cached)
}

func TestInMemoryCache_InvalidateDiscardsInflightWriteBack(t *testing.T) {
	// Arrange: the first fallback fetch blocks until released.
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})
	c := cache.NewInMemoryCache[string, string](&mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) {
			if calls.Add(1) == 1 {
				<-release
				return "stale", nil
			}
			return "fresh", nil
		},
	})

	staleDone := make(chan string, 1)
	go func() {
		v, _ := c.Fetch(ctx, "user-me")
		staleDone <- v
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Act
	require.NoError(t, c.Invalidate(ctx, "user-me"))
	fresh, err := c.Fetch(ctx, "user-me")
	require.NoError(t, err)
	close(release)
	stale := <-staleDone

	// Assert
	assert.Equal(t, "fresh", fresh)
	assert.Equal(t, "stale", stale)
	cached, err := c.FetchFromCache(ctx, "user-me")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cached, "the pre-invalidation fetch must not overwrite the cache")
}

func TestInvalidateChain(t *testing.T) {
	ctx := context.Background()
	source := &mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) { return "v", nil },
	}
	lower := cache.NewInMemoryCache[string, string](source)
	upper := cache.NewInMemoryCache[string, string](lower)

	_, err := upper.Fetch(ctx, "k")
	require.NoError(t, err)
	_, err = lower.FetchFromCache(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, cache.InvalidateChain[string, string](ctx, upper, "k"))

	_, err = upper.FetchFromCache(ctx, "k")
	assert.Error(t, err)
	_, err = lower.FetchFromCache(ctx, "k")
	assert.Error(t, err)

	require.NoError(t, upper.Close())
	assert.True(t, source.closed.Load(), "Close should cascade to the source")
}
