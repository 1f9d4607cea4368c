// Package cache provides the shared layers that sit under per-session registries:
// an in-process cache, a Redis cache and a Firestore source of truth. Layers chain
// through a fallback Fetcher.
package cache

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a shared fallback fetch.
const DefaultFetchTimeout = time.Minute

// Fetcher retrieves a value by key. Layers implement it and take another Fetcher
// as their fallback on a miss.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// Invalidator is implemented by layers that can drop a cached key.
type Invalidator[K comparable] interface {
	Invalidate(ctx context.Context, key K) error
}

// Writer is implemented by layers that accept explicit writes.
type Writer[K comparable, V any] interface {
	WriteToCache(ctx context.Context, key K, value V) error
}

// FetcherFunc adapts a function to Fetcher. Close is a no-op.
type FetcherFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Fetch calls f.
func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

// Close does nothing.
func (f FetcherFunc[K, V]) Close() error {
	return nil
}

// InvalidateChain invalidates key in fetcher and, if fetcher exposes its fallback,
// in every layer below it.
func InvalidateChain[K comparable, V any](ctx context.Context, fetcher Fetcher[K, V], key K) error {
	for layer := fetcher; layer != nil; {
		if inv, ok := layer.(Invalidator[K]); ok {
			if err := inv.Invalidate(ctx, key); err != nil {
				return fmt.Errorf("invalidating %v: %w", key, err)
			}
		}
		chained, ok := layer.(interface{ Fallback() Fetcher[K, V] })
		if !ok {
			return nil
		}
		layer = chained.Fallback()
	}
	return nil
}

// sharedFetch runs fetch once for every concurrent caller of flightKey. fetch runs
// under a context detached from the caller that started the flight and bounded by
// timeout; each caller stops waiting when its own ctx is done.
func sharedFetch[V any](
	ctx context.Context,
	group *singleflight.Group,
	flightKey string,
	timeout time.Duration,
	fetch func(ctx context.Context) (V, error),
) (V, error) {
	ch := group.DoChan(flightKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return fetch(fetchCtx)
	})
	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func stringKey[K comparable](key K) string {
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
