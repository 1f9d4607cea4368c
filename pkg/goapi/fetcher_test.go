package goapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawSource = cache.FetcherFunc[refdata.Key, json.RawMessage]

func TestResourceFetcher_DecodesEachKey(t *testing.T) {
	payloads := map[refdata.Key]string{
		refdata.KeyCountry:         `[{"id":1,"name":"Kenya","iso3":"KEN","region":0}]`,
		refdata.KeyRegion:          `[{"id":0,"name":0,"region_name":"Africa"}]`,
		refdata.KeyGlobalEnums:     `{"api_region_name":[{"key":0,"value":"Africa"}],"status":[{"key":"open","value":"Open"}]}`,
		refdata.KeyDisasterType:    `[{"id":4,"name":"Cyclone"}]`,
		refdata.KeyUserMe:          `{"id":7,"username":"jdoe","profile":{"country":1}}`,
		refdata.KeySecondarySector: `[{"key":1,"label":"Education"}]`,
		refdata.KeyPerComponents:   `[{"id":1,"component_num":1,"title":"Policy","area":{"id":1,"area_num":1,"title":"Policy"}}]`,
	}
	f, err := goapi.NewResourceFetcher(rawSource(func(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
		return json.RawMessage(payloads[key]), nil
	}), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	countries, err := f.Fetch(ctx, refdata.KeyCountry)
	require.NoError(t, err)
	require.IsType(t, []goapi.Country{}, countries)
	assert.Equal(t, "KEN", *countries.([]goapi.Country)[0].ISO3)

	regions, err := f.Fetch(ctx, refdata.KeyRegion)
	require.NoError(t, err)
	assert.Equal(t, "Africa", regions.([]goapi.Region)[0].RegionName)

	enums, err := f.Fetch(ctx, refdata.KeyGlobalEnums)
	require.NoError(t, err)
	ge := enums.(goapi.GlobalEnums)
	assert.Equal(t, goapi.EnumKey("0"), ge["api_region_name"][0].Key)
	assert.Equal(t, goapi.EnumKey("open"), ge["status"][0].Key)

	user, err := f.Fetch(ctx, refdata.KeyUserMe)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", user.(goapi.User).Username)

	for _, key := range []refdata.Key{refdata.KeyDisasterType, refdata.KeySecondarySector, refdata.KeyPerComponents} {
		_, err := f.Fetch(ctx, key)
		assert.NoError(t, err, key.String())
	}
}

func TestResourceFetcher_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("source error is returned as is", func(t *testing.T) {
		sourceErr := errors.New("connection refused")
		f, err := goapi.NewResourceFetcher(rawSource(func(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
			return nil, sourceErr
		}), zerolog.Nop())
		require.NoError(t, err)

		_, err = f.Fetch(ctx, refdata.KeyCountry)
		assert.ErrorIs(t, err, sourceErr)
	})

	t.Run("malformed payload", func(t *testing.T) {
		f, err := goapi.NewResourceFetcher(rawSource(func(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
			return json.RawMessage(`{"not":"a list"}`), nil
		}), zerolog.Nop())
		require.NoError(t, err)

		_, err = f.Fetch(ctx, refdata.KeyCountry)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoding country")
	})

	t.Run("nil source", func(t *testing.T) {
		_, err := goapi.NewResourceFetcher(nil, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestResourceFetcher_PurgeInvalidatesChain(t *testing.T) {
	// Arrange
	ctx := context.Background()
	calls := 0
	source := rawSource(func(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`[]`), nil
	})
	layer := cache.NewInMemoryCache[refdata.Key, json.RawMessage](source)
	f, err := goapi.NewResourceFetcher(layer, zerolog.Nop())
	require.NoError(t, err)

	_, err = f.Fetch(ctx, refdata.KeyRegion)
	require.NoError(t, err)
	_, err = f.Fetch(ctx, refdata.KeyRegion)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "second fetch is served by the cache layer")

	// Act
	require.NoError(t, f.Purge(ctx, refdata.KeyRegion))
	_, err = f.Fetch(ctx, refdata.KeyRegion)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NoError(t, f.Close())
}

func TestResourceFetcher_SharesVersionForUnchangedContent(t *testing.T) {
	ctx := context.Background()
	payload := `[{"id":1,"name":0,"region_name":"Africa"}]`
	f, err := goapi.NewResourceFetcher(rawSource(func(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}), zerolog.Nop())
	require.NoError(t, err)

	v1, version1, err := f.FetchVersioned(ctx, refdata.KeyRegion)
	require.NoError(t, err)
	v2, version2, err := f.FetchVersioned(ctx, refdata.KeyRegion)
	require.NoError(t, err)

	assert.NotZero(t, version1)
	assert.Equal(t, version1, version2)
	assert.Same(t, &v1.([]goapi.Region)[0], &v2.([]goapi.Region)[0], "unchanged content shares one decoded value")

	payload = `[{"id":1,"name":0,"region_name":"Africa"},{"id":2,"name":1,"region_name":"Americas"}]`
	v3, version3, err := f.FetchVersioned(ctx, refdata.KeyRegion)
	require.NoError(t, err)
	assert.Greater(t, version3, version1)
	assert.Len(t, v3.([]goapi.Region), 2)
}

// countingSource is a raw payload source that counts upstream calls and can be
// held open until released.
type countingSource struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *countingSource) Fetch(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.RawMessage(`[{"id":0,"name":0,"region_name":"Africa"}]`), nil
}

func (s *countingSource) Close() error { return nil }

func newSharedFetcher(t *testing.T, source *countingSource) *goapi.ResourceFetcher {
	t.Helper()
	f, err := goapi.NewResourceFetcher(cache.NewInMemoryCache[refdata.Key, json.RawMessage](source), zerolog.Nop())
	require.NoError(t, err)
	return f
}

func waitReady(t *testing.T, r *refdata.Registry, key refdata.Key) refdata.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx, key)
	require.NoError(t, err)
	return snap
}

func TestSharedCache_ClosingOneSessionDoesNotFailAnother(t *testing.T) {
	// Arrange: both sessions wait on one upstream fetch.
	source := &countingSource{release: make(chan struct{})}
	f := newSharedFetcher(t, source)
	a, err := refdata.NewRegistry(f, zerolog.Nop())
	require.NoError(t, err)
	b, err := refdata.NewRegistry(f, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.True(t, a.Register(refdata.KeyRegion))
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, b.Register(refdata.KeyRegion))
	time.Sleep(20 * time.Millisecond)

	// Act
	a.Close()
	close(source.release)

	// Assert
	snap := waitReady(t, b, refdata.KeyRegion)
	assert.Equal(t, refdata.StatusReady, snap.Status)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestSharedCache_InvalidateAllFetchesUpstreamOnce(t *testing.T) {
	// Arrange
	source := &countingSource{}
	f := newSharedFetcher(t, source)
	sessions, err := refdata.NewSessions(refdata.SessionsConfig{Purger: f}, func(string) (*refdata.Registry, error) {
		return refdata.NewRegistry(f, zerolog.Nop())
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	var registries []*refdata.Registry
	for i := 0; i < 10; i++ {
		r, err := sessions.Get(fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
		require.NoError(t, r.Preload(context.Background(), refdata.KeyRegion))
		registries = append(registries, r)
	}
	require.Equal(t, int32(1), source.calls.Load())

	// Act
	started := sessions.InvalidateAll(refdata.KeyRegion)

	// Assert
	assert.Equal(t, 10, started)
	for _, r := range registries {
		assert.Equal(t, refdata.StatusReady, waitReady(t, r, refdata.KeyRegion).Status)
	}
	assert.Equal(t, int32(2), source.calls.Load(), "one upstream fetch per fan-out")
}

var (
	_ refdata.Fetcher          = (*goapi.ResourceFetcher)(nil)
	_ refdata.Purger           = (*goapi.ResourceFetcher)(nil)
	_ refdata.VersionedFetcher = (*goapi.ResourceFetcher)(nil)
)
