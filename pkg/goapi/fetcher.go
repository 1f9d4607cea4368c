package goapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// decoders turn a raw payload into the value stored in a registry for each key.
var decoders = map[refdata.Key]func(json.RawMessage) (any, error){
	refdata.KeyCountry:         decodeAs[[]Country],
	refdata.KeyRegion:          decodeAs[[]Region],
	refdata.KeyGlobalEnums:     decodeAs[GlobalEnums],
	refdata.KeyDisasterType:    decodeAs[[]DisasterType],
	refdata.KeyUserMe:          decodeAs[User],
	refdata.KeySecondarySector: decodeAs[[]SecondarySector],
	refdata.KeyPerComponents:   decodeAs[[]PerComponent],
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode converts a raw payload for key into its concrete type.
func Decode(key refdata.Key, raw json.RawMessage) (any, error) {
	decode, ok := decoders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", refdata.ErrUnknownKey, key)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, nil
}

// decoded is the last payload seen for a key with its decoded value.
type decoded struct {
	raw     json.RawMessage
	value   any
	version uint64
}

// ResourceFetcher adapts a chain of raw payload layers to refdata.Fetcher.
// Invalidations purge the key from every layer in the chain. Fetches that return
// the same payload as the previous one share its decoded value and version, so
// every session registry holds one copy of unchanged data.
type ResourceFetcher struct {
	source cache.Fetcher[refdata.Key, json.RawMessage]
	logger zerolog.Logger

	mu     sync.Mutex
	latest map[refdata.Key]decoded
}

// NewResourceFetcher wraps source, typically an HTTPSource behind zero or more
// cache layers.
func NewResourceFetcher(source cache.Fetcher[refdata.Key, json.RawMessage], logger zerolog.Logger) (*ResourceFetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("resource source cannot be nil")
	}
	return &ResourceFetcher{
		source: source,
		logger: logger.With().Str("component", "ResourceFetcher").Logger(),
		latest: make(map[refdata.Key]decoded),
	}, nil
}

// Fetch implements refdata.Fetcher.
func (f *ResourceFetcher) Fetch(ctx context.Context, key refdata.Key) (any, error) {
	v, _, err := f.FetchVersioned(ctx, key)
	return v, err
}

// FetchVersioned implements refdata.VersionedFetcher. A payload identical to the
// last one for key returns the same value and version.
func (f *ResourceFetcher) FetchVersioned(ctx context.Context, key refdata.Key) (any, uint64, error) {
	raw, err := f.source.Fetch(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if d, ok := f.lookup(key, raw); ok {
		return d.value, d.version, nil
	}
	v, err := Decode(key, raw)
	if err != nil {
		f.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to decode reference data payload.")
		return nil, 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.latest[key]; ok && bytes.Equal(d.raw, raw) {
		return d.value, d.version, nil
	}
	d := decoded{raw: raw, value: v, version: refdata.NextVersion()}
	f.latest[key] = d
	f.logger.Debug().Str("key", key.String()).Uint64("version", d.version).Msg("New reference data content.")
	return d.value, d.version, nil
}

func (f *ResourceFetcher) lookup(key refdata.Key, raw json.RawMessage) (decoded, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.latest[key]
	return d, ok && bytes.Equal(d.raw, raw)
}

// Purge implements refdata.Purger.
func (f *ResourceFetcher) Purge(ctx context.Context, key refdata.Key) error {
	return cache.InvalidateChain(ctx, f.source, key)
}

// Close closes the source chain.
func (f *ResourceFetcher) Close() error {
	return f.source.Close()
}
