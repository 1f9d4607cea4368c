package refdata

import (
	"context"
	"time"
)

// Fetcher is the REST collaborator. It returns the payload for a key or an error.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key Key) (any, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key Key) (any, error) {
	return f(ctx, key)
}

// Purger is implemented by fetchers that sit on a shared cache. The registry calls
// Purge before a fetch triggered by Invalidate so it does not re-read stale data.
type Purger interface {
	Purge(ctx context.Context, key Key) error
}

// VersionedFetcher is implemented by fetchers that hand the same value to every
// registry receiving identical content. The returned version must come from
// NextVersion; registries store it as the snapshot version so that memoized views
// built for one session are reused by the others.
type VersionedFetcher interface {
	FetchVersioned(ctx context.Context, key Key) (value any, version uint64, err error)
}

// EventKind classifies registry events.
type EventKind uint8

const (
	EventFetchStarted EventKind = iota + 1
	EventFetchSucceeded
	EventFetchFailed
	// EventFetchDiscarded is emitted when a fetch completes after a newer fetch was
	// initiated, or after a reset or close, and its result was dropped.
	EventFetchDiscarded
	EventInvalidated
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventFetchStarted:
		return "fetch_started"
	case EventFetchSucceeded:
		return "fetch_succeeded"
	case EventFetchFailed:
		return "fetch_failed"
	case EventFetchDiscarded:
		return "fetch_discarded"
	case EventInvalidated:
		return "invalidated"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event describes one registry transition.
type Event struct {
	Key      Key
	Kind     EventKind
	Token    uint64
	Version  uint64
	Value    any
	Err      error
	Duration time.Duration
	At       time.Time
}

// Observer receives registry events. Observe is called synchronously after the
// registry lock is released and must not block.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}
