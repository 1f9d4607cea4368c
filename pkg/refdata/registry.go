package refdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by blocking operations on a closed registry.
var ErrClosed = errors.New("registry is closed")

// versionSeq is shared by every registry in the process so that a (key, version)
// pair identifies exactly one stored value. Selectors memoize on that pair.
var versionSeq atomic.Uint64

// NextVersion allocates a fresh snapshot version.
func NextVersion() uint64 {
	return versionSeq.Add(1)
}

type entry struct {
	status    Status
	value     any
	err       error
	version   uint64
	updatedAt time.Time
	// token of the fetch whose result will be applied; zero when none is in flight.
	token   uint64
	// cancel stops the fetch running under token.
	cancel  context.CancelFunc
	changed chan struct{}
}

// Registry is the single writer of reference data entries for one session.
// All methods are safe for concurrent use.
type Registry struct {
	fetcher   Fetcher
	logger    zerolog.Logger
	observers []Observer
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[Key]*entry
	nextToken uint64
	closed    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver adds an observer that receives every registry event.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithContext sets the parent context of every fetch. Cancelling it has the same
// effect on in-flight fetches as Close, without closing the registry.
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.ctx = ctx
		}
	}
}

// NewRegistry creates an empty registry backed by fetcher.
func NewRegistry(fetcher Fetcher, logger zerolog.Logger, opts ...Option) (*Registry, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	r := &Registry{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "Registry").Logger(),
		now:     time.Now,
		ctx:     context.Background(),
		done:    make(chan struct{}),
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	return r, nil
}

// entryLocked returns the entry for key, creating it as idle. r.mu must be held.
func (r *Registry) entryLocked(key Key) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{status: StatusIdle, changed: make(chan struct{})}
		r.entries[key] = e
	}
	return e
}

// notifyLocked wakes everyone waiting on the entry's next transition.
func (r *Registry) notifyLocked(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

// beginLocked moves e to pending under a fresh token and returns the context the
// fetch runs under. r.mu must be held.
func (r *Registry) beginLocked(e *entry) (uint64, context.Context) {
	r.nextToken++
	e.token = r.nextToken
	e.status = StatusPending
	ctx, cancel := context.WithCancel(r.ctx)
	e.cancel = cancel
	r.notifyLocked(e)
	r.wg.Add(1)
	return e.token, ctx
}

// Register declares interest in key. Registering an idle key, or retrying a failed
// one, starts a fetch; registering a pending or ready key is a no-op. It reports
// whether a fetch was started.
func (r *Registry) Register(key Key) bool {
	if !key.Valid() {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	e := r.entryLocked(key)
	if e.status != StatusIdle && e.status != StatusFailed {
		r.mu.Unlock()
		return false
	}
	token, ctx := r.beginLocked(e)
	r.mu.Unlock()

	r.emit(Event{Key: key, Kind: EventFetchStarted, Token: token, At: r.now()})
	go r.run(ctx, key, token, false)
	return true
}

// Invalidate marks a ready or failed key stale and starts a refetch. The previous
// value stays readable until the refetch resolves. Idle and pending keys are left
// alone. It reports whether a fetch was started.
func (r *Registry) Invalidate(key Key) bool {
	return r.invalidate(key, true)
}

// invalidate is Invalidate with control over the shared cache purge. Sessions
// purge once for all of their registries.
func (r *Registry) invalidate(key Key, purge bool) bool {
	if !key.Valid() {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	e := r.entryLocked(key)
	if e.status != StatusReady && e.status != StatusFailed {
		r.mu.Unlock()
		return false
	}
	token, ctx := r.beginLocked(e)
	version := e.version
	r.mu.Unlock()

	at := r.now()
	r.emit(Event{Key: key, Kind: EventInvalidated, Token: token, Version: version, At: at})
	r.emit(Event{Key: key, Kind: EventFetchStarted, Token: token, At: at})
	go r.run(ctx, key, token, purge)
	return true
}

// Reset returns key to idle and drops its value. A fetch in flight is cancelled and
// its result discarded.
func (r *Registry) Reset(key Key) {
	if !key.Valid() {
		return
	}
	r.mu.Lock()
	e := r.entryLocked(key)
	if e.status == StatusIdle && e.version == 0 {
		r.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	*e = entry{status: StatusIdle, changed: e.changed}
	r.notifyLocked(e)
	r.mu.Unlock()

	r.emit(Event{Key: key, Kind: EventReset, At: r.now()})
}

// ResetAll resets every key.
func (r *Registry) ResetAll() {
	for _, key := range Keys() {
		r.Reset(key)
	}
}

// Read returns the current snapshot of key. It never blocks on a fetch.
func (r *Registry) Read(key Key) Snapshot {
	if !key.Valid() {
		return Snapshot{Key: key}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(key, r.entryLocked(key))
}

func (r *Registry) snapshotLocked(key Key, e *entry) Snapshot {
	return Snapshot{
		Key:       key,
		Status:    e.status,
		Value:     e.value,
		Err:       e.err,
		Pending:   e.status == StatusPending,
		Version:   e.version,
		UpdatedAt: e.updatedAt,
	}
}

// Changed returns a channel that is closed on the next transition of key. The
// channel for an invalid key is already closed.
func (r *Registry) Changed(key Key) <-chan struct{} {
	if !key.Valid() {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(key).changed
}

// Wait blocks until key is no longer pending, ctx is done or the registry closes.
// It does not register the key; waiting on an idle key returns immediately.
func (r *Registry) Wait(ctx context.Context, key Key) (Snapshot, error) {
	if !key.Valid() {
		return Snapshot{Key: key}, fmt.Errorf("%w: %d", ErrUnknownKey, uint8(key))
	}
	for {
		r.mu.Lock()
		e := r.entryLocked(key)
		snap := r.snapshotLocked(key, e)
		changed := e.changed
		r.mu.Unlock()

		if !snap.Pending {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-r.done:
			return snap, ErrClosed
		}
	}
}

// Preload registers every key and waits for all of them to settle. The returned
// error joins the failure of each key that did not load.
func (r *Registry) Preload(ctx context.Context, keys ...Key) error {
	failures := make([]error, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			r.Register(key)
			snap, err := r.Wait(gctx, key)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", key, err)
			}
			if snap.Status == StatusFailed {
				failures[i] = fmt.Errorf("loading %s: %w", key, snap.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// Close cancels in-flight fetches and waits for them to return. Reads keep
// working; Register and Invalidate become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Debug().Msg("Registry closed.")
}

// run performs one fetch and applies its result if it is still current.
func (r *Registry) run(ctx context.Context, key Key, token uint64, purge bool) {
	defer r.wg.Done()
	log := r.logger.With().Str("key", key.String()).Uint64("token", token).Logger()

	if purge {
		if p, ok := r.fetcher.(Purger); ok {
			if err := p.Purge(ctx, key); err != nil {
				log.Warn().Err(err).Msg("Failed to purge shared cache before refetch.")
			}
		}
	}

	start := r.now()
	log.Debug().Msg("Fetching reference data.")
	value, version, err := r.fetch(ctx, key)
	duration := r.now().Sub(start)

	r.mu.Lock()
	e := r.entryLocked(key)
	if r.closed || e.token != token {
		r.mu.Unlock()
		log.Debug().Dur("duration", duration).Msg("Discarding superseded fetch result.")
		r.emit(Event{Key: key, Kind: EventFetchDiscarded, Token: token, Err: err, Duration: duration, At: r.now()})
		return
	}
	e.token = 0
	e.cancel()
	e.cancel = nil
	ev := Event{Key: key, Token: token, Duration: duration, At: r.now()}
	if err != nil {
		e.status = StatusFailed
		e.err = err
		ev.Kind = EventFetchFailed
		ev.Err = err
		ev.Version = e.version
	} else {
		e.status = StatusReady
		e.value = value
		e.err = nil
		e.version = version
		e.updatedAt = ev.At
		ev.Kind = EventFetchSucceeded
		ev.Version = e.version
		ev.Value = value
	}
	r.notifyLocked(e)
	r.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Dur("duration", duration).Msg("Reference data fetch failed.")
	} else {
		log.Info().Uint64("version", ev.Version).Dur("duration", duration).Msg("Reference data fetched.")
	}
	r.emit(ev)
}

// fetch calls the fetcher, turning a panic into an error so readers only ever see
// a failed status. Fetchers that do not share versions get a fresh one.
func (r *Registry) fetch(ctx context.Context, key Key) (value any, version uint64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fetcher panicked for %s: %v", key, rec)
		}
	}()
	if vf, ok := r.fetcher.(VersionedFetcher); ok {
		value, version, err = vf.FetchVersioned(ctx, key)
	} else {
		value, err = r.fetcher.Fetch(ctx, key)
	}
	if err == nil && version == 0 {
		version = NextVersion()
	}
	return value, version, err
}

func (r *Registry) emit(ev Event) {
	for _, o := range r.observers {
		o.Observe(ev)
	}
}
