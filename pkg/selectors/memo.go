// Package selectors derives indexed, filtered views from reference data
// snapshots. Views are rebuilt only when a snapshot's version changes, so callers
// can hold on to returned slices and compare them by identity.
package selectors

import (
	"sort"
	"sync"

	"github.com/illmade-knight/go-refdata/pkg/refdata"
)

// memoCapacity bounds how many versions a Memo keeps. Sessions that loaded the
// same content share one version, so this counts distinct contents in use.
const memoCapacity = 16

// Memo caches the result of build per snapshot version of one key.
type Memo[T any] struct {
	key   refdata.Key
	build func(refdata.Snapshot) T

	mu      sync.Mutex
	entries map[uint64]T
}

// NewMemo returns a Memo for key.
func NewMemo[T any](key refdata.Key, build func(refdata.Snapshot) T) *Memo[T] {
	return &Memo[T]{
		key:     key,
		build:   build,
		entries: make(map[uint64]T),
	}
}

// Get returns the view for snap, building it on first use of the version. It
// reports false when snap is for another key or carries no value.
func (m *Memo[T]) Get(snap refdata.Snapshot) (T, bool) {
	var zero T
	if snap.Key != m.key || !snap.Loaded() {
		return zero, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[snap.Version]; ok {
		return v, true
	}
	if len(m.entries) >= memoCapacity {
		m.evictOldestLocked()
	}
	v := m.build(snap)
	m.entries[snap.Version] = v
	return v, true
}

// Len returns the number of cached versions.
func (m *Memo[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOldestLocked drops the lower half of the cached versions.
func (m *Memo[T]) evictOldestLocked() {
	versions := make([]uint64, 0, len(m.entries))
	for v := range m.entries {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions[:len(versions)/2] {
		delete(m.entries, v)
	}
}
