package refdata

import (
	"encoding/json"
	"time"
)

// Status is the fetch state of a single key.
type Status uint8

const (
	// StatusIdle means nobody has registered the key yet, or it was reset.
	StatusIdle Status = iota
	// StatusPending means a fetch is in flight.
	StatusPending
	// StatusReady means the last fetch succeeded.
	StatusReady
	// StatusFailed means the last fetch failed. No retry is scheduled.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent, point-in-time view of one key. Value is shared with
// the registry and every other reader and must be treated as immutable.
type Snapshot struct {
	Key     Key
	Status  Status
	Value   any
	Err     error
	Pending bool
	// Version increases by one every time a fetched value is stored. Zero means
	// no value has ever been stored.
	Version   uint64
	UpdatedAt time.Time
}

// Loaded reports whether the snapshot carries a fetched value, stale or not.
func (s Snapshot) Loaded() bool {
	return s.Version > 0
}

// MarshalJSON renders the snapshot for the HTTP surface.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type wire struct {
		Key       Key        `json:"key"`
		Status    Status     `json:"status"`
		Pending   bool       `json:"pending"`
		Version   uint64     `json:"version"`
		UpdatedAt *time.Time `json:"updated_at,omitempty"`
		Error     string     `json:"error,omitempty"`
		Value     any        `json:"value,omitempty"`
	}
	w := wire{
		Key:     s.Key,
		Status:  s.Status,
		Pending: s.Pending,
		Version: s.Version,
		Value:   s.Value,
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		w.UpdatedAt = &t
	}
	if s.Err != nil {
		w.Error = s.Err.Error()
	}
	return json.Marshal(w)
}

// Value returns the snapshot value as T. The second result is false when the
// key has not loaded or holds a value of another type.
func Value[T any](s Snapshot) (T, bool) {
	v, ok := s.Value.(T)
	return v, ok
}
