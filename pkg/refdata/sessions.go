package refdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionsConfig holds configuration for a Sessions set.
type SessionsConfig struct {
	// MaxIdle is how long a session may go unused before Reap drops it.
	// Zero disables reaping.
	MaxIdle time.Duration
	// ReapInterval is how often Run calls Reap.
	ReapInterval time.Duration
	// Clock replaces time.Now when set.
	Clock func() time.Time
	// Purger is the shared cache under every session registry. When set,
	// InvalidateAll purges it once instead of once per session.
	Purger Purger
	// PurgeTimeout bounds that purge. Defaults to 10s.
	PurgeTimeout time.Duration
}

// RegistryFactory builds the registry for a new session.
type RegistryFactory func(sessionID string) (*Registry, error)

type session struct {
	registry *Registry
	lastSeen time.Time
}

// Sessions keeps one Registry per page session so that independent sessions never
// observe each other's state.
type Sessions struct {
	cfg     SessionsConfig
	factory RegistryFactory
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewSessions creates an empty session set.
func NewSessions(cfg SessionsConfig, factory RegistryFactory, logger zerolog.Logger) (*Sessions, error) {
	if factory == nil {
		return nil, errors.New("registry factory cannot be nil")
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = 10 * time.Second
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With().Str("component", "Sessions").Logger(),
		now:      now,
		sessions: make(map[string]*session),
	}, nil
}

// Get returns the registry for id, creating it on first use.
func (s *Sessions) Get(id string) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if sess, ok := s.sessions[id]; ok {
		sess.lastSeen = s.now()
		return sess.registry, nil
	}
	r, err := s.factory(id)
	if err != nil {
		return nil, fmt.Errorf("creating registry for session %s: %w", id, err)
	}
	s.sessions[id] = &session{registry: r, lastSeen: s.now()}
	s.logger.Debug().Str("session_id", id).Msg("Session registry created.")
	return r, nil
}

// Drop closes and forgets the registry for id.
func (s *Sessions) Drop(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.registry.Close()
		s.logger.Debug().Str("session_id", id).Msg("Session registry dropped.")
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// InvalidateAll invalidates key in every live session and returns how many
// sessions started a refetch. With a configured Purger the shared cache is purged
// once up front, so the sessions' refetches collapse onto one upstream request.
func (s *Sessions) InvalidateAll(key Key) int {
	purgeEach := true
	if s.cfg.Purger != nil {
		purgeEach = false
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PurgeTimeout)
		if err := s.cfg.Purger.Purge(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to purge shared cache before fan-out.")
		}
		cancel()
	}
	started := 0
	for _, r := range s.registries() {
		if r.invalidate(key, purgeEach) {
			started++
		}
	}
	s.logger.Info().Str("key", key.String()).Int("refetches", started).Msg("Invalidated key across sessions.")
	return started
}

func (s *Sessions) registries() []*Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Registry, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.registry)
	}
	return out
}

// Reap drops every session idle for longer than MaxIdle and returns the count.
func (s *Sessions) Reap() int {
	if s.cfg.MaxIdle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.MaxIdle)
	var stale []*Registry
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, sess.registry)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, r := range stale {
		r.Close()
	}
	if len(stale) > 0 {
		s.logger.Info().Int("reaped", len(stale)).Msg("Reaped idle sessions.")
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Close closes every session registry. Get fails afterwards.
func (s *Sessions) Close() {
	s.mu.Lock()
	s.closed = true
	all := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.registry.Close()
	}
	s.logger.Info().Int("closed", len(all)).Msg("All session registries closed.")
}
