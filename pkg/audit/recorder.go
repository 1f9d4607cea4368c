// Package audit records reference data fetch outcomes to BigQuery.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// Outcomes of a fetch.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// FetchRecord is one audit row.
type FetchRecord struct {
	Session    string    `bigquery:"session"`
	Key        string    `bigquery:"key"`
	Outcome    string    `bigquery:"outcome"`
	Token      int64     `bigquery:"token"`
	Version    int64     `bigquery:"version"`
	DurationMs int64     `bigquery:"duration_ms"`
	Error      string    `bigquery:"error"`
	At         time.Time `bigquery:"at"`
}

// NewFetchRecord maps a settled fetch event to a row. It reports false for
// events that do not end a fetch.
func NewFetchRecord(session string, ev refdata.Event) (*FetchRecord, bool) {
	var outcome string
	switch ev.Kind {
	case refdata.EventFetchSucceeded:
		outcome = OutcomeSucceeded
	case refdata.EventFetchFailed:
		outcome = OutcomeFailed
	case refdata.EventFetchDiscarded:
		outcome = OutcomeDiscarded
	default:
		return nil, false
	}
	rec := &FetchRecord{
		Session:    session,
		Key:        ev.Key.String(),
		Outcome:    outcome,
		Token:      int64(ev.Token),
		Version:    int64(ev.Version),
		DurationMs: ev.Duration.Milliseconds(),
		At:         ev.At.UTC(),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec, true
}

// RecorderConfig holds batching configuration.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
	// BufferSize bounds queued rows. Rows beyond it are dropped.
	BufferSize int `yaml:"buffer_size"`
}

// NewRecorderConfigDefaults returns the default batching configuration.
func NewRecorderConfigDefaults() RecorderConfig {
	return RecorderConfig{
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		InsertTimeout: 30 * time.Second,
		BufferSize:    1000,
	}
}

// Recorder batches fetch outcomes and flushes them to a BatchInserter by size
// or on an interval.
type Recorder struct {
	cfg      RecorderConfig
	inserter BatchInserter
	logger   zerolog.Logger
	input    chan *FetchRecord
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewRecorder creates a Recorder. Call Start before observing events.
func NewRecorder(cfg RecorderConfig, inserter BatchInserter, logger zerolog.Logger) *Recorder {
	defaults := NewRecorderConfigDefaults()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = defaults.InsertTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &Recorder{
		cfg:      cfg,
		inserter: inserter,
		logger:   logger.With().Str("component", "AuditRecorder").Logger(),
		input:    make(chan *FetchRecord, cfg.BufferSize),
	}
}

// Start begins the batching worker.
func (r *Recorder) Start(ctx context.Context) {
	r.logger.Info().
		Int("batch_size", r.cfg.BatchSize).
		Dur("flush_interval", r.cfg.FlushInterval).
		Msg("Starting audit recorder worker...")
	r.wg.Add(1)
	go r.worker(ctx)
}

// ForSession returns an observer that records events under session.
func (r *Recorder) ForSession(session string) refdata.Observer {
	return refdata.ObserverFunc(func(ev refdata.Event) {
		if rec, ok := NewFetchRecord(session, ev); ok {
			r.enqueue(rec)
		}
	})
}

// Observe implements refdata.Observer without a session.
func (r *Recorder) Observe(ev refdata.Event) {
	if rec, ok := NewFetchRecord("", ev); ok {
		r.enqueue(rec)
	}
}

func (r *Recorder) enqueue(rec *FetchRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.input <- rec:
	default:
		r.logger.Warn().Str("key", rec.Key).Msg("Audit buffer full, dropping record.")
	}
}

// Stop flushes queued rows, waiting at most until ctx is done, then closes the
// inserter.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.input)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for audit recorder worker to stop.")
		return ctx.Err()
	}
	if err := r.inserter.Close(); err != nil {
		r.logger.Error().Err(err).Msg("Error closing audit inserter")
	}
	r.logger.Info().Msg("Audit recorder stopped.")
	return nil
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	batch := make([]*FetchRecord, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background(), batch)
			return
		case rec, ok := <-r.input:
			if !ok {
				r.flush(context.Background(), batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = make([]*FetchRecord, 0, r.cfg.BatchSize)
				ticker.Reset(r.cfg.FlushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = make([]*FetchRecord, 0, r.cfg.BatchSize)
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []*FetchRecord) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, r.cfg.InsertTimeout)
	defer cancel()
	if err := r.inserter.InsertBatch(insertCtx, batch); err != nil {
		r.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert audit batch.")
		return
	}
	r.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed audit batch.")
}
