// Package archive keeps a history of fetched reference data in Google Cloud
// Storage. Each successful fetch that changes a key's content becomes one gzip
// JSON object.
package archive

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// Config holds configuration for the Archiver.
type Config struct {
	BucketName   string `yaml:"bucket"`
	ObjectPrefix string `yaml:"prefix"`
	// MaxConcurrent bounds in-flight uploads. Events beyond it are dropped.
	MaxConcurrent int           `yaml:"max_concurrent"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// Record is the archived document.
type Record struct {
	Key       refdata.Key     `json:"key"`
	Version   uint64          `json:"version"`
	Token     uint64          `json:"token"`
	FetchedAt time.Time       `json:"fetched_at"`
	Value     json.RawMessage `json:"value"`
}

// Archiver is a refdata.Observer that uploads successful fetches. Registries in
// different sessions often fetch identical content; only content that differs
// from the last upload for the key is written.
type Archiver struct {
	client GCSClient
	cfg    Config
	logger zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	last   map[refdata.Key][sha256.Size]byte
	closed bool
}

// NewArchiver creates an Archiver writing to cfg.BucketName.
func NewArchiver(client GCSClient, cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = time.Minute
	}
	return &Archiver{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "Archiver").Str("bucket", cfg.BucketName).Logger(),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		last:   make(map[refdata.Key][sha256.Size]byte),
	}, nil
}

// ObjectName returns the object path for one archived version.
func ObjectName(prefix string, key refdata.Key, version uint64, id string) string {
	return path.Join(prefix, key.String(), fmt.Sprintf("%d-%s.json.gz", version, id))
}

// Observe implements refdata.Observer. It never blocks on the upload.
func (a *Archiver) Observe(ev refdata.Event) {
	if ev.Kind != refdata.EventFetchSucceeded {
		return
	}
	value, err := json.Marshal(ev.Value)
	if err != nil {
		a.logger.Error().Err(err).Str("key", ev.Key.String()).Msg("Failed to encode value for archive.")
		return
	}
	digest := sha256.Sum256(value)

	a.mu.Lock()
	if a.closed || a.last[ev.Key] == digest {
		a.mu.Unlock()
		return
	}
	select {
	case a.sem <- struct{}{}:
	default:
		a.mu.Unlock()
		a.logger.Warn().Str("key", ev.Key.String()).Uint64("version", ev.Version).Msg("Archive uploads saturated, dropping snapshot.")
		return
	}
	a.last[ev.Key] = digest
	a.wg.Add(1)
	a.mu.Unlock()

	rec := Record{Key: ev.Key, Version: ev.Version, Token: ev.Token, FetchedAt: ev.At, Value: value}
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UploadTimeout)
		defer cancel()
		if err := a.upload(ctx, rec); err != nil {
			a.logger.Error().Err(err).Str("key", rec.Key.String()).Msg("Failed to archive snapshot.")
			a.forget(rec.Key, digest)
		}
	}()
}

// forget clears the recorded digest so a later fetch of the same content retries.
func (a *Archiver) forget(key refdata.Key, digest [sha256.Size]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last[key] == digest {
		delete(a.last, key)
	}
}

func (a *Archiver) upload(ctx context.Context, rec Record) error {
	objectName := ObjectName(a.cfg.ObjectPrefix, rec.Key, rec.Version, uuid.New().String())
	gcsWriter := a.client.Bucket(a.cfg.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		if err = json.NewEncoder(gz).Encode(rec); err != nil {
			err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
			return
		}
		err = gz.Close()
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	// Unblocks the encoder when the copy stopped on a write error.
	_ = pr.CloseWithError(pipeReadErr)
	closeErr := gcsWriter.Close()
	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Archived reference data snapshot.")
	return nil
}

// Close stops accepting events and waits for pending uploads.
func (a *Archiver) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.logger.Info().Msg("Waiting for all pending archive uploads to complete...")
	a.wg.Wait()
	return nil
}
