package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-refdata/pkg/archive"
	"github.com/illmade-knight/go-refdata/pkg/audit"
	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/illmade-knight/go-refdata/pkg/config"
	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/invalidation"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

type rawFetcher = cache.Fetcher[refdata.Key, json.RawMessage]

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

// newLogger returns a console logger on w at the configured level.
func newLogger(w io.Writer, cfg *config.Config) (zerolog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("service", "refdatad").
		Logger(), nil
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// loadConfig reads, overrides and validates the configuration at path.
func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newHTTPSource builds the GO API source.
func newHTTPSource(cfg *config.Config, logger zerolog.Logger) (*goapi.HTTPSource, error) {
	return goapi.NewHTTPSource(cfg.Source.API, nil, logger)
}

// newFirestoreMirror connects to the Firestore mirror collection.
func newFirestoreMirror(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cl *closers) (*cache.FirestoreSource[refdata.Key, json.RawMessage], error) {
	projectID := cfg.Source.Firestore.ProjectID
	if projectID == "" {
		projectID = cfg.ProjectID
	}
	client, err := firestore.NewClient(ctx, projectID, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	cl.add(client.Close)
	return cache.NewFirestoreSource[refdata.Key, json.RawMessage](&cfg.Source.Firestore, client, logger)
}

// buildSourceChain assembles the configured source under the configured shared
// cache layer.
func buildSourceChain(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cl *closers) (rawFetcher, error) {
	var base rawFetcher
	switch cfg.Source.Kind {
	case config.SourceFirestore:
		mirror, err := newFirestoreMirror(ctx, cfg, logger, cl)
		if err != nil {
			return nil, err
		}
		base = mirror
	default:
		src, err := newHTTPSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		base = src
	}

	switch cfg.Cache.Kind {
	case config.CacheRedis:
		rc, err := cache.NewRedisCache[refdata.Key, json.RawMessage](ctx, &cfg.Cache.Redis, logger, base)
		if err != nil {
			return nil, err
		}
		return rc, nil
	case config.CacheMemory:
		return cache.NewInMemoryCache[refdata.Key, json.RawMessage](base), nil
	default:
		return base, nil
	}
}

// observers holds the optional registry observers of a serving process.
type observers struct {
	archiver *archive.Archiver
	recorder *audit.Recorder
}

// forSession returns the registry options for one session.
func (o observers) forSession(id string) []refdata.Option {
	var opts []refdata.Option
	if o.archiver != nil {
		opts = append(opts, refdata.WithObserver(o.archiver))
	}
	if o.recorder != nil {
		opts = append(opts, refdata.WithObserver(o.recorder.ForSession(id)))
	}
	return opts
}

// buildObservers creates the archive and audit observers that are enabled.
func buildObservers(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cl *closers) (observers, error) {
	var obs observers
	if cfg.Archive.Enabled {
		client, err := storage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			return obs, fmt.Errorf("storage.NewClient: %w", err)
		}
		cl.add(client.Close)
		a, err := archive.NewArchiver(archive.NewGCSClientAdapter(client), cfg.Archive.Config, logger)
		if err != nil {
			return obs, err
		}
		cl.add(a.Close)
		obs.archiver = a
	}
	if cfg.Audit.Enabled {
		bqCfg := cfg.Audit.BigQuery
		if bqCfg.ProjectID == "" {
			bqCfg.ProjectID = cfg.ProjectID
		}
		if bqCfg.CredentialsFile == "" {
			bqCfg.CredentialsFile = cfg.CredentialsFile
		}
		client, err := audit.NewBigQueryClient(ctx, bqCfg, logger)
		if err != nil {
			return obs, err
		}
		cl.add(client.Close)
		inserter, err := audit.NewBigQueryInserter(ctx, client, bqCfg, logger)
		if err != nil {
			return obs, err
		}
		rec := audit.NewRecorder(cfg.Audit.Recorder, inserter, logger)
		rec.Start(ctx)
		cl.add(func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return rec.Stop(stopCtx)
		})
		obs.recorder = rec
	}
	return obs, nil
}

// newPubsubClient connects to Pub/Sub for the invalidation fan-out.
func newPubsubClient(ctx context.Context, cfg *config.Config, cl *closers) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	cl.add(client.Close)
	return client, nil
}

// newPublisher creates the invalidation publisher for cfg.
func newPublisher(ctx context.Context, cfg *config.Config, client *pubsub.Client, logger zerolog.Logger, cl *closers) (*invalidation.Publisher, error) {
	pub, err := invalidation.NewPublisher(ctx, invalidation.PublisherConfig{
		TopicID: cfg.Invalidation.TopicID,
		Source:  cfg.Invalidation.Source,
	}, client, logger)
	if err != nil {
		return nil, err
	}
	cl.add(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return pub.Stop(stopCtx)
	})
	return pub, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var stdout io.Writer = os.Stdout
