// Package config loads the refdatad YAML configuration with environment
// overrides for secrets.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/illmade-knight/go-refdata/pkg/archive"
	"github.com/illmade-knight/go-refdata/pkg/audit"
	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/illmade-knight/go-refdata/pkg/server"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets.
const (
	EnvAPIToken      = "REFDATA_API_TOKEN"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvLogLevel      = "REFDATA_LOG_LEVEL"
)

// Source kinds.
const (
	SourceAPI       = "api"
	SourceFirestore = "firestore"
)

// Cache kinds.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all refdatad configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	Server       server.Config      `yaml:"server"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Source       SourceConfig       `yaml:"source"`
	Cache        CacheConfig        `yaml:"cache"`
	Preload      []string           `yaml:"preload"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Audit        AuditConfig        `yaml:"audit"`
}

// SessionsConfig controls idle session reaping.
type SessionsConfig struct {
	MaxIdle      time.Duration `yaml:"max_idle"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// SourceConfig selects where reference data comes from.
type SourceConfig struct {
	Kind      string                `yaml:"kind"`
	API       goapi.Config          `yaml:"api"`
	Firestore cache.FirestoreConfig `yaml:"firestore"`
}

// CacheConfig selects the shared layer between sessions and the source.
type CacheConfig struct {
	Kind  string            `yaml:"kind"`
	Redis cache.RedisConfig `yaml:"redis"`
}

// InvalidationConfig enables cross-instance invalidation over Pub/Sub.
type InvalidationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
	// Source identifies this instance in notices. Defaults to the hostname.
	Source string `yaml:"source"`
}

// ArchiveConfig enables the GCS snapshot archive.
type ArchiveConfig struct {
	Enabled        bool `yaml:"enabled"`
	archive.Config `yaml:",inline"`
}

// AuditConfig enables the BigQuery fetch audit.
type AuditConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	BigQuery audit.BigQueryConfig `yaml:"bigquery"`
	Recorder audit.RecorderConfig `yaml:"recorder"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server:   server.NewConfigDefaults(),
		Sessions: SessionsConfig{
			MaxIdle:      30 * time.Minute,
			ReapInterval: time.Minute,
		},
		Source: SourceConfig{
			Kind: SourceAPI,
			API:  goapi.NewConfigDefaults(),
			Firestore: cache.FirestoreConfig{
				CollectionName: "refdata-mirror",
			},
		},
		Cache: CacheConfig{
			Kind: CacheMemory,
			Redis: cache.RedisConfig{
				Addr:      "localhost:6379",
				CacheTTL:  time.Hour,
				KeyPrefix: "refdata:",
			},
		},
		Preload: []string{"country", "region", "global-enums", "disaster-type"},
		Invalidation: InvalidationConfig{
			TopicID:        "refdata-invalidations",
			SubscriptionID: "refdata-invalidations-sub",
		},
		Archive: ArchiveConfig{
			Config: archive.Config{ObjectPrefix: "snapshots"},
		},
		Audit: AuditConfig{
			BigQuery: audit.BigQueryConfig{DatasetID: "refdata", TableID: "fetch_audit"},
			Recorder: audit.NewRecorderConfigDefaults(),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields the
// defaults; unknown fields are an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies environment variable overrides. Secrets are only ever read
// from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.Source.API.Token = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if c.Invalidation.Source == "" {
		if host, err := os.Hostname(); err == nil {
			c.Invalidation.Source = host
		}
	}
}

// Level returns the configured log level.
func (c *Config) Level() (zerolog.Level, error) {
	return zerolog.ParseLevel(c.LogLevel)
}

// PreloadKeys parses the preload list.
func (c *Config) PreloadKeys() ([]refdata.Key, error) {
	keys := make([]refdata.Key, 0, len(c.Preload))
	for _, name := range c.Preload {
		key, err := refdata.ParseKey(name)
		if err != nil {
			return nil, fmt.Errorf("config: preload: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// NeedsProject reports whether any enabled component talks to Google Cloud.
func (c *Config) NeedsProject() bool {
	return c.Source.Kind == SourceFirestore || c.Invalidation.Enabled || c.Archive.Enabled || c.Audit.Enabled
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	if c.Server.HTTPPort == "" {
		errs = append(errs, errors.New("config: server.http_port cannot be empty"))
	}
	if c.Sessions.MaxIdle < 0 {
		errs = append(errs, fmt.Errorf("config: sessions.max_idle must be non-negative, got %v", c.Sessions.MaxIdle))
	}

	switch c.Source.Kind {
	case SourceAPI:
		if c.Source.API.BaseURL == "" {
			errs = append(errs, errors.New("config: source.api.base_url cannot be empty"))
		}
	case SourceFirestore:
		if c.Source.Firestore.CollectionName == "" {
			errs = append(errs, errors.New("config: source.firestore.collection cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: source.kind must be %q or %q, got %q", SourceAPI, SourceFirestore, c.Source.Kind))
	}

	switch c.Cache.Kind {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("config: cache.redis.addr cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: cache.kind must be %q, %q or %q, got %q", CacheNone, CacheMemory, CacheRedis, c.Cache.Kind))
	}

	if _, err := c.PreloadKeys(); err != nil {
		errs = append(errs, err)
	}
	if c.Invalidation.Enabled && (c.Invalidation.TopicID == "" || c.Invalidation.SubscriptionID == "") {
		errs = append(errs, errors.New("config: invalidation needs topic_id and subscription_id"))
	}
	if c.Archive.Enabled && c.Archive.BucketName == "" {
		errs = append(errs, errors.New("config: archive.bucket cannot be empty"))
	}
	if c.Audit.Enabled && (c.Audit.BigQuery.DatasetID == "" || c.Audit.BigQuery.TableID == "") {
		errs = append(errs, errors.New("config: audit.bigquery needs dataset_id and table_id"))
	}
	if c.NeedsProject() && c.ProjectID == "" {
		errs = append(errs, errors.New("config: project_id is required for Google Cloud components"))
	}
	return errors.Join(errs...)
}
