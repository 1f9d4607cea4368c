// Command refdatad serves shared IFRC GO reference data to page sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/invalidation"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/illmade-knight/go-refdata/pkg/selectors"
	"github.com/illmade-knight/go-refdata/pkg/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Path to the YAML config file." short:"c" default:"refdatad.yaml" type:"path"`
	LogLevel string `help:"Override the configured log level." name:"log-level"`
}

// CLI is the top-level command structure for refdatad.
type CLI struct {
	Globals

	Version    kong.VersionFlag `help:"Show version." short:"V"`
	Serve      ServeCmd         `cmd:"" help:"Serve reference data over HTTP."`
	Fetch      FetchCmd         `cmd:"" help:"Fetch keys once and print their snapshots."`
	Invalidate InvalidateCmd    `cmd:"" help:"Invalidate keys on every instance."`
	Mirror     MirrorCmd        `cmd:"" help:"Copy keys from the GO API into the Firestore mirror."`
	Keys       KeysCmd          `cmd:"" help:"List the reference data keys."`
}

// KeysCmd lists the closed key set.
type KeysCmd struct{}

// Run prints one key per line.
func (c *KeysCmd) Run() error {
	for _, key := range refdata.Keys() {
		if _, err := fmt.Fprintln(stdout, key); err != nil {
			return err
		}
	}
	return nil
}

func parseKeys(names []string) ([]refdata.Key, error) {
	keys := make([]refdata.Key, 0, len(names))
	for _, name := range names {
		key, err := refdata.ParseKey(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// FetchCmd loads keys through the configured chain once.
type FetchCmd struct {
	Keys    []string      `arg:"" help:"Keys to fetch." optional:""`
	Timeout time.Duration `help:"Give up after this long." default:"1m"`
}

// Run fetches the keys and prints their snapshots as JSON.
func (c *FetchCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.Config, g.LogLevel)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	keys, err := parseKeys(c.Keys)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if len(keys) == 0 {
		keys = refdata.Keys()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var cl closers
	defer func() { _ = cl.closeAll() }()
	chain, err := buildSourceChain(ctx, cfg, logger, &cl)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	fetcher, err := goapi.NewResourceFetcher(chain, logger)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	cl.add(fetcher.Close)

	reg, err := refdata.NewRegistry(fetcher, logger, refdata.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer reg.Close()

	loadErr := reg.Preload(ctx, keys...)
	snaps := make([]refdata.Snapshot, 0, len(keys))
	for _, key := range keys {
		snaps = append(snaps, reg.Read(key))
	}
	if err := writeJSON(stdout, snaps); err != nil {
		return err
	}
	if loadErr != nil {
		return fmt.Errorf("fetch: %w", loadErr)
	}
	return nil
}

// InvalidateCmd purges keys from the shared cache and announces the
// invalidation to every serving instance.
type InvalidateCmd struct {
	Keys []string `arg:"" help:"Keys to invalidate."`
}

// Run purges and publishes each key.
func (c *InvalidateCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.Config, g.LogLevel)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	keys, err := parseKeys(c.Keys)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var cl closers
	defer func() { _ = cl.closeAll() }()
	chain, err := buildSourceChain(ctx, cfg, logger, &cl)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	fetcher, err := goapi.NewResourceFetcher(chain, logger)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	cl.add(fetcher.Close)

	var pub *invalidation.Publisher
	if cfg.Invalidation.Enabled {
		client, err := newPubsubClient(ctx, cfg, &cl)
		if err != nil {
			return fmt.Errorf("invalidate: %w", err)
		}
		if pub, err = newPublisher(ctx, cfg, client, logger, &cl); err != nil {
			return fmt.Errorf("invalidate: %w", err)
		}
	} else {
		logger.Warn().Msg("Invalidation fan-out is disabled; only the shared cache is purged.")
	}

	var errs []error
	for _, key := range keys {
		if err := fetcher.Purge(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		if pub != nil {
			if err := pub.Publish(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MirrorCmd copies keys from the GO API into the Firestore mirror.
type MirrorCmd struct {
	Keys []string `arg:"" help:"Keys to mirror." optional:""`
}

// Run fetches each key from the API and writes it to Firestore.
func (c *MirrorCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.Config, g.LogLevel)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	keys, err := parseKeys(c.Keys)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	if len(keys) == 0 {
		keys = refdata.Keys()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var cl closers
	defer func() { _ = cl.closeAll() }()
	src, err := newHTTPSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	cl.add(src.Close)
	mirror, err := newFirestoreMirror(ctx, cfg, logger, &cl)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	var errs []error
	for _, key := range keys {
		raw, err := src.Fetch(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := goapi.Decode(key, raw); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := mirror.WriteToCache(ctx, key, raw); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Info().Str("key", key.String()).Int("bytes", len(raw)).Msg("Mirrored reference data.")
	}
	return errors.Join(errs...)
}

// ServeCmd runs the HTTP server with its session reaper and invalidation
// subscriber.
type ServeCmd struct {
	Addr string `help:"Override the configured listen address."`
}

// Run serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.Config, g.LogLevel)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if c.Addr != "" {
		cfg.Server.HTTPPort = c.Addr
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	preload, err := cfg.PreloadKeys()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer func() {
		if err := cl.closeAll(); err != nil {
			logger.Error().Err(err).Msg("Error releasing resources.")
		}
	}()

	chain, err := buildSourceChain(ctx, cfg, logger, &cl)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	fetcher, err := goapi.NewResourceFetcher(chain, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	cl.add(fetcher.Close)

	obs, err := buildObservers(ctx, cfg, logger, &cl)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	sessions, err := refdata.NewSessions(refdata.SessionsConfig{
		MaxIdle:      cfg.Sessions.MaxIdle,
		ReapInterval: cfg.Sessions.ReapInterval,
		Purger:       fetcher,
	}, func(id string) (*refdata.Registry, error) {
		reg, err := refdata.NewRegistry(fetcher, logger.With().Str("session", id).Logger(), obs.forSession(id)...)
		if err != nil {
			return nil, err
		}
		for _, key := range preload {
			reg.Register(key)
		}
		return reg, nil
	}, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	// Registries close before the observers and the source chain they use.
	cl.add(func() error {
		sessions.Close()
		return nil
	})

	var notifier server.Notifier
	var sub *invalidation.Subscriber
	if cfg.Invalidation.Enabled {
		client, err := newPubsubClient(ctx, cfg, &cl)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		pub, err := newPublisher(ctx, cfg, client, logger, &cl)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		notifier = pub
		subCfg := invalidation.NewSubscriberConfigDefaults(cfg.Invalidation.SubscriptionID)
		subCfg.IgnoreSource = cfg.Invalidation.Source
		if sub, err = invalidation.NewSubscriber(ctx, subCfg, client, sessions, logger); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	srv, err := server.New(cfg.Server, sessions, selectors.New(logger), notifier, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	if sub != nil {
		if err := sub.Start(gctx); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		group.Go(func() error {
			<-gctx.Done()
			return sub.Close()
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("refdatad"),
		kong.Description("Shared reference data cache for the IFRC GO portal."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fatal := zerolog.New(os.Stderr)
		fatal.Error().Err(err).Msg("refdatad failed")
		os.Exit(1)
	}
}
