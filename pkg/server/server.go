// Package server exposes per-session reference data registries and their
// selectors over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/illmade-knight/go-refdata/pkg/selectors"
	"github.com/rs/zerolog"
)

// SessionHeader selects the page session a request belongs to.
const SessionHeader = "X-Refdata-Session"

// Config holds configuration for the HTTP surface.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	// DefaultSession is used for requests without a session header.
	DefaultSession string `yaml:"default_session"`
	// MaxWait caps the wait query parameter.
	MaxWait           time.Duration `yaml:"max_wait"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// NewConfigDefaults returns the default server configuration.
func NewConfigDefaults() Config {
	return Config{
		HTTPPort:          ":8080",
		DefaultSession:    "default",
		MaxWait:           30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Notifier announces an invalidation to other instances.
type Notifier interface {
	Publish(ctx context.Context, key refdata.Key) error
}

// Server is the HTTP front of a Sessions set.
type Server struct {
	cfg        Config
	logger     zerolog.Logger
	sessions   *refdata.Sessions
	selectors  *selectors.Selectors
	notifier   Notifier
	router     chi.Router
	httpServer *http.Server

	mu         sync.RWMutex
	actualAddr string
}

// New builds the router. notifier may be nil.
func New(cfg Config, sessions *refdata.Sessions, sel *selectors.Selectors, notifier Notifier, logger zerolog.Logger) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("sessions cannot be nil")
	}
	if sel == nil {
		return nil, errors.New("selectors cannot be nil")
	}
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = "default"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "Server").Logger(),
		sessions:  sessions,
		selectors: sel,
		notifier:  notifier,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", HealthzHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withRegistry)

		r.Route("/refdata/{key}", func(r chi.Router) {
			r.Get("/", s.handleRead)
			r.Post("/register", s.handleRegister)
			r.Post("/invalidate", s.handleInvalidate)
			r.Post("/reset", s.handleReset)
		})

		r.Get("/countries", s.handleCountries)
		r.Get("/countries/{id}", s.handleCountryByID)
		r.Get("/countries/iso3/{iso3}", s.handleCountryByISO3)
		r.Get("/regions", s.handleRegions)
		r.Get("/regions/{id}", s.handleRegionByID)
		r.Get("/disaster-types", s.handleDisasterTypes)
		r.Get("/disaster-types/{id}", s.handleDisasterTypeByID)
		r.Get("/enums/{field}", s.handleEnumOptions)
		r.Get("/me", s.handleCurrentUser)
	})
	return r
}

// withRegistry resolves the request's session and puts its registry in the
// request context.
func (s *Server) withRegistry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			id = s.cfg.DefaultSession
		}
		reg, err := s.sessions.Get(id)
		if err != nil {
			s.logger.Error().Err(err).Str("session", id).Msg("Failed to resolve session registry.")
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(refdata.NewContext(r.Context(), reg)))
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.cfg.HTTPPort, err)
	}
	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on.
func (s *Server) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.cfg.HTTPPort
	}
	return ":" + port
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
