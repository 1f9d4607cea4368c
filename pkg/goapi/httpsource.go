// Package goapi is the REST collaborator for the IFRC GO API. HTTPSource fetches
// the raw payload for each reference data key and ResourceFetcher decodes it into
// the concrete type the selectors work with.
package goapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// Config holds configuration for the GO API client.
type Config struct {
	BaseURL string `yaml:"base_url"`
	// Token is sent as "Authorization: Token <token>" when set. user-me needs it.
	Token     string        `yaml:"-"`
	PageLimit int           `yaml:"page_limit"`
	MaxPages  int           `yaml:"max_pages"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewConfigDefaults returns a Config pointed at the public GO API.
func NewConfigDefaults() Config {
	return Config{
		BaseURL:   "https://goadmin.ifrc.org",
		PageLimit: 500,
		MaxPages:  50,
		Timeout:   30 * time.Second,
	}
}

// endpoint describes where a key lives and whether the response is paginated.
type endpoint struct {
	path  string
	paged bool
}

var endpoints = map[refdata.Key]endpoint{
	refdata.KeyCountry:         {path: "/api/v2/country/", paged: true},
	refdata.KeyRegion:          {path: "/api/v2/region/", paged: true},
	refdata.KeyGlobalEnums:     {path: "/api/v2/global-enums/"},
	refdata.KeyDisasterType:    {path: "/api/v2/disaster_type/", paged: true},
	refdata.KeyUserMe:          {path: "/api/v2/user/me/"},
	refdata.KeySecondarySector: {path: "/api/v2/secondarysector/"},
	refdata.KeyPerComponents:   {path: "/api/v2/per-formcomponent/", paged: true},
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Key        refdata.Key
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GO API returned %d for %s (%s)", e.StatusCode, e.Key, e.URL)
}

// page is the Django REST framework pagination envelope.
type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// HTTPSource fetches raw reference data payloads over HTTP. Paginated endpoints
// are followed to the last page and their results concatenated into one array.
type HTTPSource struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPSource creates a source for cfg. A nil client uses one with cfg.Timeout.
func NewHTTPSource(cfg Config, client *http.Client, logger zerolog.Logger) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("GO API base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing GO API base URL: %w", err)
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 500
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSource{
		cfg:    cfg,
		base:   base,
		client: client,
		logger: logger.With().Str("component", "HTTPSource").Str("base_url", cfg.BaseURL).Logger(),
	}, nil
}

// Fetch returns the payload for key. Paged endpoints yield a JSON array of every
// result; the rest return the response body as is.
func (s *HTTPSource) Fetch(ctx context.Context, key refdata.Key) (json.RawMessage, error) {
	ep, ok := endpoints[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", refdata.ErrUnknownKey, key)
	}
	target := s.base.ResolveReference(&url.URL{Path: ep.path})
	if !ep.paged {
		return s.get(ctx, key, target.String())
	}

	q := target.Query()
	q.Set("limit", strconv.Itoa(s.cfg.PageLimit))
	target.RawQuery = q.Encode()

	var all []json.RawMessage
	next := target.String()
	for pages := 0; next != ""; pages++ {
		if pages >= s.cfg.MaxPages {
			return nil, fmt.Errorf("fetching %s: more than %d pages", key, s.cfg.MaxPages)
		}
		body, err := s.get(ctx, key, next)
		if err != nil {
			return nil, err
		}
		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decoding page %d of %s: %w", pages+1, key, err)
		}
		all = append(all, p.Results...)
		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	if all == nil {
		all = []json.RawMessage{}
	}
	out, err := json.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("encoding results of %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key.String()).Int("records", len(all)).Msg("Fetched paged reference data.")
	return out, nil
}

func (s *HTTPSource) get(ctx context.Context, key refdata.Key, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", key, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key.String()).Msg("GO API request failed.")
		return nil, fmt.Errorf("requesting %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn().Str("key", key.String()).Int("status", resp.StatusCode).Msg("GO API returned an error status.")
		return nil, &StatusError{Key: key, URL: target, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

// Close releases idle connections.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
