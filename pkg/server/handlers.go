package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/illmade-knight/go-refdata/pkg/selectors"
)

type errorResponse struct {
	Error string `json:"error"`
}

// pendingResponse is returned with 202 while a view has no value yet.
type pendingResponse struct {
	Key     refdata.Key    `json:"key"`
	Status  refdata.Status `json:"status"`
	Pending bool           `json:"pending"`
}

type listResponse[T any] struct {
	Key     refdata.Key `json:"key"`
	Version uint64      `json:"version"`
	Pending bool        `json:"pending"`
	Items   []T         `json:"items"`
}

type actionResponse struct {
	Key       refdata.Key `json:"key"`
	Started   bool        `json:"started"`
	Scope     string      `json:"scope,omitempty"`
	Sessions  int         `json:"sessions,omitempty"`
	Published bool        `json:"published,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func registryFrom(w http.ResponseWriter, r *http.Request) (*refdata.Registry, bool) {
	reg, ok := refdata.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("no registry in request context"))
	}
	return reg, ok
}

func keyParam(w http.ResponseWriter, r *http.Request) (refdata.Key, bool) {
	key, err := refdata.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, false
	}
	return key, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", name, err))
		return 0, false
	}
	return v, true
}

// waitDuration parses the optional wait query parameter, capped at MaxWait.
func (s *Server) waitDuration(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(d, s.cfg.MaxWait), nil
}

// snapshot reads key, optionally registering it first and waiting for a pending
// fetch to settle.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, reg *refdata.Registry, key refdata.Key, register bool) (refdata.Snapshot, bool) {
	wait, err := s.waitDuration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return refdata.Snapshot{}, false
	}
	if register {
		reg.Register(key)
	}
	if wait == 0 {
		return reg.Read(key), true
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	snap, err := reg.Wait(ctx, key)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		writeError(w, http.StatusServiceUnavailable, err)
		return refdata.Snapshot{}, false
	}
	return snap, true
}

// notLoaded writes the response for a view with no value. It reports false when
// the snapshot is loaded.
func notLoaded(w http.ResponseWriter, snap refdata.Snapshot) bool {
	if snap.Loaded() {
		return false
	}
	if snap.Status == refdata.StatusFailed {
		writeError(w, http.StatusBadGateway, fmt.Errorf("loading %s: %w", snap.Key, snap.Err))
		return true
	}
	writeJSON(w, http.StatusAccepted, pendingResponse{Key: snap.Key, Status: snap.Status, Pending: true})
	return true
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	reg, ok := registryFrom(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	snap, ok := s.snapshot(w, r, reg, key, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := registryFrom(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Key: key, Started: reg.Register(key)})
}

// handleInvalidate refetches key for the request's session. With scope=all it
// invalidates every local session and, when a notifier is configured, announces
// the invalidation to other instances.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	reg, ok := registryFrom(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}

	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "session":
		writeJSON(w, http.StatusAccepted, actionResponse{Key: key, Started: reg.Invalidate(key), Scope: "session"})
	case "all":
		resp := actionResponse{Key: key, Scope: "all", Sessions: s.sessions.InvalidateAll(key)}
		resp.Started = resp.Sessions > 0
		if s.notifier != nil {
			if err := s.notifier.Publish(r.Context(), key); err != nil {
				s.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to announce invalidation.")
				writeError(w, http.StatusBadGateway, err)
				return
			}
			resp.Published = true
		}
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid scope %q", scope))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	reg, ok := registryFrom(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	reg.Reset(key)
	w.WriteHeader(http.StatusNoContent)
}

// view registers key and returns its snapshot, writing the not-loaded response
// itself. It reports false when the caller has nothing left to write.
func (s *Server) view(w http.ResponseWriter, r *http.Request, key refdata.Key) (refdata.Snapshot, bool) {
	reg, ok := registryFrom(w, r)
	if !ok {
		return refdata.Snapshot{}, false
	}
	snap, ok := s.snapshot(w, r, reg, key, true)
	if !ok || notLoaded(w, snap) {
		return refdata.Snapshot{}, false
	}
	return snap, true
}

func writeList[T any](w http.ResponseWriter, snap refdata.Snapshot, items []T) {
	writeJSON(w, http.StatusOK, listResponse[T]{Key: snap.Key, Version: snap.Version, Pending: snap.Pending, Items: items})
}

func writeLookup[T any](w http.ResponseWriter, item *T, found bool, what string) {
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s not found", what))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyCountry)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("region"); raw != "" {
		region, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid region: %w", err))
			return
		}
		items, _ := s.selectors.CountriesByRegion(snap, region)
		writeList(w, snap, items)
		return
	}
	items, _ := s.selectors.Countries(snap)
	writeList(w, snap, items)
}

func (s *Server) handleCountryByID(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	snap, ok := s.view(w, r, refdata.KeyCountry)
	if !ok {
		return
	}
	c, found := s.selectors.CountryByID(snap, id)
	writeLookup(w, c, found, "country")
}

func (s *Server) handleCountryByISO3(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyCountry)
	if !ok {
		return
	}
	c, found := s.selectors.CountryByISO3(snap, chi.URLParam(r, "iso3"))
	writeLookup(w, c, found, "country")
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyRegion)
	if !ok {
		return
	}
	items, _ := s.selectors.Regions(snap)
	writeList(w, snap, items)
}

func (s *Server) handleRegionByID(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	snap, ok := s.view(w, r, refdata.KeyRegion)
	if !ok {
		return
	}
	reg, found := s.selectors.RegionByID(snap, id)
	writeLookup(w, reg, found, "region")
}

func (s *Server) handleDisasterTypes(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyDisasterType)
	if !ok {
		return
	}
	items, _ := s.selectors.DisasterTypes(snap)
	writeList(w, snap, items)
}

func (s *Server) handleDisasterTypeByID(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	snap, ok := s.view(w, r, refdata.KeyDisasterType)
	if !ok {
		return
	}
	d, found := s.selectors.DisasterTypeByID(snap, id)
	writeLookup(w, d, found, "disaster type")
}

func (s *Server) handleEnumOptions(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyGlobalEnums)
	if !ok {
		return
	}
	items, _ := s.selectors.EnumOptions(snap, chi.URLParam(r, "field"))
	writeList(w, snap, items)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view(w, r, refdata.KeyUserMe)
	if !ok {
		return
	}
	user, found := selectors.CurrentUser(snap)
	writeLookup(w, &user, found, "user")
}
