package goapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T, handler http.Handler, token string) *goapi.HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := goapi.NewConfigDefaults()
	cfg.BaseURL = srv.URL
	cfg.Token = token
	cfg.PageLimit = 2
	src, err := goapi.NewHTTPSource(cfg, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestHTTPSource_FollowsPagination(t *testing.T) {
	// Arrange
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/country/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		switch r.URL.Query().Get("offset") {
		case "":
			_, _ = fmt.Fprintf(w, `{"count":3,"next":"%s/api/v2/country/?limit=2&offset=2","results":[{"id":1,"name":"Kenya"},{"id":2,"name":"Nepal"}]}`, srvURL)
		case "2":
			_, _ = fmt.Fprint(w, `{"count":3,"next":null,"results":[{"id":3,"name":"Peru"}]}`)
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	cfg := goapi.NewConfigDefaults()
	cfg.BaseURL = srv.URL
	cfg.PageLimit = 2
	src, err := goapi.NewHTTPSource(cfg, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	// Act
	raw, err := src.Fetch(context.Background(), refdata.KeyCountry)

	// Assert
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"name":"Kenya"},{"id":2,"name":"Nepal"},{"id":3,"name":"Peru"}]`, string(raw))
}

func TestHTTPSource_EmptyPagedResultIsEmptyArray(t *testing.T) {
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"count":0,"next":null,"results":[]}`)
	}), "")

	raw, err := src.Fetch(context.Background(), refdata.KeyDisasterType)

	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestHTTPSource_SendsToken(t *testing.T) {
	var gotAuth atomic.Value
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/user/me/", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("limit"), "unpaged endpoints carry no limit")
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, `{"id":7,"username":"jdoe"}`)
	}), "secret")

	raw, err := src.Fetch(context.Background(), refdata.KeyUserMe)

	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"username":"jdoe"}`, string(raw))
	assert.Equal(t, "Token secret", gotAuth.Load())
}

func TestHTTPSource_StatusError(t *testing.T) {
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}), "")

	_, err := src.Fetch(context.Background(), refdata.KeyRegion)

	var statusErr *goapi.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, refdata.KeyRegion, statusErr.Key)
	assert.Equal(t, "upstream exploded", statusErr.Body)
}

func TestHTTPSource_UnknownKey(t *testing.T) {
	src := newTestSource(t, http.NotFoundHandler(), "")

	_, err := src.Fetch(context.Background(), refdata.Key(200))

	assert.ErrorIs(t, err, refdata.ErrUnknownKey)
}

func TestHTTPSource_PageLimitExceeded(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every page points at another page.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   100,
			"next":    srvURL + "/api/v2/region/?limit=1&offset=1",
			"results": []any{map[string]any{"id": 1}},
		})
	}))
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	cfg := goapi.NewConfigDefaults()
	cfg.BaseURL = srv.URL
	cfg.MaxPages = 3
	src, err := goapi.NewHTTPSource(cfg, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	_, err = src.Fetch(context.Background(), refdata.KeyRegion)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 3 pages")
}
