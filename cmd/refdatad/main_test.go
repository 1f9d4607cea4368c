package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/illmade-knight/go-refdata/pkg/cache"
	"github.com/illmade-knight/go-refdata/pkg/config"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "refdatad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func newFakeGOAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/region/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"count":1,"next":null,"results":[{"id":0,"name":0,"region_name":"Africa"}]}`)
	})
	mux.HandleFunc("/api/v2/user/me/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCLI_Parse(t *testing.T) {
	t.Run("no args errors", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		require.NoError(t, err)

		_, err = k.Parse([]string{})
		assert.Error(t, err)
	})

	t.Run("fetch takes keys and flags", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		require.NoError(t, err)

		kctx, err := k.Parse([]string{"--config", "x.yaml", "fetch", "country", "region", "--timeout", "5s"})
		require.NoError(t, err)

		assert.Contains(t, kctx.Command(), "fetch")
		assert.Equal(t, []string{"country", "region"}, cli.Fetch.Keys)
		assert.Equal(t, 5*time.Second, cli.Fetch.Timeout)
		assert.True(t, filepath.IsAbs(cli.Config))
	})

	t.Run("serve", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		require.NoError(t, err)

		kctx, err := k.Parse([]string{"serve", "--addr", ":0"})
		require.NoError(t, err)
		assert.Equal(t, "serve", kctx.Command())
		assert.Equal(t, ":0", cli.Serve.Addr)
	})
}

func TestKeysCmd(t *testing.T) {
	out := captureStdout(t)

	require.NoError(t, (&KeysCmd{}).Run())

	assert.Equal(t, "country\nregion\nglobal-enums\ndisaster-type\nuser-me\nsecondary-sector\nper-components\n", out.String())
}

func TestFetchCmd_EndToEnd(t *testing.T) {
	// Arrange
	api := newFakeGOAPI(t)
	path := writeConfig(t, fmt.Sprintf("log_level: error\nsource:\n  api:\n    base_url: %s\n", api.URL))
	out := captureStdout(t)

	// Act
	err := (&FetchCmd{Keys: []string{"region"}, Timeout: 5 * time.Second}).Run(&Globals{Config: path})

	// Assert
	require.NoError(t, err)
	var snaps []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "region", snaps[0]["key"])
	assert.Equal(t, "ready", snaps[0]["status"])
}

func TestFetchCmd_ReportsFailedKeys(t *testing.T) {
	api := newFakeGOAPI(t)
	path := writeConfig(t, fmt.Sprintf("log_level: error\nsource:\n  api:\n    base_url: %s\n", api.URL))
	out := captureStdout(t)

	err := (&FetchCmd{Keys: []string{"region", "user-me"}, Timeout: 5 * time.Second}).Run(&Globals{Config: path})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "user-me")
	assert.Contains(t, out.String(), `"status": "failed"`)
	assert.Contains(t, out.String(), `"status": "ready"`)
}

func TestFetchCmd_UnknownKey(t *testing.T) {
	path := writeConfig(t, "log_level: error\n")

	err := (&FetchCmd{Keys: []string{"planets"}, Timeout: 5 * time.Second}).Run(&Globals{Config: path})

	assert.ErrorIs(t, err, refdata.ErrUnknownKey)
}

func TestBuildSourceChain(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()

	t.Run("memory layer over the API", func(t *testing.T) {
		var cl closers
		chain, err := buildSourceChain(ctx, &cfg, zerolog.Nop(), &cl)
		require.NoError(t, err)
		assert.IsType(t, &cache.InMemoryCache[refdata.Key, json.RawMessage]{}, chain)
		require.NoError(t, cl.closeAll())
	})

	t.Run("no cache", func(t *testing.T) {
		c := cfg
		c.Cache.Kind = config.CacheNone
		var cl closers
		chain, err := buildSourceChain(ctx, &c, zerolog.Nop(), &cl)
		require.NoError(t, err)
		_, isMemory := chain.(*cache.InMemoryCache[refdata.Key, json.RawMessage])
		assert.False(t, isMemory)
	})
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "cache:\n  kind: disk\n")

	_, err := loadConfig(path, "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.kind")
}

func TestObservers_ForSession(t *testing.T) {
	assert.Empty(t, observers{}.forSession("s"))
}
