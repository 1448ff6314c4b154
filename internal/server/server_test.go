package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/internal/aggregate"
	"github.com/memkb/memkb/internal/config"
	"github.com/memkb/memkb/internal/extract"
	"github.com/memkb/memkb/internal/index"
	"github.com/memkb/memkb/internal/ingest"
	"github.com/memkb/memkb/internal/registry"
	"github.com/memkb/memkb/internal/storage/sqlite"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)
	validator, err := registry.NewValidator()
	require.NoError(t, err)
	ix, err := index.New(index.HashEmbedder{}, nil)
	require.NoError(t, err)
	pipeline := ingest.New(reg, validator, extract.Heuristic{}, aggregate.New(store), ix, store, nil)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit = 1000
	cfg.Server.RateBurst = 1000
	cfg.Security.Mode = "development"
	cfg.Storage.Engine = "sqlite"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := Start(ctx, cfg, Deps{Registry: reg, Pipeline: pipeline, Index: ix})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})
	return srv
}

func TestHealthz(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestEndpointsOverHTTP(t *testing.T) {
	srv := startTestServer(t)
	base := fmt.Sprintf("http://%s", srv.Addr())

	body, _ := json.Marshal(map[string]interface{}{
		"CollectionName":    "chat",
		"BuiltinEventTypes": []string{"sys_common"},
	})
	resp, err := http.Post(base+"/api/memory/collection/create", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Non-POST is rejected.
	resp, err = http.Get(base + "/api/memory/search")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
