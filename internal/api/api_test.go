package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

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

func newTestHandlers(t *testing.T) *Handlers {
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
	return NewHandlers(reg, pipeline, ix)
}

func post(t *testing.T, handler http.HandlerFunc, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func createCollection(t *testing.T, h *Handlers) {
	rec, env := post(t, h.CreateCollection, "/api/memory/collection/create", map[string]interface{}{
		"CollectionName":    "chat",
		"BuiltinEventTypes": []string{"sys_common"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, CodeOK, env.Code)
}

func TestCreateCollection(t *testing.T) {
	h := newTestHandlers(t)
	createCollection(t, h)

	// Same name again conflicts.
	rec, env := post(t, h.CreateCollection, "/api/memory/collection/create", map[string]interface{}{
		"CollectionName":    "chat",
		"BuiltinEventTypes": []string{"sys_common"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, env.Code)
}

func TestCreateCollectionInvalidSchema(t *testing.T) {
	h := newTestHandlers(t)
	rec, env := post(t, h.CreateCollection, "/api/memory/collection/create", map[string]interface{}{
		"CollectionName":    "chat",
		"BuiltinEventTypes": []string{"sys_bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBadRequest, env.Code)
}

func TestAddMessagesAndSearch(t *testing.T) {
	h := newTestHandlers(t)
	createCollection(t, h)

	rec, env := post(t, h.AddMessages, "/api/memory/messages/add", map[string]interface{}{
		"collection_name": "chat",
		"session_id":      "s1",
		"messages": []map[string]string{
			{"role": "user", "content": "I started practising algebra every evening"},
		},
		"metadata": map[string]interface{}{
			"default_user_id":      "u1",
			"default_assistant_id": "a1",
			"time":                 1700000000000,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, CodeOK, env.Code)

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var result ingest.AddResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 1, result.CommittedCount)

	rec, env = post(t, h.Search, "/api/memory/search", map[string]interface{}{
		"collection_name": "chat",
		"query":           "algebra",
		"limit":           5,
		"filter":          map[string]interface{}{"user_id": "u1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, CodeOK, env.Code)

	payload := env.Data.(map[string]interface{})
	hits := payload["result_list"].([]interface{})
	require.NotEmpty(t, hits)
	first := hits[0].(map[string]interface{})
	assert.Contains(t, first["memory_info"], "algebra")
}

func TestAddMessagesUnknownCollection(t *testing.T) {
	h := newTestHandlers(t)
	rec, env := post(t, h.AddMessages, "/api/memory/messages/add", map[string]interface{}{
		"collection_name": "missing",
		"messages":        []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)
}

func TestAddMessagesBadRole(t *testing.T) {
	h := newTestHandlers(t)
	createCollection(t, h)

	rec, env := post(t, h.AddMessages, "/api/memory/messages/add", map[string]interface{}{
		"collection_name": "chat",
		"messages":        []map[string]string{{"role": "system", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBadRequest, env.Code)
}

func TestSearchUnknownMemoryType(t *testing.T) {
	h := newTestHandlers(t)
	createCollection(t, h)

	rec, env := post(t, h.Search, "/api/memory/search", map[string]interface{}{
		"collection_name": "chat",
		"query":           "anything",
		"filter":          map[string]interface{}{"memory_type": []string{"nope"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBadRequest, env.Code)
}

func TestSearchRequiresQuery(t *testing.T) {
	h := newTestHandlers(t)
	createCollection(t, h)

	rec, env := post(t, h.Search, "/api/memory/search", map[string]interface{}{
		"collection_name": "chat",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBadRequest, env.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// A caller-supplied ID is preserved.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "trace-1", rec.Header().Get("X-Request-ID"))
}

func TestRequireAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	dev := RequireAuth(ok, &config.SecurityConfig{Mode: "development"})
	rec := httptest.NewRecorder()
	dev.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	prod := RequireAuth(ok, &config.SecurityConfig{Mode: "production", APIToken: "secret"})

	rec = httptest.NewRecorder()
	prod.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	prod.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), rl)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
