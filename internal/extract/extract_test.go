package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/pkg/types"
)

func sysCommonSchemas() map[string]*types.EventTypeSchema {
	events, _, _ := types.BuiltinsFor([]string{types.BuiltinSysCommon}, nil)
	return events
}

func TestHeuristicExtract(t *testing.T) {
	messages := []types.Message{
		{Role: types.RoleUser, Content: "I started learning the guitar last month"},
		{Role: types.RoleAssistant, Content: "That sounds great!"},
		{Role: types.RoleUser, Content: "   "},
	}

	candidates, err := Heuristic{}.Extract(context.Background(), messages, nil, sysCommonSchemas())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, types.BuiltinSysCommon, candidates[0].EventType)
	assert.Equal(t, []int{0}, candidates[0].SourceMessageIDs)
	assert.Equal(t, "user: I started learning the guitar last month", candidates[0].Properties["content"])
	assert.Contains(t, candidates[0].Properties["keywords"], "guitar")
}

func TestHeuristicSkipsWithoutSysCommon(t *testing.T) {
	messages := []types.Message{{Role: types.RoleUser, Content: "hello there"}}
	candidates, err := Heuristic{}.Extract(context.Background(), messages, nil,
		map[string]*types.EventTypeSchema{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRemoteExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract", r.URL.Path)

		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		assert.Contains(t, req.Schemas, "study_demo")

		json.NewEncoder(w).Encode(extractResponse{Events: []Candidate{{
			EventType:        "study_demo",
			Properties:       types.Properties{"rating_score": 7},
			SourceMessageIDs: []int{0},
		}}})
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL})
	schemas := map[string]*types.EventTypeSchema{"study_demo": {EventType: "study_demo", Version: 1}}

	candidates, err := r.Extract(context.Background(),
		[]types.Message{{Role: types.RoleUser, Content: "scored 7 today"}},
		&types.Metadata{Time: 1700000000000}, schemas)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "study_demo", candidates[0].EventType)
}

func TestRemoteExtractSalvagesNoisyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Sure! Here is the result:\n{\"events\":[{\"event_type\":\"study_demo\",\"properties\":{}}]}\nDone."))
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL})
	candidates, err := r.Extract(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestRemoteExtractTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL})
	_, err := r.Extract(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestRemoteExtractCircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL, MaxFailures: 2, Timeout: time.Second})
	for i := 0; i < 2; i++ {
		_, err := r.Extract(context.Background(), nil, nil, nil)
		require.ErrorIs(t, err, types.ErrTransport)
	}

	_, err := r.Extract(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, types.ErrTransport)
	assert.Contains(t, err.Error(), "circuit breaker")
}
