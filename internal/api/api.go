// Package api exposes the REST surface: collection creation, message
// ingestion, and memory search. Responses use a {code, message, data}
// envelope; domain errors map to service codes alongside the matching HTTP
// status.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/memkb/memkb/internal/index"
	"github.com/memkb/memkb/internal/ingest"
	"github.com/memkb/memkb/internal/registry"
	"github.com/memkb/memkb/pkg/types"
)

// Service response codes carried in the envelope.
const (
	CodeOK                 = 0
	CodeBadRequest         = 1400
	CodeNotFound           = 1404
	CodeConflict           = 1409
	CodeValidationRejected = 1422
	CodeInternal           = 1500
	CodeTransport          = 1502
)

// envelope is the uniform response body.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Handlers serves the REST endpoints.
type Handlers struct {
	registry *registry.Registry
	pipeline *ingest.Pipeline
	index    *index.Index
}

// NewHandlers creates the handler set.
func NewHandlers(reg *registry.Registry, pipeline *ingest.Pipeline, ix *index.Index) *Handlers {
	return &Handlers{registry: reg, pipeline: pipeline, index: ix}
}

// CreateCollection handles POST /api/memory/collection/create.
func (h *Handlers) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return
	}

	schema, err := h.registry.CreateCollection(r.Context(), &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Code: CodeOK, Message: "ok", Data: map[string]interface{}{
		"collection_name": schema.CollectionName,
		"event_types":     schema.MemoryTypes(),
	}})
}

// addMessagesRequest is the wire shape of POST /api/memory/messages/add.
type addMessagesRequest struct {
	CollectionName string             `json:"collection_name"`
	SessionID      string             `json:"session_id"`
	Messages       []types.Message    `json:"messages"`
	Metadata       types.Metadata     `json:"metadata"`
	Entities       []types.EntitySeed `json:"entities,omitempty"`
	FailFast       bool               `json:"fail_fast,omitempty"`
}

// AddMessages handles POST /api/memory/messages/add.
func (h *Handlers) AddMessages(w http.ResponseWriter, r *http.Request) {
	var req addMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return
	}
	if req.CollectionName == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "collection_name is required")
		return
	}
	for _, msg := range req.Messages {
		if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "message role must be user or assistant")
			return
		}
	}

	result, err := h.pipeline.AddMessages(r.Context(), &ingest.AddRequest{
		Collection: req.CollectionName,
		SessionID:  req.SessionID,
		Messages:   req.Messages,
		Metadata:   req.Metadata,
		Seeds:      req.Entities,
		FailFast:   req.FailFast,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Code: CodeOK, Message: "ok", Data: result})
}

// searchRequest is the wire shape of POST /api/memory/search.
type searchRequest struct {
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	Limit          int    `json:"limit"`
	Filter         struct {
		UserID      string   `json:"user_id"`
		MemoryTypes []string `json:"memory_type"`
	} `json:"filter"`
}

// searchHit is one entry of the search result list.
type searchHit struct {
	ID         string    `json:"id"`
	MemoryType string    `json:"memory_type"`
	UserID     string    `json:"user_id,omitempty"`
	MemoryInfo string    `json:"memory_info"`
	Score      float64   `json:"score"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Search handles POST /api/memory/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return
	}
	if req.CollectionName == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "collection_name is required")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "query is required")
		return
	}

	schema, err := h.registry.Get(r.Context(), req.CollectionName)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Unknown memory types in the filter are a client mistake, not an empty
	// result.
	if len(req.Filter.MemoryTypes) > 0 {
		known := make(map[string]bool)
		for _, name := range schema.MemoryTypes() {
			known[name] = true
		}
		for _, name := range req.Filter.MemoryTypes {
			if !known[name] {
				writeError(w, r, http.StatusBadRequest, CodeBadRequest, "unknown memory type "+name)
				return
			}
		}
	}

	results, err := h.index.Search(r.Context(), req.CollectionName, req.Query, index.Filter{
		UserID:      req.Filter.UserID,
		MemoryTypes: req.Filter.MemoryTypes,
	}, req.Limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ID:         res.Record.ID,
			MemoryType: res.Record.MemoryType,
			UserID:     res.Record.UserID,
			MemoryInfo: res.Record.Content,
			Score:      res.Score,
			UpdatedAt:  res.Record.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, envelope{Code: CodeOK, Message: "ok", Data: map[string]interface{}{
		"result_list": hits,
	}})
}

// writeDomainError maps sentinel errors to envelope codes and HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrConflict):
		writeError(w, r, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, types.ErrSchemaInvalid):
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, types.ErrValidationRejected):
		writeError(w, r, http.StatusUnprocessableEntity, CodeValidationRejected, err.Error())
	case errors.Is(err, types.ErrTransport):
		writeError(w, r, http.StatusBadGateway, CodeTransport, err.Error())
	default:
		log.Printf("ERROR: api: %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func writeError(w http.ResponseWriter, _ *http.Request, status, code int, message string) {
	writeJSON(w, status, envelope{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ERROR: api: failed to encode response: %v", err)
	}
}
