package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// RemoteEmbedderConfig holds the configuration of an Ollama-compatible
// embedding endpoint.
type RemoteEmbedderConfig struct {
	// BaseURL is the root of the embedding service; the client posts to
	// BaseURL + "/api/embeddings".
	BaseURL string

	// Model names the embedding model to run.
	Model string

	// Timeout bounds a single embedding call. Default 5s.
	Timeout time.Duration

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 3.
	MaxFailures uint32

	// CooldownPeriod is how long the breaker stays open before probing the
	// endpoint again. Default 30s.
	CooldownPeriod time.Duration
}

// RemoteEmbedder calls an HTTP embedding service. The Embed contract has no
// error channel, so any failure falls back to the deterministic hash
// embedder; a circuit breaker keeps a dead endpoint from slowing every
// indexing call down to the timeout.
type RemoteEmbedder struct {
	cfg      RemoteEmbedderConfig
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	fallback HashEmbedder
}

var _ Embedder = (*RemoteEmbedder)(nil)

// NewRemoteEmbedder creates a client for the given endpoint, applying
// defaults for unset config values.
func NewRemoteEmbedder(cfg RemoteEmbedderConfig) *RemoteEmbedder {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CooldownPeriod == 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "embedding",
		Timeout: cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}

	return &RemoteEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the endpoint's embedding folded down to EmbeddingDim, or the
// hash embedding when the endpoint is unreachable or the breaker is open.
func (r *RemoteEmbedder) Embed(text string) []float32 {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.embed(text)
	})
	if err != nil {
		return r.fallback.Embed(text)
	}
	return result.([]float32)
}

func (r *RemoteEmbedder) embed(text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: r.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	resp, err := r.client.Post(r.cfg.BaseURL+"/api/embeddings",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("embed: endpoint returned status %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embed: endpoint returned empty embedding")
	}
	return fold(parsed.Embedding), nil
}

// fold projects a model-sized embedding onto EmbeddingDim buckets so vectors
// from differently sized models share one index and pgvector column width.
func fold(raw []float64) []float32 {
	vec := make([]float32, EmbeddingDim)
	for i, v := range raw {
		vec[i%EmbeddingDim] += float32(v)
	}
	return normalize(vec)
}
