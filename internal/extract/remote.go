package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/memkb/memkb/pkg/types"
)

// ErrCircuitOpen is returned while the extraction endpoint's circuit breaker
// rejects requests after repeated failures.
var ErrCircuitOpen = errors.New("extraction circuit breaker is open")

// RemoteConfig holds the configuration of the remote extraction endpoint.
type RemoteConfig struct {
	// BaseURL is the root of the extraction service; the client posts to
	// BaseURL + "/extract".
	BaseURL string

	// Model is forwarded to the endpoint so one service can host several
	// extraction models.
	Model string

	// Timeout bounds a single extraction call. Default 10s.
	Timeout time.Duration

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 3.
	MaxFailures uint32

	// CooldownPeriod is how long the breaker stays open before probing the
	// endpoint again. Default 30s.
	CooldownPeriod time.Duration
}

// Remote calls an HTTP extraction service that runs the actual model. Calls
// go through a circuit breaker so a dead endpoint fails fast instead of
// stalling every ingestion request behind the full timeout.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Extractor = (*Remote)(nil)

// NewRemote creates a client for the given endpoint, applying defaults for
// unset config values.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CooldownPeriod == 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "extraction",
		Timeout: cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}

	return &Remote{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// extractRequest is the wire payload posted to the extraction endpoint. The
// schemas tell the model which event types and properties to fill.
type extractRequest struct {
	Model    string                            `json:"model,omitempty"`
	Messages []types.Message                   `json:"messages"`
	Metadata *types.Metadata                   `json:"metadata,omitempty"`
	Schemas  map[string]*types.EventTypeSchema `json:"event_type_schemas"`
}

type extractResponse struct {
	Events []Candidate `json:"events"`
}

// Extract posts the batch to the endpoint and returns its candidates. Every
// failure mode (breaker open, connection refused, non-2xx status, garbage
// body) wraps types.ErrTransport so the caller can map it uniformly.
func (r *Remote) Extract(ctx context.Context, messages []types.Message, meta *types.Metadata,
	schemas map[string]*types.EventTypeSchema) ([]Candidate, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.extract(ctx, messages, meta, schemas)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", types.ErrTransport, ErrCircuitOpen)
		}
		if errors.Is(err, types.ErrTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return result.([]Candidate), nil
}

func (r *Remote) extract(ctx context.Context, messages []types.Message, meta *types.Metadata,
	schemas map[string]*types.EventTypeSchema) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(extractRequest{
		Model:    r.cfg.Model,
		Messages: messages,
		Metadata: meta,
		Schemas:  schemas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: extraction request failed: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: extraction endpoint returned %d: %s",
			types.ErrTransport, resp.StatusCode, string(data))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read extraction response: %v", types.ErrTransport, err)
	}

	var parsed extractResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Some model frontends wrap the JSON in prose; salvage the first
		// object before giving up.
		if salvaged, ok := salvageJSON(data); ok {
			if err2 := json.Unmarshal(salvaged, &parsed); err2 == nil {
				return parsed.Events, nil
			}
		}
		return nil, fmt.Errorf("%w: malformed extraction response: %v", types.ErrTransport, err)
	}
	return parsed.Events, nil
}

// salvageJSON cuts the outermost {...} span out of a noisy response body.
func salvageJSON(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	return data[start : end+1], true
}
