// Package extract turns raw conversation messages into candidate events.
// Candidates are proposals only: the ingestion pipeline still validates each
// one against its event-type schema before anything is committed.
package extract

import (
	"context"
	"strings"
	"unicode"

	"github.com/memkb/memkb/pkg/types"
)

// Candidate is one proposed event produced by an extractor. EventID is
// optional; the pipeline derives a deterministic ID when it is empty.
type Candidate struct {
	EventType        string           `json:"event_type"`
	EventID          string           `json:"event_id,omitempty"`
	Properties       types.Properties `json:"properties"`
	SourceMessageIDs []int            `json:"source_message_ids,omitempty"`
}

// Extractor proposes candidate events for a message batch. The schema map
// tells the extractor which event types the collection accepts.
type Extractor interface {
	Extract(ctx context.Context, messages []types.Message, meta *types.Metadata,
		schemas map[string]*types.EventTypeSchema) ([]Candidate, error)
}

// Heuristic is the model-free fallback extractor used when no extraction
// endpoint is configured. It only knows the built-in sys_common shape: one
// candidate per message, carrying the message text and its salient keywords.
// Collections without sys_common get no heuristic candidates.
type Heuristic struct{}

var _ Extractor = (*Heuristic)(nil)

func (Heuristic) Extract(_ context.Context, messages []types.Message, _ *types.Metadata,
	schemas map[string]*types.EventTypeSchema) ([]Candidate, error) {
	if _, ok := schemas[types.BuiltinSysCommon]; !ok {
		return nil, nil
	}
	var out []Candidate
	for i, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		out = append(out, Candidate{
			EventType: types.BuiltinSysCommon,
			Properties: types.Properties{
				"content":  msg.Role + ": " + content,
				"keywords": keywords(content),
			},
			SourceMessageIDs: []int{i},
		})
	}
	return out, nil
}

// keywords picks the longest distinct words of the text, a crude stand-in
// for model-extracted keywords.
func keywords(text string) []interface{} {
	const max = 5
	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	if len(words) > max {
		words = words[:max]
	}
	out := make([]interface{}, len(words))
	for i, w := range words {
		out[i] = w
	}
	return out
}

// Static returns a fixed candidate list regardless of input. Tests use it to
// drive the pipeline deterministically.
type Static struct {
	Candidates []Candidate
	Err        error
}

var _ Extractor = (*Static)(nil)

func (s *Static) Extract(context.Context, []types.Message, *types.Metadata,
	map[string]*types.EventTypeSchema) ([]Candidate, error) {
	return s.Candidates, s.Err
}
