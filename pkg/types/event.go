package types

import (
	"strings"
	"time"
)

// Conversation roles accepted on ingestion.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation submitted for ingestion.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata carries the ingestion context of a message batch. Time is the
// client-side batch timestamp in milliseconds.
type Metadata struct {
	DefaultUserID      string `json:"default_user_id"`
	DefaultAssistantID string `json:"default_assistant_id"`
	Time               int64  `json:"time"`
	GroupID            string `json:"group_id,omitempty"`
}

// EntitySeed is an explicit entity materialization request accompanying a
// message batch. Each scope entry carries the primary-key values plus any
// provided properties of one entity instance.
type EntitySeed struct {
	EntityType string       `json:"entity_type"`
	Scopes     []Properties `json:"entity_scope"`
}

// Event is one committed, immutable fact extracted from a message batch.
type Event struct {
	Collection string        `json:"collection"`
	EventType  string        `json:"event_type"`
	Version    SchemaVersion `json:"version"`
	SessionID  string        `json:"session_id"`

	// EventID is the idempotency key: client-assigned when present in the
	// extraction output, otherwise derived deterministically from the batch.
	EventID string `json:"event_id"`

	Properties Properties `json:"properties"`

	// SourceMessageIDs are the batch-relative indexes of the messages the
	// event was extracted from.
	SourceMessageIDs []int `json:"source_message_ids,omitempty"`

	// LogicalTime orders events within a collection: the batch timestamp
	// plus the event's position in the batch.
	LogicalTime int64 `json:"logical_time"`

	UserID      string `json:"user_id,omitempty"`
	AssistantID string `json:"assistant_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Content renders the event as canonical text for similarity scoring:
// property name/value pairs in schema declaration order.
func (e *Event) Content(schema *EventTypeSchema) string {
	var sb strings.Builder
	for i := range schema.Properties {
		def := &schema.Properties[i]
		v, ok := e.Properties[def.PropertyName]
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(def.PropertyName)
		sb.WriteString(": ")
		sb.WriteString(FormatValue(v))
	}
	return sb.String()
}
