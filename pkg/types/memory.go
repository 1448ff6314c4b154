package types

import "time"

// MemoryRecord is the retrieval-facing projection of an Event or Entity.
// It is derived, never independently persisted, and rebuildable from the
// committed events and current entity state.
type MemoryRecord struct {
	// ID identifies the record: the event ID for event projections, or
	// "entity_type\x1fkey" for entity projections.
	ID string `json:"id"`

	Collection string `json:"collection"`

	// MemoryType is the event or entity type name the record projects.
	// Search filters match against this value.
	MemoryType string `json:"memory_type"`

	UserID      string `json:"user_id,omitempty"`
	AssistantID string `json:"assistant_id,omitempty"`

	// Content is the free text scored against search queries.
	Content string `json:"content"`

	// LogicalTime breaks score ties: for events it is the event's logical
	// time, for entities the logical time of the last update.
	LogicalTime int64 `json:"logical_time"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecord projects a committed event into a memory record.
func EventRecord(e *Event, schema *EventTypeSchema) *MemoryRecord {
	return &MemoryRecord{
		ID:          e.EventID,
		Collection:  e.Collection,
		MemoryType:  e.EventType,
		UserID:      e.UserID,
		AssistantID: e.AssistantID,
		Content:     e.Content(schema),
		LogicalTime: e.LogicalTime,
		UpdatedAt:   e.CreatedAt,
	}
}

// EntityRecord projects the current state of an entity into a memory record.
// Re-indexing under the same ID replaces the previous projection.
func EntityRecord(ent *Entity, schema *EntityTypeSchema, userID, assistantID string) *MemoryRecord {
	return &MemoryRecord{
		ID:          ent.EntityType + keySep + ent.Key,
		Collection:  ent.Collection,
		MemoryType:  ent.EntityType,
		UserID:      userID,
		AssistantID: assistantID,
		Content:     ent.Content(schema),
		LogicalTime: ent.LastLogical,
		UpdatedAt:   ent.LastUpdated,
	}
}
