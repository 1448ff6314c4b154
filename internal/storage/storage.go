// Package storage provides composable storage interfaces for the memkb
// service. The interfaces are small and focused so backends can implement
// them independently and be composed as needed; the SQLite backend is the
// default, the PostgreSQL backend adds pgvector-based embedding search.
package storage

import (
	"context"
	"errors"

	"github.com/memkb/memkb/pkg/types"
)

var (
	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// CollectionStore persists resolved collection schemas.
type CollectionStore interface {
	// CreateCollection persists a new collection schema. It returns
	// types.ErrConflict when the collection name already exists; the
	// existing schema is left untouched.
	CreateCollection(ctx context.Context, schema *types.CollectionSchema) error

	// GetCollection returns the resolved schema or types.ErrNotFound.
	GetCollection(ctx context.Context, name string) (*types.CollectionSchema, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)
}

// EventStore persists immutable committed events.
type EventStore interface {
	// InsertEvent commits an event. Events are deduplicated by
	// (collection, event_id): inserting an already-committed event ID is a
	// no-op and returns inserted=false.
	InsertEvent(ctx context.Context, event *types.Event) (inserted bool, err error)

	// ListEvents returns committed events for a collection ordered by
	// logical time ascending, optionally filtered by session or event type.
	ListEvents(ctx context.Context, collection string, opts EventListOptions) ([]*types.Event, error)
}

// EntityStore persists mutable entity records.
type EntityStore interface {
	// GetEntity returns the entity record or types.ErrNotFound.
	GetEntity(ctx context.Context, collection, entityType, key string) (*types.Entity, error)

	// PutEntity creates or replaces an entity record (upsert semantics).
	PutEntity(ctx context.Context, entity *types.Entity) error

	// ListEntities returns all entity records of a collection.
	ListEntities(ctx context.Context, collection string) ([]*types.Entity, error)
}

// EmbeddingStore persists memory-record embeddings and answers nearest
// neighbour queries. Only backends with native vector support implement it;
// the retrieval index falls back to in-memory scoring otherwise.
type EmbeddingStore interface {
	// UpsertEmbedding stores the embedding of a memory record.
	UpsertEmbedding(ctx context.Context, record *types.MemoryRecord, embedding []float32) error

	// NearestRecords returns up to limit record IDs of the collection
	// ordered by ascending cosine distance to the query vector.
	NearestRecords(ctx context.Context, collection string, query []float32, limit int) ([]ScoredID, error)
}

// Store is the composed interface a backend provides.
type Store interface {
	CollectionStore
	EventStore
	EntityStore

	// Close releases any resources held by the store.
	Close() error
}

// ScoredID pairs a memory-record ID with a similarity score in [0,1].
type ScoredID struct {
	ID    string
	Score float64
}

// EventListOptions filters and bounds ListEvents.
type EventListOptions struct {
	// SessionID restricts results to one session. Empty means all sessions.
	SessionID string

	// EventType restricts results to one event type. Empty means all types.
	EventType string

	// Limit bounds the result size. Zero or negative means no limit.
	Limit int
}
