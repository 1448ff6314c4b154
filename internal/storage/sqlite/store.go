package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/pkg/types"
)

// Ensure *Store implements the composed storage interface at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, configures WAL mode, and creates the schema.
// Use ":memory:" for an ephemeral store in tests.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB exposes the underlying connection for callers that need raw access
// (e.g. ad-hoc maintenance queries).
func (s *Store) GetDB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// CollectionStore
// ---------------------------------------------------------------------------

// CreateCollection persists a new collection schema. The name is the primary
// key, so a duplicate insert reports types.ErrConflict and leaves the
// existing schema untouched.
func (s *Store) CreateCollection(ctx context.Context, schema *types.CollectionSchema) error {
	if schema == nil || schema.CollectionName == "" {
		return fmt.Errorf("%w: collection name is required", storage.ErrInvalidInput)
	}

	blob, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal schema: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO collections (name, description, schema_json)
		VALUES (?, ?, ?)`,
		schema.CollectionName, schema.Description, string(blob))
	if err != nil {
		return fmt.Errorf("sqlite: failed to create collection: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrConflict, schema.CollectionName)
	}
	return nil
}

// GetCollection returns the resolved schema or types.ErrNotFound.
func (s *Store) GetCollection(ctx context.Context, name string) (*types.CollectionSchema, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_json FROM collections WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection %s", types.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get collection: %w", err)
	}

	var schema types.CollectionSchema
	if err := json.Unmarshal([]byte(blob), &schema); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal schema for %s: %w", name, err)
	}
	return &schema, nil
}

// ListCollections returns all collection names ordered by creation time.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM collections ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scan collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ---------------------------------------------------------------------------
// EventStore
// ---------------------------------------------------------------------------

// InsertEvent commits an immutable event. (collection, event_id) is the
// primary key, so replaying an already-committed event ID is a no-op.
func (s *Store) InsertEvent(ctx context.Context, event *types.Event) (bool, error) {
	if event == nil || event.EventID == "" || event.Collection == "" {
		return false, fmt.Errorf("%w: event collection and ID are required", storage.ErrInvalidInput)
	}

	props, err := json.Marshal(event.Properties)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to marshal event properties: %w", err)
	}
	var srcIDs []byte
	if len(event.SourceMessageIDs) > 0 {
		if srcIDs, err = json.Marshal(event.SourceMessageIDs); err != nil {
			return false, fmt.Errorf("sqlite: failed to marshal source message IDs: %w", err)
		}
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			collection, event_id, event_type, version, session_id,
			properties, source_message_ids, logical_time,
			user_id, assistant_id, group_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Collection, event.EventID, event.EventType, int(event.Version),
		event.SessionID, string(props), nullableString(srcIDs),
		event.LogicalTime, event.UserID, event.AssistantID, event.GroupID,
		createdAt)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListEvents returns committed events ordered by logical time ascending.
func (s *Store) ListEvents(ctx context.Context, collection string, opts storage.EventListOptions) ([]*types.Event, error) {
	query := `
		SELECT collection, event_id, event_type, version, session_id,
		       properties, source_message_ids, logical_time,
		       user_id, assistant_id, group_id, created_at
		FROM events WHERE collection = ?`
	args := []interface{}{collection}

	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if opts.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, opts.EventType)
	}
	query += ` ORDER BY logical_time, event_id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var (
			e              types.Event
			version        int
			props          string
			srcIDs         sql.NullString
			userID, asstID sql.NullString
			groupID        sql.NullString
		)
		if err := rows.Scan(&e.Collection, &e.EventID, &e.EventType, &version,
			&e.SessionID, &props, &srcIDs, &e.LogicalTime,
			&userID, &asstID, &groupID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.Version = types.SchemaVersion(version)
		e.UserID = userID.String
		e.AssistantID = asstID.String
		e.GroupID = groupID.String
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal properties of %s: %w", e.EventID, err)
		}
		if srcIDs.Valid && strings.TrimSpace(srcIDs.String) != "" {
			if err := json.Unmarshal([]byte(srcIDs.String), &e.SourceMessageIDs); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal source message IDs of %s: %w", e.EventID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// EntityStore
// ---------------------------------------------------------------------------

// GetEntity returns the entity record or types.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, collection, entityType, key string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT provided, aggregates, applied, last_logical, last_updated
		FROM entities
		WHERE collection = ? AND entity_type = ? AND entity_key = ?`,
		collection, entityType, key)

	ent := types.NewEntity(collection, entityType, key)
	var provided, aggregates, applied string
	err := row.Scan(&provided, &aggregates, &applied, &ent.LastLogical, &ent.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s/%s", types.ErrNotFound, entityType, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get entity: %w", err)
	}

	if err := json.Unmarshal([]byte(provided), &ent.Provided); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal provided properties: %w", err)
	}
	if err := json.Unmarshal([]byte(aggregates), &ent.Aggregates); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal aggregate state: %w", err)
	}
	if err := json.Unmarshal([]byte(applied), &ent.Applied); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal applied event IDs: %w", err)
	}
	return ent, nil
}

// PutEntity creates or replaces an entity record.
func (s *Store) PutEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil || entity.Collection == "" || entity.EntityType == "" || entity.Key == "" {
		return fmt.Errorf("%w: entity identity is required", storage.ErrInvalidInput)
	}

	provided, err := json.Marshal(entity.Provided)
	if err != nil {
		return fmt.Errorf("sqlite: marshal provided properties: %w", err)
	}
	aggregates, err := json.Marshal(entity.Aggregates)
	if err != nil {
		return fmt.Errorf("sqlite: marshal aggregate state: %w", err)
	}
	applied, err := json.Marshal(entity.Applied)
	if err != nil {
		return fmt.Errorf("sqlite: marshal applied event IDs: %w", err)
	}

	lastUpdated := entity.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (
			collection, entity_type, entity_key,
			provided, aggregates, applied, last_logical, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, entity_type, entity_key) DO UPDATE SET
			provided = excluded.provided,
			aggregates = excluded.aggregates,
			applied = excluded.applied,
			last_logical = excluded.last_logical,
			last_updated = excluded.last_updated`,
		entity.Collection, entity.EntityType, entity.Key,
		string(provided), string(aggregates), string(applied),
		entity.LastLogical, lastUpdated)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert entity: %w", err)
	}
	return nil
}

// ListEntities returns all entity records of a collection.
func (s *Store) ListEntities(ctx context.Context, collection string) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_key, provided, aggregates, applied,
		       last_logical, last_updated
		FROM entities WHERE collection = ?
		ORDER BY entity_type, entity_key`, collection)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*types.Entity
	for rows.Next() {
		var entityType, key, provided, aggregates, applied string
		ent := types.NewEntity(collection, "", "")
		if err := rows.Scan(&entityType, &key, &provided, &aggregates, &applied,
			&ent.LastLogical, &ent.LastUpdated); err != nil {
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
		}
		ent.EntityType = entityType
		ent.Key = key
		if err := json.Unmarshal([]byte(provided), &ent.Provided); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal provided properties: %w", err)
		}
		if err := json.Unmarshal([]byte(aggregates), &ent.Aggregates); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal aggregate state: %w", err)
		}
		if err := json.Unmarshal([]byte(applied), &ent.Applied); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal applied event IDs: %w", err)
		}
		entities = append(entities, ent)
	}
	return entities, rows.Err()
}

// nullableString returns nil for empty byte slices so the column stores NULL.
func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
