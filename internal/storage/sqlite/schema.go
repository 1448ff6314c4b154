package sqlite

// Schema is the complete SQLite DDL for the memkb store. Collection schemas,
// event properties, and entity state are stored as JSON: schemas are
// immutable blobs after creation, and entity aggregate state is always read
// and written whole under the aggregator's per-entity lock.
const Schema = `
CREATE TABLE IF NOT EXISTS collections (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	schema_json TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	collection         TEXT NOT NULL,
	event_id           TEXT NOT NULL,
	event_type         TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 0,
	session_id         TEXT NOT NULL,
	properties         TEXT NOT NULL,
	source_message_ids TEXT,
	logical_time       INTEGER NOT NULL,
	user_id            TEXT NOT NULL DEFAULT '',
	assistant_id       TEXT NOT NULL DEFAULT '',
	group_id           TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_session
	ON events(collection, session_id, logical_time);
CREATE INDEX IF NOT EXISTS idx_events_type
	ON events(collection, event_type);

CREATE TABLE IF NOT EXISTS entities (
	collection   TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	entity_key   TEXT NOT NULL,
	provided     TEXT NOT NULL DEFAULT '{}',
	aggregates   TEXT NOT NULL DEFAULT '{}',
	applied      TEXT NOT NULL DEFAULT '{}',
	last_logical INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, entity_type, entity_key)
);
`
