package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

// Schema definitions
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const metaTable = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const projectsTable = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	root_path TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'not_ingested',
	active_generation INTEGER,
	last_ingested_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const generationsTable = `
CREATE TABLE IF NOT EXISTS generations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	state TEXT NOT NULL,
	file_count INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	activated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_generations_project ON generations(project_id, state);
`

const filesTable = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	hash TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	UNIQUE(generation_id, relative_path)
);
`

const chunksTable = `
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
	relative_path TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'code',
	hash TEXT NOT NULL,
	CHECK (start_line <= end_line)
);

CREATE INDEX IF NOT EXISTS idx_chunks_generation_path ON chunks(generation_id, relative_path, chunk_index);
`

const chatTables = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	project_id INTEGER REFERENCES projects(id) ON DELETE SET NULL,
	title TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	sources TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);
`

// createVectorTable creates the sqlite-vec virtual table for the given dimensions.
// Vectors are partitioned by generation so a KNN query only scans one generation.
func createVectorTable(ctx context.Context, tx *sql.Tx, dimensions int) error {
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
			chunk_id INTEGER PRIMARY KEY,
			generation_id INTEGER PARTITION KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimensions)

	_, err := tx.ExecContext(ctx, query)
	return err
}

// initSchema initializes the database schema.
func initSchema(db *sql.DB) error {
	// Create schema version table
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		log.Debug("Schema is up to date", "version", version)
		return nil
	}

	log.Debug("Migrating schema", "from", version, "to", currentSchemaVersion)

	// Apply migrations
	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	log.Debug("Applying migration v1")

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tables := []string{metaTable, projectsTable, generationsTable, filesTable, chunksTable, chatTables}
	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// The vector table is created on the first upsert, once the dimensions are known

	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return tx.Commit()
}
