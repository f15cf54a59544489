// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides sqlite-backed session persistence for markvii.
package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// SQLite schema for chat sessions
const Schema = `
-- Metadata table for schema version
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- Sessions table: one row per chat session, namespaced by user
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT 'openrouter',
    created_at INTEGER NOT NULL,  -- Unix timestamp
    updated_at INTEGER NOT NULL   -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC);

-- Messages table: ordered messages belonging to a session
CREATE TABLE IF NOT EXISTS messages (
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,           -- user, assistant
    content TEXT NOT NULL,
    model TEXT,
    is_error INTEGER NOT NULL DEFAULT 0,
    image_mime TEXT,
    image_data BLOB,
    created_at INTEGER NOT NULL,  -- Unix timestamp
    PRIMARY KEY (session_id, position),
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// InitMetadata seeds the metadata table
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
