// Package postgres provides the PostgreSQL-backed implementation of the
// Renfield persistence contracts defined in
// [github.com/renfield-ai/renfield/internal/store].
//
// All repositories share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — rooms, devices, output devices
// ─────────────────────────────────────────────────────────────────────────────

const ddlRooms = `
CREATE TABLE IF NOT EXISTS rooms (
    id               BIGSERIAL    PRIMARY KEY,
    name             TEXT         NOT NULL UNIQUE,
    alias            TEXT         NOT NULL UNIQUE,
    external_area_id TEXT         NOT NULL DEFAULT '',
    icon             TEXT         NOT NULL DEFAULT '',
    source           TEXT         NOT NULL DEFAULT 'manual',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS room_devices (
    id                BIGSERIAL    PRIMARY KEY,
    device_id         TEXT         NOT NULL UNIQUE,
    device_type       TEXT         NOT NULL,
    device_name       TEXT         NOT NULL DEFAULT '',
    room_id           BIGINT       NOT NULL REFERENCES rooms (id),
    capabilities      JSONB        NOT NULL DEFAULT '{}',
    is_stationary     BOOLEAN      NOT NULL DEFAULT false,
    is_online         BOOLEAN      NOT NULL DEFAULT false,
    last_connected_at TIMESTAMPTZ,
    user_agent        TEXT         NOT NULL DEFAULT '',
    ip_address        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_room_devices_room_id
    ON room_devices (room_id);

CREATE TABLE IF NOT EXISTS room_output_devices (
    id                 BIGSERIAL  PRIMARY KEY,
    room_id            BIGINT     NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
    output_type        TEXT       NOT NULL DEFAULT 'audio',
    renfield_device_id TEXT       NOT NULL DEFAULT '',
    ha_entity_id       TEXT       NOT NULL DEFAULT '',
    dlna_renderer_name TEXT       NOT NULL DEFAULT '',
    priority           INT        NOT NULL DEFAULT 100,
    allow_interruption BOOLEAN    NOT NULL DEFAULT true,
    tts_volume         REAL,
    is_enabled         BOOLEAN    NOT NULL DEFAULT true,
    device_name        TEXT       NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_room_output_devices_room
    ON room_output_devices (room_id, output_type, priority);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversations, settings
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id BIGINT       NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    metadata        JSONB,
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS system_settings (
    key    TEXT  PRIMARY KEY,
    value  TEXT  NOT NULL
);
`

// ddlDocuments returns the document and memory DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type at
// schema creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_bases (
    id          BIGSERIAL  PRIMARY KEY,
    name        TEXT       NOT NULL UNIQUE,
    description TEXT       NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS documents (
    id                BIGSERIAL    PRIMARY KEY,
    file_path         TEXT         NOT NULL,
    filename          TEXT         NOT NULL,
    status            TEXT         NOT NULL DEFAULT 'processing',
    file_hash         TEXT         NOT NULL DEFAULT '',
    chunk_count       INT          NOT NULL DEFAULT 0,
    knowledge_base_id BIGINT       REFERENCES knowledge_bases (id),
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_chunks (
    id            BIGSERIAL  PRIMARY KEY,
    document_id   BIGINT     NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
    content       TEXT       NOT NULL,
    embedding     vector(%d),
    chunk_index   INT        NOT NULL,
    page_number   INT        NOT NULL DEFAULT 0,
    section_title TEXT       NOT NULL DEFAULT '',
    search_vector TSVECTOR
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_document
    ON document_chunks (document_id, chunk_index);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_document_chunks_fts
    ON document_chunks USING GIN (search_vector);

CREATE TABLE IF NOT EXISTS memories (
    id         TEXT         PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    category   TEXT         NOT NULL DEFAULT '',
    content    TEXT         NOT NULL,
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user
    ON memories (user_id);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 768 for
// nomic-embed-text, 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlRooms,
		ddlConversations,
		ddlDocuments(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
