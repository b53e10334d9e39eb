package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/store"
)

// ============================================================================
// POSTGRESQL SUPPORT (Production - Full Support)
// ============================================================================
// PostgreSQL is the PRIMARY database for production use:
// - Vector search via the pgvector extension
// - Concurrent background workers (enhancement, consolidation, sweeps)
// - Keyword search via ILIKE with trigram indexes
//
// When adding new features, PostgreSQL is the reference implementation.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection using the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", profile.DSN)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_catalog = current_database() AND table_name = 'event' AND table_type = 'BASE TABLE')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

// Migrate applies the latest schema. All statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	dims := d.profile.EmbeddingDimensions
	if dims <= 0 {
		dims = 1536
	}
	schema := fmt.Sprintf(latestSchema, dims, dims)
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to apply schema statement: %.60s", stmt)
		}
	}
	return nil
}

const latestSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS event (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  agent_name TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL DEFAULT 'message',
  content TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}',
  tags JSONB NOT NULL DEFAULT '[]',
  created_ts BIGINT NOT NULL,
  link_status TEXT NOT NULL DEFAULT 'linked',
  enhanced_ts BIGINT NOT NULL DEFAULT 0,
  claimed_by TEXT NOT NULL DEFAULT '',
  claim_expires_ts BIGINT NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  tombstone BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_event_thread_created ON event (thread_id, created_ts);
CREATE INDEX IF NOT EXISTS idx_event_link_status ON event (link_status);
CREATE INDEX IF NOT EXISTS idx_event_enhanced ON event (enhanced_ts);

CREATE TABLE IF NOT EXISTS vector_record (
  id TEXT PRIMARY KEY,
  owner_kind TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  embedding vector(%d) NOT NULL,
  context_embedding vector(%d),
  payload JSONB NOT NULL DEFAULT '{}',
  model TEXT NOT NULL DEFAULT '',
  created_ts BIGINT NOT NULL,
  updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vector_thread ON vector_record (thread_id);

CREATE TABLE IF NOT EXISTS graph_node (
  node_type TEXT NOT NULL,
  node_key TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  created_ts BIGINT NOT NULL,
  PRIMARY KEY (node_type, node_key)
);

CREATE TABLE IF NOT EXISTS graph_edge (
  id BIGSERIAL PRIMARY KEY,
  subject_type TEXT NOT NULL,
  subject_key TEXT NOT NULL,
  predicate TEXT NOT NULL,
  object_type TEXT NOT NULL,
  object_key TEXT NOT NULL,
  thread_id TEXT NOT NULL DEFAULT '',
  value TEXT NOT NULL DEFAULT '',
  start_ts BIGINT NOT NULL,
  end_ts BIGINT,
  strength REAL NOT NULL DEFAULT 0,
  reinforcement_count INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_edge_spo ON graph_edge (subject_key, predicate, object_key);
CREATE INDEX IF NOT EXISTS idx_edge_thread ON graph_edge (thread_id);

CREATE TABLE IF NOT EXISTS consolidated_memory (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  source_event_ids JSONB NOT NULL DEFAULT '[]',
  importance_score REAL NOT NULL DEFAULT 0,
  summary TEXT NOT NULL DEFAULT '',
  topic TEXT NOT NULL DEFAULT '',
  window_start_ts BIGINT NOT NULL,
  window_end_ts BIGINT NOT NULL,
  superseded_by TEXT,
  tier TEXT NOT NULL DEFAULT 'hot',
  critical BOOLEAN NOT NULL DEFAULT FALSE,
  access_count INTEGER NOT NULL DEFAULT 0,
  last_access_ts BIGINT NOT NULL DEFAULT 0,
  last_promotion_ts BIGINT NOT NULL DEFAULT 0,
  created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_thread ON consolidated_memory (thread_id, kind);

CREATE TABLE IF NOT EXISTS agent_preference (
  agent_name TEXT PRIMARY KEY,
  topic_weights JSONB NOT NULL DEFAULT '{}',
  traits JSONB NOT NULL DEFAULT '{}',
  updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS handoff_token (
  token TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  target_device TEXT NOT NULL,
  created_ts BIGINT NOT NULL,
  expires_ts BIGINT NOT NULL,
  consumed_ts BIGINT
);

CREATE TABLE IF NOT EXISTS lease (
  name TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  expires_ts BIGINT NOT NULL
);
`
