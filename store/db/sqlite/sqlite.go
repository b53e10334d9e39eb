package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/store"
)

// ============================================================================
// SQLITE SUPPORT (Development / Tests)
// ============================================================================
// SQLite is the development and test database. All engine features work,
// with one caveat: vector search is a brute-force cosine scan in Go rather
// than an ANN index. For production workloads use PostgreSQL with pgvector.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a SQLite database using the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	db, err := sql.Open("sqlite", profile.DSN+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", profile.DSN)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

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
		"SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'event')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

// Migrate applies the latest schema. All statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

const latestSchema = `
CREATE TABLE IF NOT EXISTS event (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  agent_name TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL DEFAULT 'message',
  content TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL DEFAULT '{}',
  tags TEXT NOT NULL DEFAULT '[]',
  created_ts BIGINT NOT NULL,
  link_status TEXT NOT NULL DEFAULT 'linked',
  enhanced_ts BIGINT NOT NULL DEFAULT 0,
  claimed_by TEXT NOT NULL DEFAULT '',
  claim_expires_ts BIGINT NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  tombstone INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_thread_created ON event (thread_id, created_ts);
CREATE INDEX IF NOT EXISTS idx_event_link_status ON event (link_status);
CREATE INDEX IF NOT EXISTS idx_event_enhanced ON event (enhanced_ts);

CREATE TABLE IF NOT EXISTS vector_record (
  id TEXT PRIMARY KEY,
  owner_kind TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  embedding TEXT NOT NULL,
  context_embedding TEXT,
  payload TEXT NOT NULL DEFAULT '{}',
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
  id INTEGER PRIMARY KEY AUTOINCREMENT,
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
  source_event_ids TEXT NOT NULL DEFAULT '[]',
  importance_score REAL NOT NULL DEFAULT 0,
  summary TEXT NOT NULL DEFAULT '',
  topic TEXT NOT NULL DEFAULT '',
  window_start_ts BIGINT NOT NULL,
  window_end_ts BIGINT NOT NULL,
  superseded_by TEXT,
  tier TEXT NOT NULL DEFAULT 'hot',
  critical INTEGER NOT NULL DEFAULT 0,
  access_count INTEGER NOT NULL DEFAULT 0,
  last_access_ts BIGINT NOT NULL DEFAULT 0,
  last_promotion_ts BIGINT NOT NULL DEFAULT 0,
  created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_thread ON consolidated_memory (thread_id, kind);

CREATE TABLE IF NOT EXISTS agent_preference (
  agent_name TEXT PRIMARY KEY,
  topic_weights TEXT NOT NULL DEFAULT '{}',
  traits TEXT NOT NULL DEFAULT '{}',
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
