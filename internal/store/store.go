// Package store implements the knowledge store: the single shared mutable
// resource of the repair engine. It persists learned tool contracts
// (append-only version chains), transformation recipes, execution traces,
// and embedded knowledge entries in SQLite.
//
// Consistency model: one store handle serializes writes through a mutex, so
// a caller always reads its own committed writes; concurrent callers are
// eventually consistent. Counter updates are commutative increments, so
// concurrent learnings about the same field merge rather than clobber.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"toolmend/internal/embedding"
	"toolmend/internal/logging"
)

// KnowledgeStore is the SQLite-backed repository of everything the engine
// has learned. All contract mutation flows through the feedback writer; the
// detector and retrieval engine only read.
type KnowledgeStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	dbPath      string
	embedEngine embedding.Engine
}

// New creates or opens the knowledge store at dbPath, creating parent
// directories and the schema as needed.
func New(dbPath string) (*KnowledgeStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	if dbPath == "" {
		return nil, fmt.Errorf("database path required")
	}

	logging.Store("Opening knowledge store at: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	s := &KnowledgeStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Knowledge store initialized")
	return s, nil
}

// SetEmbeddingEngine configures the embedding engine used for
// embed-on-write of knowledge entries. Must be called before PutEntry.
func (s *KnowledgeStore) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedEngine = engine
}

// Close releases the underlying database handle.
func (s *KnowledgeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initializeSchema creates all tables if they don't exist.
func (s *KnowledgeStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contract_versions (
		version_id TEXT PRIMARY KEY,
		tool_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		prev_id TEXT,
		fields_json TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tool_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_tool ON contract_versions(tool_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_tool_version ON contract_versions(tool_id, version);

	CREATE TABLE IF NOT EXISTS recipes (
		id TEXT PRIMARY KEY,
		source_concept TEXT NOT NULL,
		target_concept TEXT NOT NULL,
		kind TEXT NOT NULL,
		factor REAL DEFAULT 0,
		round INTEGER DEFAULT 0,
		target_type TEXT,
		program TEXT,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		trusted INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_concept, target_concept, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_recipes_concepts ON recipes(source_concept, target_concept);
	CREATE INDEX IF NOT EXISTS idx_recipes_trusted ON recipes(trusted);

	CREATE TABLE IF NOT EXISTS execution_traces (
		id TEXT PRIMARY KEY,
		tool_id TEXT NOT NULL,
		session_id TEXT,
		original_payload TEXT NOT NULL,
		report_json TEXT,
		strategy TEXT,
		final_payload TEXT,
		outcome TEXT NOT NULL,
		error_code TEXT,
		http_status INTEGER DEFAULT 0,
		fields_touched TEXT,
		recipes_applied TEXT,
		latency_ms INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_traces_tool ON execution_traces(tool_id);
	CREATE INDEX IF NOT EXISTS idx_traces_outcome ON execution_traces(outcome);
	CREATE INDEX IF NOT EXISTS idx_traces_created ON execution_traces(created_at);

	CREATE TABLE IF NOT EXISTS mismatch_counts (
		tool_id TEXT NOT NULL,
		field_path TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER DEFAULT 0,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tool_id, field_path, kind)
	);

	CREATE TABLE IF NOT EXISTS knowledge_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tool_id TEXT,
		ref_id TEXT,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding TEXT,
		success_rate REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON knowledge_entries(kind);
	CREATE INDEX IF NOT EXISTS idx_entries_tool ON knowledge_entries(tool_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Stats returns row counts per table, for the CLI stats command.
func (s *KnowledgeStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"contract_versions", "recipes", "execution_traces", "knowledge_entries"} {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
