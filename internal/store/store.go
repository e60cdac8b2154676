package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store owns the single SQLite database holding all durable gateway state:
// identities, sessions, permission grants and requests, usage records and
// the audit log. Writes are serialized through an internal mutex; reads go
// straight to the pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS linked_accounts (
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id),
			linked_at INTEGER NOT NULL,
			PRIMARY KEY (platform, platform_user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_user ON linked_accounts(user_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			is_current INTEGER NOT NULL DEFAULT 0,
			context_blob TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_current
			ON sessions(user_id) WHERE status = 'active' AND is_current = 1`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS grants (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			resource TEXT NOT NULL,
			actions TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '{}',
			granted_at INTEGER NOT NULL,
			expires_at INTEGER,
			revoked_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_user ON grants(user_id, resource)`,
		`CREATE TABLE IF NOT EXISTS permission_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			resource TEXT NOT NULL,
			actions TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			requested_at INTEGER NOT NULL,
			responded_at INTEGER,
			grant_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON permission_requests(status, requested_at)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id),
			operation TEXT NOT NULL,
			units INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS usage_limits (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			limit_units INTEGER NOT NULL,
			last_alert_level REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
