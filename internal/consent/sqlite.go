package consent

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the consent snapshot to SQLite. One row per scope
// lets several trackers share a database file.
type SQLiteStore struct {
	db     *sql.DB
	scope  string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for tests.
func NewSQLiteStore(path, scope string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consent_state (
			scope TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			version TEXT NOT NULL,
			method TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if scope == "" {
		scope = "default"
	}
	return &SQLiteStore{db: db, scope: scope}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var snap Snapshot
	var status, method, ts string
	err := s.db.QueryRow(`
		SELECT status, version, method, timestamp FROM consent_state
		WHERE scope = ?
	`, s.scope).Scan(&status, &snap.Version, &method, &ts)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load consent: %w", err)
	}
	snap.Status = Status(status)
	snap.Method = Method(method)
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return &snap, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO consent_state (scope, status, version, method, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			method = excluded.method,
			timestamp = excluded.timestamp
	`, s.scope, string(snap.Status), snap.Version, string(snap.Method), snap.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	return nil
}

// Close releases the database. It is idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
