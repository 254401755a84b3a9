// Package store provides the durable event log and associated mutable
// state shared by every hcom process: the append-only events table, the
// instance roster, TCP notify endpoints, and a string key/value scratch
// space. One writer at a time, many concurrent readers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hcom-sh/hcom/internal/paths"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store is the single-file database behind all hcom state. All public
// write methods serialize on an internal process-wide lock; reads rely
// on SQLite's WAL reader isolation.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	dir paths.Dir
}

// defaultBusyTimeout is how long a connection waits on a locked
// database before erroring.
const defaultBusyTimeout = 5 * time.Second

// Open opens (or creates) the store database inside dir. The schema is
// created automatically on first use.
func Open(dir paths.Dir) (*Store, error) {
	return OpenBusy(dir, defaultBusyTimeout)
}

// OpenBusy opens the store with an explicit SQLite busy timeout.
// Latency-bounded callers (the hook gate) pass a short timeout so a
// locked database stalls them for at most that long.
func OpenBusy(dir paths.Dir, busy time.Duration) (*Store, error) {
	if err := dir.Ensure(); err != nil {
		return nil, fmt.Errorf("create hcom dir: %w", err)
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", dir.DB(), busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, dir: dir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- Append-only event log. ids are monotonic and never reused.
	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		type      TEXT NOT NULL,
		instance  TEXT NOT NULL,
		data      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
	CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance);

	-- Roster. Row exists = participating. Remote rows are keyed
	-- name:SHORT and carry a non-empty origin_device_id.
	CREATE TABLE IF NOT EXISTS instances (
		name              TEXT PRIMARY KEY,
		status            TEXT NOT NULL DEFAULT 'unknown',
		status_context    TEXT NOT NULL DEFAULT '',
		status_detail     TEXT NOT NULL DEFAULT '',
		status_time       REAL NOT NULL DEFAULT 0,
		last_event_id     INTEGER NOT NULL DEFAULT 0,
		tag               TEXT,
		tool              TEXT NOT NULL DEFAULT 'claude',
		background        INTEGER NOT NULL DEFAULT 0,
		session_id        TEXT UNIQUE,
		parent_session_id TEXT,
		agent_id          TEXT,
		parent_name       TEXT,
		directory         TEXT,
		transcript_path   TEXT,
		wait_timeout      INTEGER NOT NULL DEFAULT 86400,
		subagent_timeout  INTEGER NOT NULL DEFAULT 300,
		hints             TEXT NOT NULL DEFAULT '',
		origin_device_id  TEXT NOT NULL DEFAULT '',
		tcp_mode          INTEGER NOT NULL DEFAULT 0,
		broadcast_listen  INTEGER NOT NULL DEFAULT 0,
		running_tasks     TEXT NOT NULL DEFAULT '{}',
		created_at        REAL NOT NULL DEFAULT 0,
		last_stop         REAL NOT NULL DEFAULT 0
	);

	-- TCP wake endpoints. Multiple rows per instance are allowed
	-- (concurrent listeners); rowid preserves insertion order.
	CREATE TABLE IF NOT EXISTS notify_endpoints (
		instance TEXT NOT NULL,
		port     INTEGER NOT NULL,
		UNIQUE(instance, port)
	);

	-- String scratch space: relay cursors, session bindings, daemon
	-- liveness port, tip flags.
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lock acquires the process-wide write lock. Callers that need an
// atomic multi-statement critical section (relay import's delete-then-
// upsert) wrap it in Lock/Unlock; single-statement writers use the
// internal helpers instead. Code holding the lock must not call back
// into anything that could re-enter it.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the process-wide write lock.
func (s *Store) Unlock() { s.mu.Unlock() }

// exec runs a write statement under the write lock.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// execLocked runs a write statement assuming the caller already holds
// the write lock.
func (s *Store) execLocked(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(query, args...)
}

// Reset archives the current database file, recreates the schema, and
// writes a life event of action "reset" carrying the archive stamp.
// Transient relay KV is cleared; identity anchors and the new local
// reset floor survive.
func (s *Store) Reset() (string, error) {
	s.mu.Lock()
	if err := s.db.Close(); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("close before reset: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	archive := s.dir.Archive(stamp)
	if err := os.Rename(s.dir.DB(), archive); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return "", fmt.Errorf("archive database: %w", err)
	}
	// WAL sidecars belong to the old file.
	os.Remove(s.dir.DB() + "-wal")
	os.Remove(s.dir.DB() + "-shm")

	db, err := sql.Open("sqlite3", s.dir.DB()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("reopen database: %w", err)
	}
	s.db = db
	if err := s.migrate(); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("migrate after reset: %w", err)
	}
	s.mu.Unlock()

	now := time.Now()
	if _, err := s.LogEventAt(TypeLife, DeviceInstance, map[string]any{
		"action":   "reset",
		"archived": stamp,
	}, now); err != nil {
		return "", err
	}
	if err := s.KVSet(KeyLocalResetTS, FormatEpoch(epochSeconds(now))); err != nil {
		return "", err
	}
	return archive, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
