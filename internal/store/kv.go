package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Well-known KV keys. Per-device relay cursors append the device UUID
// (or short id) to the prefix.
const (
	KeyDaemonPort      = "relay_daemon_port"
	KeyDaemonFailCount = "relay_daemon_fail_count"
	KeyDaemonPID       = "relay_daemon_pid"
	KeyRelayStatus     = "relay_status"
	KeyRelayLastError  = "relay_last_error"
	KeyRelayStatusOwn  = "relay_status_owner"
	KeyRelayLastPush   = "relay_last_push"
	KeyRelayLastPushID = "relay_last_push_id"
	KeyLocalResetTS    = "relay_local_reset_ts"

	PrefixRelayEvents = "relay_events_"
	PrefixRelayReset  = "relay_reset_"
	PrefixRelayCtrl   = "relay_ctrl_"
	PrefixRelaySync   = "relay_sync_time_"
	PrefixRelayShort  = "relay_short_"
	PrefixSession     = "session_"
	PrefixTipSeen     = "tip_seen_"
)

// KVGet returns the value for key, or "" if the key does not exist.
func (s *Store) KVGet(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

// KVSet upserts a key. An empty value deletes the key.
func (s *Store) KVSet(key, value string) error {
	if value == "" {
		return s.KVDelete(key)
	}
	_, err := s.exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// KVDelete removes a key. No error if it does not exist.
func (s *Store) KVDelete(key string) error {
	if _, err := s.exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// KVPrefix returns all entries whose key starts with prefix. The map
// is non-nil even when empty.
func (s *Store) KVPrefix(prefix string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kv prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv prefix scan: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// KVIncr atomically increments an integer-valued key and returns the
// new value. Missing or malformed values count as 0.
func (s *Store) KVIncr(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, '1')
		 ON CONFLICT(key) DO UPDATE
		 SET value = CAST(COALESCE(CAST(value AS INTEGER), 0) + 1 AS TEXT)`,
		key)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	var raw string
	if err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw); err != nil {
		return 0, fmt.Errorf("kv incr read %s: %w", key, err)
	}
	n, _ := strconv.Atoi(raw)
	return n, nil
}

// ClearRelayKV removes transient relay bookkeeping (cursors, status,
// short-id map) while preserving the local reset floor.
func (s *Store) ClearRelayKV() error {
	_, err := s.exec(
		`DELETE FROM kv WHERE key LIKE 'relay\_%' ESCAPE '\' AND key != ?`,
		KeyLocalResetTS)
	if err != nil {
		return fmt.Errorf("clear relay kv: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
