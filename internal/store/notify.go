package store

import "fmt"

// NotifyTarget pairs an instance with one of its registered wake ports.
type NotifyTarget struct {
	Instance string
	Port     int
}

// RegisterNotifyPort records a listening wake port for an instance.
// Re-registering the same (instance, port) pair is idempotent.
func (s *Store) RegisterNotifyPort(instance string, port int) error {
	_, err := s.exec(
		`INSERT OR IGNORE INTO notify_endpoints (instance, port) VALUES (?, ?)`,
		instance, port)
	if err != nil {
		return fmt.Errorf("register notify port: %w", err)
	}
	return nil
}

// DeleteNotifyEndpoint removes one port for an instance, or all of its
// ports when port is 0. Deletes are idempotent; two senders pruning the
// same dead endpoint are benign.
func (s *Store) DeleteNotifyEndpoint(instance string, port int) error {
	var err error
	if port == 0 {
		_, err = s.exec(`DELETE FROM notify_endpoints WHERE instance = ?`, instance)
	} else {
		_, err = s.exec(
			`DELETE FROM notify_endpoints WHERE instance = ? AND port = ?`,
			instance, port)
	}
	if err != nil {
		return fmt.Errorf("delete notify endpoint: %w", err)
	}
	return nil
}

// ListNotifyPorts returns an instance's registered ports in insertion
// order.
func (s *Store) ListNotifyPorts(instance string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT port FROM notify_endpoints WHERE instance = ? ORDER BY rowid`,
		instance)
	if err != nil {
		return nil, fmt.Errorf("list notify ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// AllNotifyTargets returns every registered (instance, port) pair whose
// instance is still in the roster, plus reserved underscore endpoints
// such as the event watcher, which never have a roster row. Insertion
// order. Used by wake-all after relay import.
func (s *Store) AllNotifyTargets() ([]NotifyTarget, error) {
	rows, err := s.db.Query(`
		SELECT ne.instance, ne.port
		FROM notify_endpoints ne
		LEFT JOIN instances i ON i.name = ne.instance
		WHERE ne.port > 0
		AND (i.name IS NOT NULL OR substr(ne.instance, 1, 1) = '_')
		ORDER BY ne.rowid`)
	if err != nil {
		return nil, fmt.Errorf("all notify targets: %w", err)
	}
	defer rows.Close()

	var targets []NotifyTarget
	for rows.Next() {
		var t NotifyTarget
		if err := rows.Scan(&t.Instance, &t.Port); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
