package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event type tags.
const (
	TypeMessage      = "message"
	TypeLife         = "life"
	TypeTool         = "tool"
	TypeBundle       = "bundle"
	TypeControl      = "control"
	TypeStatus       = "status"
	TypeFile         = "file"
	TypeSubscription = "subscription"
)

// DeviceInstance is the reserved pseudo-instance that owns device-level
// life events (reset markers). Reserved names start with an underscore
// and never route.
const DeviceInstance = "_device"

// Event is one immutable record in the append-only log.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"ts"`
	Type      string         `json:"type"`
	Instance  string         `json:"instance"`
	Data      map[string]any `json:"data"`
}

// TimestampEpoch returns the event timestamp as epoch seconds, or 0 if
// it cannot be parsed.
func (e *Event) TimestampEpoch() float64 {
	return ParseEpoch(e.Timestamp)
}

// IsRelayed reports whether the event was imported from another device.
func (e *Event) IsRelayed() bool {
	_, ok := e.Data["_relay"]
	return ok
}

// timeFormat is RFC3339 with microseconds, always UTC. Parseable back
// to epoch seconds on every device.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTimestamp renders t in the store's canonical ISO-8601 form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// ParseEpoch converts an ISO-8601 timestamp string to epoch seconds.
// Returns 0 for unparseable input.
func ParseEpoch(ts string) float64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return epochSeconds(t)
}

// FormatEpoch renders epoch seconds as a KV-storable string.
func FormatEpoch(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseEpochValue parses a KV epoch string, returning 0 for empty or
// malformed values.
func ParseEpochValue(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// LogEvent appends a new event and returns its id. Data is persisted
// as canonical JSON. Failure here means the storage layer itself is
// broken and is surfaced to the caller as fatal.
func (s *Store) LogEvent(eventType, instance string, data map[string]any) (int64, error) {
	return s.LogEventAt(eventType, instance, data, time.Now())
}

// LogEventAt appends an event with an explicit timestamp. Relay import
// uses this to preserve the remote device's clock.
func (s *Store) LogEventAt(eventType, instance string, data map[string]any, ts time.Time) (int64, error) {
	return s.logEventStamp(eventType, instance, data, FormatTimestamp(ts))
}

// LogEventStamp appends an event with a pre-rendered timestamp string.
func (s *Store) LogEventStamp(eventType, instance string, data map[string]any, stamp string) (int64, error) {
	if stamp == "" {
		stamp = FormatTimestamp(time.Now())
	}
	return s.logEventStamp(eventType, instance, data, stamp)
}

func (s *Store) logEventStamp(eventType, instance string, data map[string]any, stamp string) (int64, error) {
	if data == nil {
		data = map[string]any{}
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode event data: %w", err)
	}

	res, err := s.exec(
		`INSERT INTO events (timestamp, type, instance, data) VALUES (?, ?, ?, ?)`,
		stamp, eventType, instance, string(blob),
	)
	if err != nil {
		return 0, fmt.Errorf("log event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log event id: %w", err)
	}
	return id, nil
}

// EventFilter narrows event queries. Zero value matches everything
// after AfterID.
type EventFilter struct {
	AfterID  int64
	Types    []string
	Instance string
	Limit    int
}

// Events returns events matching the filter in ascending id order.
func (s *Store) Events(f EventFilter) ([]Event, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, timestamp, type, instance, data FROM events WHERE id > ?`)
	args := []any{f.AfterID}

	if len(f.Types) > 0 {
		query.WriteString(` AND type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`)
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Instance != "" {
		query.WriteString(` AND instance = ?`)
		args = append(args, f.Instance)
	}
	query.WriteString(` ORDER BY id`)
	if f.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventByID looks up a single event.
func (s *Store) EventByID(id int64) (*Event, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, type, instance, data FROM events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", id, err)
	}
	return e, nil
}

// MaxEventID returns the highest event id, 0 when the log is empty.
func (s *Store) MaxEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	return id.Int64, nil
}

// MaxRelayedEventID returns the highest id among imported events, used
// by long-poll waits for remote activity.
func (s *Store) MaxRelayedEventID() (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(id) FROM events WHERE instance LIKE '%:%'`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max relayed event id: %w", err)
	}
	return id.Int64, nil
}

// UnpushedEvents returns local-origin events with id > afterID, oldest
// first, up to limit. Relay-imported events, reserved pseudo-instances,
// and remote-keyed instances are excluded; they never leave the device
// again.
func (s *Store) UnpushedEvents(afterID int64, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, type, instance, data FROM events
		WHERE id > ? AND instance NOT LIKE '%:%'
		AND instance != ?
		AND json_extract(data, '$._relay') IS NULL
		ORDER BY id LIMIT ?`,
		afterID, DeviceInstance, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpushed events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountUnpushed reports how many local events sit above the push
// cursor. Same exclusions as [Store.UnpushedEvents]: what this counts
// is exactly what a push would carry.
func (s *Store) CountUnpushed(afterID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events
		WHERE id > ? AND instance NOT LIKE '%:%'
		AND instance != ?
		AND json_extract(data, '$._relay') IS NULL`,
		afterID, DeviceInstance).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unpushed: %w", err)
	}
	return n, nil
}

// DeleteDeviceEvents removes all events imported from the given remote
// device. Caller must hold the write lock: relay reset handling pairs
// this with the instance delete in one critical section.
func (s *Store) DeleteDeviceEvents(deviceID string) error {
	_, err := s.execLocked(
		`DELETE FROM events WHERE json_extract(data, '$._relay.device') = ?`,
		deviceID)
	if err != nil {
		return fmt.Errorf("delete device events: %w", err)
	}
	return nil
}

// LocalResetEpoch returns the timestamp of the most recent local (non-
// imported) reset event as epoch seconds, 0 if none exists.
func (s *Store) LocalResetEpoch() (float64, error) {
	var ts sql.NullString
	err := s.db.QueryRow(`
		SELECT timestamp FROM events
		WHERE type = ? AND instance = ?
		AND json_extract(data, '$.action') = 'reset'
		AND json_extract(data, '$._relay') IS NULL
		ORDER BY id DESC LIMIT 1`,
		TypeLife, DeviceInstance).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("local reset timestamp: %w", err)
	}
	return ParseEpoch(ts.String), nil
}

// FileEventsForPath returns the most recent file events touching path,
// newest first. The collision subscription preset uses this to find a
// second editor inside its window.
func (s *Store) FileEventsForPath(path string, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, type, instance, data FROM events
		WHERE type = ? AND json_extract(data, '$.path') = ?
		ORDER BY id DESC LIMIT ?`,
		TypeFile, path, limit)
	if err != nil {
		return nil, fmt.Errorf("file events for %s: %w", path, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpdateEventData rewrites the data column of one event. Used only to
// fill delivered_to on first fan-out; events are otherwise immutable.
func (s *Store) UpdateEventData(id int64, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.exec(`UPDATE events SET data = ? WHERE id = ?`, string(blob), id)
	if err != nil {
		return fmt.Errorf("update event %d: %w", id, err)
	}
	return nil
}

type scanner func(dest ...any) error

func scanEvent(scan scanner) (*Event, error) {
	var e Event
	var blob string
	if err := scan(&e.ID, &e.Timestamp, &e.Type, &e.Instance, &blob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blob), &e.Data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return &e, nil
}

func scanEventData(blob string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return data, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
