package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Instance statuses.
const (
	StatusActive    = "active"
	StatusListening = "listening"
	StatusBlocked   = "blocked"
	StatusInactive  = "inactive"
	StatusUnknown   = "unknown"
)

// Subagent is one tracked child task of an instance.
type Subagent struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type,omitempty"`
}

// RunningTasks tracks a parent instance's live subagents. While Active
// is true, notification hooks for the parent are suppressed.
type RunningTasks struct {
	Active    bool       `json:"active"`
	Subagents []Subagent `json:"subagents,omitempty"`
}

// Instance is one roster row. Local rows have an empty OriginDeviceID
// and no colon in the name; remote rows are keyed name:SHORT.
type Instance struct {
	Name            string
	Status          string
	StatusContext   string
	StatusDetail    string
	StatusTime      float64
	LastEventID     int64
	Tag             string
	Tool            string
	Background      bool
	SessionID       string
	ParentSessionID string
	AgentID         string
	ParentName      string
	Directory       string
	TranscriptPath  string
	WaitTimeout     int
	SubagentTimeout int
	Hints           string
	OriginDeviceID  string
	TCPMode         bool
	BroadcastListen bool
	RunningTasks    RunningTasks
	CreatedAt       float64
	LastStop        float64
}

// IsRemote reports whether the row was imported from another device.
func (i *Instance) IsRemote() bool { return i.OriginDeviceID != "" }

// DisplayName renders the name shown in delivery output. Local
// instances display their plain name (the tag, when set, is already a
// name prefix by convention); remote instances keep the :SHORT suffix.
func (i *Instance) DisplayName() string { return i.Name }

const instanceColumns = `name, status, status_context, status_detail, status_time,
	last_event_id, tag, tool, background, session_id, parent_session_id, agent_id,
	parent_name, directory, transcript_path, wait_timeout, subagent_timeout, hints,
	origin_device_id, tcp_mode, broadcast_listen, running_tasks, created_at, last_stop`

// CreateInstance registers a new roster row. The name must be unused.
func (s *Store) CreateInstance(inst *Instance) error {
	if inst.Tool == "" {
		inst.Tool = "claude"
	}
	if inst.Status == "" {
		inst.Status = StatusUnknown
	}
	if inst.CreatedAt == 0 {
		inst.CreatedAt = epochSeconds(time.Now())
	}
	tasks, err := json.Marshal(inst.RunningTasks)
	if err != nil {
		return fmt.Errorf("encode running_tasks: %w", err)
	}
	_, err = s.exec(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.Status, inst.StatusContext, inst.StatusDetail, inst.StatusTime,
		inst.LastEventID, nullable(inst.Tag), inst.Tool, inst.Background,
		nullable(inst.SessionID), nullable(inst.ParentSessionID), nullable(inst.AgentID),
		nullable(inst.ParentName), nullable(inst.Directory), nullable(inst.TranscriptPath),
		orDefault(inst.WaitTimeout, 86400), orDefault(inst.SubagentTimeout, 300),
		inst.Hints, inst.OriginDeviceID, inst.TCPMode, inst.BroadcastListen,
		string(tasks), inst.CreatedAt, inst.LastStop)
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.Name, err)
	}
	return nil
}

// GetInstance looks up a roster row by name. Returns ErrNotFound when
// the instance is not registered.
func (s *Store) GetInstance(name string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT `+instanceColumns+` FROM instances WHERE name = ?`, name)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", name, err)
	}
	return inst, nil
}

// InstanceFilter narrows roster iteration. Zero value matches all rows.
type InstanceFilter struct {
	Tag       string
	Tool      string
	Status    string
	LocalOnly bool
	Device    string // origin_device_id match
}

// IterInstances returns the roster as a point-in-time snapshot,
// ordered by name.
func (s *Store) IterInstances(f InstanceFilter) ([]Instance, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`)
	var args []any
	if f.Tag != "" {
		query.WriteString(` AND tag = ?`)
		args = append(args, f.Tag)
	}
	if f.Tool != "" {
		query.WriteString(` AND tool = ?`)
		args = append(args, f.Tool)
	}
	if f.Status != "" {
		query.WriteString(` AND status = ?`)
		args = append(args, f.Status)
	}
	if f.LocalOnly {
		query.WriteString(` AND origin_device_id = ''`)
	}
	if f.Device != "" {
		query.WriteString(` AND origin_device_id = ?`)
		args = append(args, f.Device)
	}
	query.WriteString(` ORDER BY name`)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("iter instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("iter instances: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// HasInstances is the hook fast-path gate: one statement, no decoding.
func (s *Store) HasInstances() (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM instances LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// updatableColumns maps patch keys to their column names. Unknown patch
// keys are rejected so typos cannot silently drop writes.
var updatableColumns = map[string]bool{
	"status": true, "status_context": true, "status_detail": true,
	"status_time": true, "last_event_id": true, "tag": true, "tool": true,
	"background": true, "session_id": true, "parent_session_id": true,
	"agent_id": true, "parent_name": true, "directory": true,
	"transcript_path": true, "wait_timeout": true, "subagent_timeout": true,
	"hints": true, "tcp_mode": true, "broadcast_listen": true,
	"running_tasks": true, "last_stop": true,
}

// UpdateInstance applies a partial update under the write lock.
// A last_event_id in the patch never moves the cursor backwards.
func (s *Store) UpdateInstance(name string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	sets := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	for key, value := range patch {
		if !updatableColumns[key] {
			return fmt.Errorf("update instance %s: unknown column %q", name, key)
		}
		if key == "running_tasks" {
			if rt, ok := value.(RunningTasks); ok {
				blob, err := json.Marshal(rt)
				if err != nil {
					return fmt.Errorf("encode running_tasks: %w", err)
				}
				value = string(blob)
			}
		}
		if key == "last_event_id" {
			sets = append(sets, "last_event_id = MAX(last_event_id, ?)")
		} else {
			sets = append(sets, key+" = ?")
		}
		args = append(args, value)
	}
	args = append(args, name)

	res, err := s.exec(
		`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE name = ?`, args...)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update instance %s: %w", name, ErrNotFound)
	}
	return nil
}

// UpsertRemoteInstance inserts or refreshes a relay-imported row.
// Caller must hold the write lock; relay import batches these with the
// stale-row sweep in one critical section. Local-unique identifiers
// (session ids, agent id) are never populated on remote rows.
func (s *Store) UpsertRemoteInstance(inst *Instance) error {
	tasks, err := json.Marshal(inst.RunningTasks)
	if err != nil {
		return fmt.Errorf("encode running_tasks: %w", err)
	}
	_, err = s.execLocked(`
		INSERT INTO instances (
			name, origin_device_id, status, status_context, status_detail, status_time,
			parent_name, directory, transcript_path, created_at,
			wait_timeout, last_stop, tcp_mode, tag, tool, background, running_tasks
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			status_context = excluded.status_context,
			status_detail = excluded.status_detail,
			status_time = excluded.status_time,
			parent_name = excluded.parent_name,
			directory = excluded.directory,
			transcript_path = excluded.transcript_path,
			wait_timeout = excluded.wait_timeout,
			last_stop = excluded.last_stop,
			tcp_mode = excluded.tcp_mode,
			tag = excluded.tag,
			tool = excluded.tool,
			background = excluded.background,
			session_id = NULL, parent_session_id = NULL, agent_id = NULL`,
		inst.Name, inst.OriginDeviceID, inst.Status, inst.StatusContext,
		inst.StatusDetail, inst.StatusTime, nullable(inst.ParentName),
		nullable(inst.Directory), nullable(inst.TranscriptPath),
		epochSeconds(time.Now()), orDefault(inst.WaitTimeout, 86400),
		inst.LastStop, inst.TCPMode, nullable(inst.Tag), inst.Tool,
		inst.Background, string(tasks))
	if err != nil {
		return fmt.Errorf("upsert remote instance %s: %w", inst.Name, err)
	}
	return nil
}

// DeleteInstance removes a roster row. No error if it does not exist.
func (s *Store) DeleteInstance(name string) error {
	if _, err := s.exec(`DELETE FROM instances WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	return nil
}

// DeleteInstanceLocked is DeleteInstance for callers already inside a
// write-lock critical section.
func (s *Store) DeleteInstanceLocked(name string) error {
	if _, err := s.execLocked(`DELETE FROM instances WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	return nil
}

// DeleteDeviceInstances removes every row imported from a device.
// Caller must hold the write lock.
func (s *Store) DeleteDeviceInstances(deviceID string) error {
	_, err := s.execLocked(
		`DELETE FROM instances WHERE origin_device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device instances: %w", err)
	}
	return nil
}

// DeviceInstanceNames lists the roster rows imported from a device.
// Used with the write lock held to compute stale remote rows.
func (s *Store) DeviceInstanceNames(deviceID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT name FROM instances WHERE origin_device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device instance names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

// InstanceBySession resolves a roster row by its tool-side session id.
func (s *Store) InstanceBySession(sessionID string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT `+instanceColumns+` FROM instances WHERE session_id = ?`, sessionID)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("instance by session: %w", err)
	}
	return inst, nil
}

func scanInstance(scan scanner) (*Instance, error) {
	var inst Instance
	var tag, sessionID, parentSessionID, agentID sql.NullString
	var parentName, directory, transcript sql.NullString
	var tasks string
	err := scan(&inst.Name, &inst.Status, &inst.StatusContext, &inst.StatusDetail,
		&inst.StatusTime, &inst.LastEventID, &tag, &inst.Tool, &inst.Background,
		&sessionID, &parentSessionID, &agentID, &parentName, &directory,
		&transcript, &inst.WaitTimeout, &inst.SubagentTimeout, &inst.Hints,
		&inst.OriginDeviceID, &inst.TCPMode, &inst.BroadcastListen, &tasks,
		&inst.CreatedAt, &inst.LastStop)
	if err != nil {
		return nil, err
	}
	inst.Tag = tag.String
	inst.SessionID = sessionID.String
	inst.ParentSessionID = parentSessionID.String
	inst.AgentID = agentID.String
	inst.ParentName = parentName.String
	inst.Directory = directory.String
	inst.TranscriptPath = transcript.String
	if tasks != "" {
		_ = json.Unmarshal([]byte(tasks), &inst.RunningTasks)
	}
	return &inst, nil
}

// nullable stores "" as NULL so UNIQUE(session_id) ignores unset rows.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
