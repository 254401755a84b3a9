package store

import (
	"fmt"
	"time"
)

// StoppedSnapshotStore writes the terminal life event for an instance,
// freezing its full roster row so a later resume can restore it after
// the row itself is gone. Returns the event id.
func (s *Store) StoppedSnapshotStore(inst *Instance, initiatedBy, reason string) (int64, error) {
	snapshot := map[string]any{
		"name":             inst.Name,
		"status":           inst.Status,
		"status_context":   inst.StatusContext,
		"status_detail":    inst.StatusDetail,
		"status_time":      inst.StatusTime,
		"last_event_id":    inst.LastEventID,
		"tag":              inst.Tag,
		"tool":             inst.Tool,
		"background":       inst.Background,
		"parent_name":      inst.ParentName,
		"directory":        inst.Directory,
		"transcript_path":  inst.TranscriptPath,
		"wait_timeout":     inst.WaitTimeout,
		"subagent_timeout": inst.SubagentTimeout,
		"hints":            inst.Hints,
		"tcp_mode":         inst.TCPMode,
		"broadcast_listen": inst.BroadcastListen,
		"created_at":       inst.CreatedAt,
		"last_stop":        epochSeconds(time.Now()),
	}
	data := map[string]any{
		"action":   "stopped",
		"snapshot": snapshot,
	}
	if initiatedBy != "" {
		data["initiated_by"] = initiatedBy
	}
	if reason != "" {
		data["reason"] = reason
	}
	return s.LogEvent(TypeLife, inst.Name, data)
}

// StoppedSnapshotLoad returns the most recent stopped snapshot for
// name as an instance row, or ErrNotFound if the instance was never
// stopped. Session identifiers are not restored; the next session
// rebinds them.
func (s *Store) StoppedSnapshotLoad(name string) (*Instance, error) {
	rows, err := s.db.Query(`
		SELECT data FROM events
		WHERE type = ?
		AND json_extract(data, '$.action') = 'stopped'
		AND json_extract(data, '$.snapshot.name') = ?
		ORDER BY id DESC LIMIT 1`,
		TypeLife, name)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", name, err)
		}
		return nil, ErrNotFound
	}

	var blob string
	if err := rows.Scan(&blob); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	e, err := scanEventData(blob)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	snap, ok := e["snapshot"].(map[string]any)
	if !ok {
		return nil, ErrNotFound
	}
	return snapshotToInstance(name, snap), nil
}

func snapshotToInstance(name string, snap map[string]any) *Instance {
	inst := &Instance{Name: name}
	inst.Status, _ = snap["status"].(string)
	inst.StatusContext, _ = snap["status_context"].(string)
	inst.StatusDetail, _ = snap["status_detail"].(string)
	inst.StatusTime = toFloat(snap["status_time"])
	inst.LastEventID = toInt64(snap["last_event_id"])
	inst.Tag, _ = snap["tag"].(string)
	inst.Tool, _ = snap["tool"].(string)
	inst.Background, _ = snap["background"].(bool)
	inst.ParentName, _ = snap["parent_name"].(string)
	inst.Directory, _ = snap["directory"].(string)
	inst.TranscriptPath, _ = snap["transcript_path"].(string)
	inst.WaitTimeout = int(toInt64(snap["wait_timeout"]))
	inst.SubagentTimeout = int(toInt64(snap["subagent_timeout"]))
	inst.Hints, _ = snap["hints"].(string)
	inst.TCPMode, _ = snap["tcp_mode"].(bool)
	inst.BroadcastListen, _ = snap["broadcast_listen"].(bool)
	inst.CreatedAt = toFloat(snap["created_at"])
	inst.LastStop = toFloat(snap["last_stop"])
	return inst
}

func toFloat(v any) float64 {
	switch vv := v.(type) {
	case float64:
		return vv
	case int64:
		return float64(vv)
	case int:
		return float64(vv)
	}
	return 0
}
