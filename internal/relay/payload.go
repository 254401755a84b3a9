package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hcom-sh/hcom/internal/store"
)

// maxEventsPerPush caps one publish; has_more drives an immediate
// re-push for the remainder.
const maxEventsPerPush = 100

// WireInstance is one roster row as published. Local-unique
// identifiers (session ids, agent id) never cross the wire.
type WireInstance struct {
	Status     string  `json:"status"`
	Context    string  `json:"context"`
	Detail     string  `json:"detail"`
	StatusTime float64 `json:"status_time"`
	Parent     string  `json:"parent,omitempty"`
	Directory  string  `json:"directory,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	WaitTime   int     `json:"wait_timeout"`
	LastStop   float64 `json:"last_stop"`
	TCPMode    bool    `json:"tcp_mode"`
	Tag        string  `json:"tag,omitempty"`
	Tool       string  `json:"tool"`
	Background bool    `json:"background"`
}

// State is the retained per-device snapshot.
type State struct {
	Instances map[string]WireInstance `json:"instances"`
	ShortID   string                  `json:"short_id"`
	ResetTS   float64                 `json:"reset_ts"`
}

// WireEvent is one event on the wire. TS is normally the ISO string
// from the local log but older peers published epoch numbers; the
// importer accepts both.
type WireEvent struct {
	ID       int64          `json:"id"`
	TS       any            `json:"ts"`
	Type     string         `json:"type"`
	Instance string         `json:"instance"`
	Data     map[string]any `json:"data"`
}

// Payload is the full message published on a device topic.
type Payload struct {
	State  State       `json:"state"`
	Events []WireEvent `json:"events"`
}

// Marshal renders the payload as the published JSON bytes.
func (p *Payload) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode relay payload: %w", err)
	}
	return raw, nil
}

// BuildState snapshots the local roster for publishing. Reserved
// pseudo-instances stay local.
func BuildState(st *store.Store, shortID string) (State, error) {
	rows, err := st.IterInstances(store.InstanceFilter{LocalOnly: true})
	if err != nil {
		return State{}, err
	}

	instances := make(map[string]WireInstance, len(rows))
	for _, inst := range rows {
		if strings.HasPrefix(inst.Name, "_") {
			continue
		}
		instances[inst.Name] = WireInstance{
			Status:     inst.Status,
			Context:    inst.StatusContext,
			Detail:     inst.StatusDetail,
			StatusTime: inst.StatusTime,
			Parent:     inst.ParentName,
			Directory:  inst.Directory,
			Transcript: inst.TranscriptPath,
			WaitTime:   inst.WaitTimeout,
			LastStop:   inst.LastStop,
			TCPMode:    inst.TCPMode,
			Tag:        inst.Tag,
			Tool:       inst.Tool,
			Background: inst.Background,
		}
	}

	resetTS, err := st.LocalResetEpoch()
	if err != nil {
		return State{}, err
	}
	return State{Instances: instances, ShortID: shortID, ResetTS: resetTS}, nil
}

// BuildPushPayload assembles state plus the unpushed event tail above
// the push cursor. Returns the payload, the highest included event id,
// and whether more events remain beyond the cap.
func BuildPushPayload(st *store.Store, shortID string) (*Payload, int64, bool, error) {
	state, err := BuildState(st, shortID)
	if err != nil {
		return nil, 0, false, err
	}

	lastPush := parseID(st, store.KeyRelayLastPushID)
	rows, err := st.UnpushedEvents(lastPush, maxEventsPerPush+1)
	if err != nil {
		return nil, 0, false, err
	}
	hasMore := len(rows) > maxEventsPerPush
	if hasMore {
		rows = rows[:maxEventsPerPush]
	}

	events := make([]WireEvent, 0, len(rows))
	maxID := lastPush
	for _, e := range rows {
		events = append(events, WireEvent{
			ID:       e.ID,
			TS:       e.Timestamp,
			Type:     e.Type,
			Instance: e.Instance,
			Data:     e.Data,
		})
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	return &Payload{State: state, Events: events}, maxID, hasMore, nil
}

func parseID(st *store.Store, key string) int64 {
	raw, err := st.KVGet(key)
	if err != nil || raw == "" {
		return 0
	}
	var id int64
	fmt.Sscanf(raw, "%d", &id)
	return id
}
