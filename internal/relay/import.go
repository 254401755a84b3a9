package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
)

// StopFunc executes a remote-initiated stop of a local instance.
type StopFunc func(target, initiatedBy string)

// Importer applies messages arriving from other devices to the local
// store. It is driven by the MQTT client's receive callback and is
// safe against duplicate and out-of-order deliveries: every apply step
// is guarded by a per-device dedup floor in KV.
type Importer struct {
	st        *store.Store
	ownDevice string
	ownShort  string
	stop      StopFunc
	logger    *slog.Logger
}

// NewImporter wires an importer for this device. stop may be nil when
// the caller cannot execute stops (ephemeral CLI clients).
func NewImporter(st *store.Store, ownDevice, ownShort string, stop StopFunc, logger *slog.Logger) *Importer {
	return &Importer{st: st, ownDevice: ownDevice, ownShort: ownShort, stop: stop, logger: logger}
}

// HandleMessage routes one raw MQTT message by its topic suffix. All
// errors are absorbed here: a bad payload from one device must not
// take down the receive loop.
func (im *Importer) HandleMessage(topic string, payload []byte) {
	suffix := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		suffix = topic[i+1:]
	}

	if suffix == im.ownDevice {
		return
	}

	if len(payload) == 0 {
		if suffix != "control" {
			im.deviceGone(suffix)
		}
		return
	}

	if suffix == "control" {
		var ctrl struct {
			FromDevice string      `json:"from_device"`
			Events     []WireEvent `json:"events"`
		}
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			im.logger.Warn("relay control payload undecodable", "error", err)
			return
		}
		if ctrl.FromDevice != im.ownDevice {
			im.handleControlEvents(ctrl.Events, ctrl.FromDevice)
		}
		return
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		im.logger.Warn("relay payload undecodable", "device", short(suffix), "error", err)
		return
	}
	im.applyDevice(suffix, &p)
}

// deviceGone handles the empty retained payload (explicit opt-out or
// LWT): the device's instances vanish and its short id is freed.
func (im *Importer) deviceGone(deviceID string) {
	im.st.Lock()
	err := im.st.DeleteDeviceInstances(deviceID)
	im.st.Unlock()
	if err != nil {
		im.logger.Warn("relay device-gone cleanup failed", "device", short(deviceID), "error", err)
		return
	}
	im.st.KVDelete(store.PrefixRelaySync + deviceID)
	im.clearShortID(deviceID)
	im.logger.Info("relay device gone", "device", short(deviceID))
}

// applyDevice imports one device payload: collision check, reset
// handling, instance upsert with stale sweep, then the event tail.
func (im *Importer) applyDevice(deviceID string, p *Payload) {
	shortID := p.State.ShortID
	if shortID == "" {
		shortID = strings.ToUpper(deviceID[:min(4, len(deviceID))])
	}

	// Two devices claiming one short id would corrupt the name:SHORT
	// keyspace; first claim wins, the other device is ignored.
	cached, _ := im.st.KVGet(store.PrefixRelayShort + shortID)
	if cached != "" && cached != deviceID {
		im.logger.Warn("relay short-id collision",
			"short", shortID, "existing", short(cached), "incoming", short(deviceID))
		return
	}
	if cached == "" {
		im.st.KVSet(store.PrefixRelayShort+shortID, deviceID)
	}

	// Remote reset: wipe everything previously imported from this
	// device before applying the fresh snapshot.
	cachedReset := kvEpoch(im.st, store.PrefixRelayReset+deviceID)
	if p.State.ResetTS > cachedReset {
		im.wipeDevice(deviceID)
		im.st.KVSet(store.PrefixRelayReset+deviceID, store.FormatEpoch(p.State.ResetTS))
		im.st.KVSet(store.PrefixRelayEvents+deviceID, "0")
		im.logger.Info("relay remote reset", "device", shortID)
	}

	// Local reset floor: anything the peer recorded before our own
	// reset is stale replay of our pre-reset world.
	localReset := im.localResetFloor()

	seen := make(map[string]bool, len(p.State.Instances))
	for name, wi := range p.State.Instances {
		if localReset > 0 && wi.StatusTime < localReset {
			continue
		}
		namespaced := name + ":" + shortID
		seen[namespaced] = true
		parent := wi.Parent
		if parent != "" {
			parent += ":" + shortID
		}
		inst := &store.Instance{
			Name:           namespaced,
			OriginDeviceID: deviceID,
			Status:         orUnknown(wi.Status),
			StatusContext:  wi.Context,
			StatusDetail:   wi.Detail,
			StatusTime:     wi.StatusTime,
			ParentName:     parent,
			Directory:      wi.Directory,
			TranscriptPath: wi.Transcript,
			WaitTimeout:    wi.WaitTime,
			LastStop:       wi.LastStop,
			TCPMode:        wi.TCPMode,
			Tag:            wi.Tag,
			Tool:           orClaude(wi.Tool),
			Background:     wi.Background,
		}
		im.st.Lock()
		err := im.st.UpsertRemoteInstance(inst)
		im.st.Unlock()
		if err != nil {
			im.logger.Error("relay instance upsert failed", "instance", namespaced, "error", err)
		}
	}

	// Sweep rows the remote no longer reports, read and delete under
	// one lock so a concurrent upsert cannot race the computation.
	im.st.Lock()
	current, err := im.st.DeviceInstanceNames(deviceID)
	if err == nil {
		for name := range current {
			if !seen[name] {
				im.st.DeleteInstanceLocked(name)
			}
		}
	}
	im.st.Unlock()

	im.handleControlEvents(p.Events, deviceID)
	im.importEvents(deviceID, shortID, p.Events, localReset)
	im.st.KVSet(store.PrefixRelaySync+deviceID, store.FormatEpoch(epochNow()))

	// Local listeners should see remote traffic without waiting out
	// their poll interval.
	wake.NotifyAll(im.st, im.logger)
}

// importEvents appends the remote tail above the per-device cursor,
// namespacing instance and message fields.
func (im *Importer) importEvents(deviceID, shortID string, events []WireEvent, localReset float64) {
	cursor := parseID(im.st, store.PrefixRelayEvents+deviceID)

	// Autoincrement ids never regress on a live database. A remote max
	// below our cursor means the peer's database was recreated without
	// a reset marker; treat it the same as a reset.
	if cursor > 0 {
		var remoteMax int64
		for _, e := range events {
			if e.Type != store.TypeControl && e.ID > remoteMax {
				remoteMax = e.ID
			}
		}
		if remoteMax > 0 && remoteMax < cursor {
			im.logger.Info("relay id regression, treating as reset",
				"device", shortID, "remote_max", remoteMax, "cursor", cursor)
			im.wipeDevice(deviceID)
			im.st.KVSet(store.PrefixRelayEvents+deviceID, "0")
			cursor = 0
		}
	}

	// Broker redelivery does not guarantee payload order; apply the
	// tail oldest first so the cursor never skips over an event.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	maxID := cursor
	for _, e := range events {
		if e.Type == store.TypeControl || e.Instance == store.DeviceInstance {
			continue
		}
		if e.ID <= cursor {
			continue
		}
		ts := parseTS(e.TS)
		if localReset > 0 && ts > 0 && ts < localReset {
			continue
		}

		instance := e.Instance
		if instance != "" && !strings.Contains(instance, ":") && !strings.HasPrefix(instance, "_") {
			instance = instance + ":" + shortID
		}

		data := make(map[string]any, len(e.Data)+1)
		for k, v := range e.Data {
			data[k] = v
		}
		if from, ok := data["from"].(string); ok && !strings.Contains(from, ":") {
			data["from"] = from + ":" + shortID
		}
		for _, key := range []string{"mentions", "delivered_to"} {
			raw, ok := data[key]
			if !ok {
				continue
			}
			if names := im.stripOwnShort(raw); names != nil {
				data[key] = names
			} else {
				delete(data, key)
			}
		}
		data["_relay"] = map[string]any{"device": deviceID, "short": shortID, "id": e.ID}

		if _, err := im.st.LogEventStamp(e.Type, instance, data, stampOf(e.TS)); err != nil {
			im.logger.Error("relay event import failed", "device", shortID, "remote_id", e.ID, "error", err)
			continue
		}
		if e.ID > maxID {
			maxID = e.ID
		}

		if e.Type == store.TypeMessage && ts > 0 {
			im.logger.Info("relay message received",
				"device", shortID, "remote_id", e.ID,
				"latency_ms", int((epochNow()-ts)*1000))
		}
	}

	if maxID > cursor {
		im.st.KVSet(store.PrefixRelayEvents+deviceID, strconv.FormatInt(maxID, 10))
	}
}

// stripOwnShort removes this device's suffix from a name list so local
// instances match their plain roster names. Foreign suffixes stay.
func (im *Importer) stripOwnShort(v any) []string {
	names, ok := v.([]any)
	if !ok {
		return nil
	}
	suffix := ":" + im.ownShort
	out := make([]string, 0, len(names))
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(strings.ToUpper(name), suffix) {
			name = name[:strings.LastIndex(name, ":")]
		}
		out = append(out, name)
	}
	return out
}

// handleControlEvents executes control actions addressed to this
// device, deduped by the per-source timestamp floor.
func (im *Importer) handleControlEvents(events []WireEvent, sourceDevice string) {
	floor := kvEpoch(im.st, store.PrefixRelayCtrl+sourceDevice)
	maxTS := floor

	for _, e := range events {
		if e.Type != store.TypeControl {
			continue
		}
		ts := parseTS(e.TS)
		if ts <= floor {
			continue
		}
		if ts > maxTS {
			maxTS = ts
		}

		targetDevice, _ := e.Data["target_device"].(string)
		if !strings.EqualFold(targetDevice, im.ownShort) {
			continue
		}
		action, _ := e.Data["action"].(string)
		target, _ := e.Data["target"].(string)
		if target == "" {
			continue
		}

		switch action {
		case "stop":
			from, _ := e.Data["from"].(string)
			if from == "" {
				from = "remote"
			}
			if im.stop != nil {
				im.stop(target, from)
			}
			im.logger.Info("relay control stop", "target", target, "from", from)
		case "start":
			// A remote device cannot spawn a process here; record only.
			im.logger.Info("relay control start requested", "target", target)
		}
	}

	if maxTS > floor {
		im.st.KVSet(store.PrefixRelayCtrl+sourceDevice, store.FormatEpoch(maxTS))
	}
}

// wipeDevice removes everything imported from one device under a
// single critical section.
func (im *Importer) wipeDevice(deviceID string) {
	im.st.Lock()
	defer im.st.Unlock()
	if err := im.st.DeleteDeviceInstances(deviceID); err != nil {
		im.logger.Error("relay device wipe failed", "device", short(deviceID), "error", err)
	}
	if err := im.st.DeleteDeviceEvents(deviceID); err != nil {
		im.logger.Error("relay event wipe failed", "device", short(deviceID), "error", err)
	}
}

// localResetFloor reads the local reset timestamp from KV, falling
// back to the events table for long-running processes that missed the
// KV write.
func (im *Importer) localResetFloor() float64 {
	if ts := kvEpoch(im.st, store.KeyLocalResetTS); ts > 0 {
		return ts
	}
	ts, err := im.st.LocalResetEpoch()
	if err != nil || ts == 0 {
		return 0
	}
	im.st.KVSet(store.KeyLocalResetTS, store.FormatEpoch(ts))
	return ts
}

// clearShortID reverse-looks-up and drops the short-id claim of a
// departed device.
func (im *Importer) clearShortID(deviceID string) {
	entries, err := im.st.KVPrefix(store.PrefixRelayShort)
	if err != nil {
		return
	}
	for key, value := range entries {
		if value == deviceID {
			im.st.KVDelete(key)
		}
	}
}

func kvEpoch(st *store.Store, key string) float64 {
	raw, err := st.KVGet(key)
	if err != nil {
		return 0
	}
	return store.ParseEpochValue(raw)
}

// parseTS accepts either an ISO string or epoch number timestamp.
func parseTS(v any) float64 {
	switch ts := v.(type) {
	case string:
		return store.ParseEpoch(ts)
	case float64:
		return ts
	case int64:
		return float64(ts)
	}
	return 0
}

// stampOf preserves the remote ISO timestamp verbatim; numeric
// timestamps are re-rendered locally.
func stampOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if ts := parseTS(v); ts > 0 {
		return store.FormatTimestamp(time.Unix(0, int64(ts*1e9)))
	}
	return ""
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func orUnknown(s string) string {
	if s == "" {
		return store.StatusUnknown
	}
	return s
}

func orClaude(s string) string {
	if s == "" {
		return "claude"
	}
	return s
}

// short truncates a device UUID for log lines.
func short(deviceID string) string {
	if len(deviceID) > 8 {
		return deviceID[:8]
	}
	return deviceID
}
