package relay

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hcom-sh/hcom/internal/store"
)

// Status is the aggregate relay health surfaced by `relay status`.
type Status struct {
	State      string        `json:"state" yaml:"state"`
	LastError  string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastPush   float64       `json:"last_push,omitempty" yaml:"last_push,omitempty"`
	LastPushID int64         `json:"last_push_id" yaml:"last_push_id"`
	Unpushed   int           `json:"unpushed" yaml:"unpushed"`
	Daemon     bool          `json:"daemon" yaml:"daemon"`
	Devices    []DeviceState `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// DeviceState is one known peer's sync state.
type DeviceState struct {
	DeviceID  string  `json:"device_id" yaml:"device_id"`
	ShortID   string  `json:"short_id" yaml:"short_id"`
	LastSync  float64 `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	Instances int     `json:"instances" yaml:"instances"`
}

// CurrentStatus assembles the relay view from KV floors and the
// roster. It never touches the network; the daemon's connection state
// is whatever it last recorded.
func CurrentStatus(st *store.Store) (*Status, error) {
	state, _ := st.KVGet(store.KeyRelayStatus)
	if state == "" {
		state = StatusDisabled
	}
	lastErr, _ := st.KVGet(store.KeyRelayLastError)
	lastPush, _ := st.KVGet(store.KeyRelayLastPush)
	lastPushID := parseID(st, store.KeyRelayLastPushID)

	unpushed, err := st.CountUnpushed(lastPushID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		State:      state,
		LastError:  lastErr,
		LastPush:   store.ParseEpochValue(lastPush),
		LastPushID: lastPushID,
		Unpushed:   unpushed,
		Daemon:     HandledByDaemon(st),
	}

	shorts, err := st.KVPrefix(store.PrefixRelayShort)
	if err != nil {
		return status, nil
	}
	for key, deviceID := range shorts {
		rows, err := st.IterInstances(store.InstanceFilter{Device: deviceID})
		if err != nil {
			continue
		}
		status.Devices = append(status.Devices, DeviceState{
			DeviceID:  deviceID,
			ShortID:   strings.TrimPrefix(key, store.PrefixRelayShort),
			LastSync:  kvEpoch(st, store.PrefixRelaySync+deviceID),
			Instances: len(rows),
		})
	}
	return status, nil
}

// SetStatusUnowned writes relay_status only when no live daemon owns
// it. Status writes are pid-owned: the daemon records its pid with
// every status write, and other processes must not clobber it while
// that pid is alive.
func SetStatusUnowned(st *store.Store, status string) {
	if owner, _ := st.KVGet(store.KeyRelayStatusOwn); owner != "" {
		if pid, err := strconv.Atoi(owner); err == nil && pidAlive(pid) {
			return
		}
	}
	st.KVSet(store.KeyRelayStatus, status)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// FormatAge renders an epoch timestamp as a relative age string.
func FormatAge(epoch float64) string {
	if epoch == 0 {
		return "never"
	}
	age := time.Since(time.Unix(int64(epoch), 0))
	switch {
	case age < time.Minute:
		return age.Round(time.Second).String() + " ago"
	case age < time.Hour:
		return age.Round(time.Minute).String() + " ago"
	default:
		return age.Round(time.Hour).String() + " ago"
	}
}
