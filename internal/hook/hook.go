// Package hook is the dispatcher behind every agent-tool hook
// invocation. The host tool pipes one JSON object to stdin; the
// dispatcher resolves the instance from the session binding, applies
// the status transition the event implies, records tool and file
// events, and returns the pending message batch for inline injection.
//
// Hook-path failures are never fatal to the agent: the process always
// exits 0 and errors are only logged.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hcom-sh/hcom/internal/delivery"
	"github.com/hcom-sh/hcom/internal/identity"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/status"
	"github.com/hcom-sh/hcom/internal/store"
)

// Hook event names as sent by the host tool.
const (
	EventSessionStart  = "sessionstart"
	EventUserPrompt    = "userpromptsubmit"
	EventPreTool       = "pre"
	EventPostTool      = "post"
	EventNotify        = "notify"
	EventPoll          = "poll"
	EventSessionEnd    = "sessionend"
	EventSubagentStart = "subagent-start"
	EventSubagentStop  = "subagent-stop"
)

// Input is the JSON object the host tool writes to stdin.
type Input struct {
	HookEventName  string         `json:"hook_event_name"`
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	ToolResponse   map[string]any `json:"tool_response,omitempty"`
	Message        string         `json:"message,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	AgentType      string         `json:"agent_type,omitempty"`
}

// gateBusyTimeout caps how long the fast-path check may block on a
// locked database. The gate runs on every hook invocation; it must
// not hold up the agent's turn.
const gateBusyTimeout = time.Second

// Gate is the fast-path check run before anything heavy: when the
// roster is empty there are no participants and the hook exits
// immediately. Errors fall through to the full dispatcher.
func Gate(dir paths.Dir) bool {
	st, err := store.OpenBusy(dir, gateBusyTimeout)
	if err != nil {
		return true
	}
	defer st.Close()
	has, err := st.HasInstances()
	if err != nil {
		return true
	}
	return has
}

// Dispatcher handles one hook invocation.
type Dispatcher struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates a dispatcher over an open store.
func New(st *store.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{st: st, logger: logger}
}

// ParseInput decodes the stdin JSON. The event name may also arrive as
// the subcommand; the argument wins when both are present.
func ParseInput(r io.Reader, event string) (*Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	if event != "" {
		in.HookEventName = event
	}
	return &in, nil
}

// Dispatch applies one hook event and returns the text to inject into
// the agent's turn, empty when there is nothing pending.
func (d *Dispatcher) Dispatch(in *Input) (string, error) {
	inst := d.resolve(in)
	if inst == nil {
		// Not a participant; nothing to do.
		d.logger.Debug("hook for unbound session", "event", in.HookEventName, "session", in.SessionID)
		return "", nil
	}
	name := inst.Name

	switch in.HookEventName {
	case EventSessionStart:
		if err := identity.BindSession(d.st, in.SessionID, name); err != nil {
			return "", err
		}
		if in.TranscriptPath != "" {
			d.st.UpdateInstance(name, map[string]any{"transcript_path": in.TranscriptPath})
		}
		return "", status.Idle(d.st, name, d.logger)

	case EventUserPrompt:
		if err := status.Begin(d.st, name, "", d.logger); err != nil {
			return "", err
		}
		return d.deliver(name)

	case EventPreTool:
		if err := status.Begin(d.st, name, in.ToolName, d.logger); err != nil {
			return "", err
		}
		d.recordTool(name, in)
		return d.deliver(name)

	case EventPostTool:
		if err := status.Approve(d.st, name, in.ToolName, d.logger); err != nil {
			return "", err
		}
		d.recordFileTouch(name, in)
		return d.deliver(name)

	case EventNotify:
		return "", status.Block(d.st, name, in.Message, d.logger)

	case EventPoll:
		if err := status.Idle(d.st, name, d.logger); err != nil {
			return "", err
		}
		return d.deliver(name)

	case EventSessionEnd:
		identity.UnbindSession(d.st, in.SessionID)
		return "", d.st.UpdateInstance(name, map[string]any{
			"status":    store.StatusInactive,
			"last_stop": epochNow(),
		})

	case EventSubagentStart:
		return "", status.TrackSubagent(d.st, name, in.AgentID, in.AgentType)

	case EventSubagentStop:
		return "", status.SubagentStopped(d.st, name, in.AgentID, d.logger)
	}

	d.logger.Debug("unknown hook event", "event", in.HookEventName)
	return "", nil
}

// resolve finds the instance behind a hook invocation. The session
// binding is authoritative; the first hook of a fresh session falls
// back to the launcher-exported instance name before any binding
// exists.
func (d *Dispatcher) resolve(in *Input) *store.Instance {
	if inst, err := identity.FromSession(d.st, in.SessionID); err == nil {
		return inst
	}
	if in.HookEventName != EventSessionStart {
		return nil
	}
	envName := os.Getenv(identity.EnvName)
	if envName == "" {
		return nil
	}
	inst, err := d.st.GetInstance(envName)
	if err != nil {
		return nil
	}
	return inst
}

// deliver runs an advancing delivery pass and formats the batch with
// the injection banner.
func (d *Dispatcher) deliver(name string) (string, error) {
	batch, err := delivery.Deliver(d.st, name, true, d.logger)
	if err != nil {
		return "", err
	}
	text := delivery.FormatBatch(d.st, name, batch)
	if text == "" {
		return "", nil
	}
	return "[hcom]\n" + text + "\n", nil
}

// recordTool logs the tool invocation as a bus event and nudges the
// relay daemon so peers see activity promptly.
func (d *Dispatcher) recordTool(name string, in *Input) {
	data := map[string]any{"tool": in.ToolName}
	if _, err := d.st.LogEvent(store.TypeTool, name, data); err != nil {
		d.logger.Warn("tool event log failed", "instance", name, "error", err)
		return
	}
	relay.NotifyDaemon(d.st)
}

// recordFileTouch logs a file event for write-class tools so the
// collision preset can see concurrent edits.
func (d *Dispatcher) recordFileTouch(name string, in *Input) {
	switch in.ToolName {
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
	default:
		return
	}
	path, _ := in.ToolInput["file_path"].(string)
	if path == "" {
		return
	}
	data := map[string]any{"path": path, "action": "edit", "tool": in.ToolName}
	if _, err := d.st.LogEvent(store.TypeFile, name, data); err != nil {
		d.logger.Warn("file event log failed", "instance", name, "error", err)
		return
	}
	relay.NotifyDaemon(d.st)
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
