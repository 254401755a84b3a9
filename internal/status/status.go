// Package status owns the instance lifecycle state machine. Hooks and
// CLI commands report what happened; this package decides the resulting
// state, stamps status_time, and logs a status event whenever the state
// actually changes so subscription presets can observe transitions.
package status

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
)

// Begin marks the instance active at the start of a turn or tool call.
func Begin(st *store.Store, name, tool string, logger *slog.Logger) error {
	ctx := "tool:" + tool
	if tool == "" {
		ctx = "prompt"
	}
	return transition(st, name, store.StatusActive, ctx, "", logger)
}

// Approve records an approved tool call. If the instance was blocked
// waiting on that approval, the blockage clears back to active.
func Approve(st *store.Store, name, tool string, logger *slog.Logger) error {
	return transition(st, name, store.StatusActive, "approved:"+tool, "", logger)
}

// Idle marks the instance listening: its turn ended and it is back in
// the wait loop.
func Idle(st *store.Store, name string, logger *slog.Logger) error {
	return transition(st, name, store.StatusListening, "idle", "", logger)
}

// Block marks the instance as needing external approval, carrying the
// human-readable reason. Suppressed while the instance is running
// subagents: the prompt belongs to a transient child and would
// otherwise stick on the parent.
func Block(st *store.Store, name, reason string, logger *slog.Logger) error {
	inst, err := st.GetInstance(name)
	if err != nil {
		return err
	}
	if inst.RunningTasks.Active {
		logger.Debug("blocked suppressed in subagent context", "instance", name)
		return nil
	}
	return transitionFrom(st, inst, store.StatusBlocked, reason, "", logger)
}

// Stop marks the instance inactive, writes the stopped life event with
// a full row snapshot, deletes the roster row, and wakes any listeners
// so they observe the departure. Listener ports are captured before the
// delete; the wake still reaches them.
func Stop(st *store.Store, name, initiatedBy, reason string, logger *slog.Logger) error {
	inst, err := st.GetInstance(name)
	if err != nil {
		return err
	}
	if err := transitionFrom(st, inst, store.StatusInactive, reason, "", logger); err != nil {
		return err
	}

	inst.Status = store.StatusInactive
	inst.LastStop = float64(time.Now().UnixNano()) / 1e9
	if _, err := st.StoppedSnapshotStore(inst, initiatedBy, reason); err != nil {
		return err
	}

	ports, _ := st.ListNotifyPorts(name)
	if err := st.DeleteInstance(name); err != nil {
		return err
	}
	st.DeleteNotifyEndpoint(name, 0)
	wake.Ping(ports)
	return nil
}

// Resume restores a stopped instance from its snapshot: the row comes
// back listening with its cursor intact, so nothing sent while it was
// down is skipped.
func Resume(st *store.Store, name string, logger *slog.Logger) (*store.Instance, error) {
	if _, err := st.GetInstance(name); err == nil {
		return nil, fmt.Errorf("resume %s: already running", name)
	}
	inst, err := st.StoppedSnapshotLoad(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resume %s: no stopped snapshot", name)
		}
		return nil, err
	}

	inst.Status = store.StatusListening
	inst.StatusContext = "resumed"
	inst.StatusDetail = ""
	inst.StatusTime = float64(time.Now().UnixNano()) / 1e9
	inst.RunningTasks = store.RunningTasks{}
	if err := st.CreateInstance(inst); err != nil {
		return nil, err
	}

	st.LogEvent(store.TypeStatus, name, map[string]any{
		"from": store.StatusInactive, "to": store.StatusListening, "context": "resumed",
	})
	logger.Info("instance resumed", "instance", name, "cursor", inst.LastEventID)
	return inst, nil
}

func transition(st *store.Store, name, to, ctx, detail string, logger *slog.Logger) error {
	inst, err := st.GetInstance(name)
	if err != nil {
		return err
	}
	return transitionFrom(st, inst, to, ctx, detail, logger)
}

// transitionFrom applies the state change and stamps status_time on
// every call, changed or not. The status event is logged only when the
// state actually moves; context-only churn (tool after tool while
// active) stays out of the log.
func transitionFrom(st *store.Store, inst *store.Instance, to, ctx, detail string, logger *slog.Logger) error {
	now := float64(time.Now().UnixNano()) / 1e9
	err := st.UpdateInstance(inst.Name, map[string]any{
		"status":         to,
		"status_context": ctx,
		"status_detail":  detail,
		"status_time":    now,
	})
	if err != nil {
		return err
	}
	if inst.Status == to {
		return nil
	}
	_, err = st.LogEvent(store.TypeStatus, inst.Name, map[string]any{
		"from": inst.Status, "to": to, "context": ctx,
	})
	if err != nil {
		logger.Warn("status event log failed", "instance", inst.Name, "error", err)
	}
	return nil
}
