package status

import (
	"log/slog"

	"github.com/hcom-sh/hcom/internal/store"
)

// TrackSubagent records a spawned child task on the parent row. While
// any subagent is tracked, notification hooks against the parent are
// suppressed (see Block).
func TrackSubagent(st *store.Store, parent, agentID, agentType string) error {
	inst, err := st.GetInstance(parent)
	if err != nil {
		return err
	}
	for _, sa := range inst.RunningTasks.Subagents {
		if sa.AgentID == agentID {
			return nil
		}
	}
	tasks := inst.RunningTasks
	tasks.Subagents = append(tasks.Subagents, store.Subagent{AgentID: agentID, Type: agentType})
	tasks.Active = true
	return st.UpdateInstance(parent, map[string]any{"running_tasks": tasks})
}

// SubagentStopped removes agentID from the parent's tracked subagents.
// The id may never have had an instance row of its own (ghost
// subagents); the removal happens regardless. When the last subagent
// leaves, the suppression flag drops.
func SubagentStopped(st *store.Store, parent, agentID string, logger *slog.Logger) error {
	inst, err := st.GetInstance(parent)
	if err != nil {
		return err
	}
	tasks := inst.RunningTasks
	kept := tasks.Subagents[:0]
	removed := false
	for _, sa := range tasks.Subagents {
		if sa.AgentID == agentID {
			removed = true
			continue
		}
		kept = append(kept, sa)
	}
	if !removed {
		logger.Debug("subagent stop for untracked id", "parent", parent, "agent", agentID)
	}
	tasks.Subagents = kept
	if len(kept) == 0 {
		tasks.Active = false
		tasks.Subagents = nil
	}
	return st.UpdateInstance(parent, map[string]any{"running_tasks": tasks})
}
