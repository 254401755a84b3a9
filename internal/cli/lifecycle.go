package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hcom-sh/hcom/internal/identity"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/status"
	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
)

// runStart registers a new instance, or restores a stopped one when a
// snapshot exists under the requested name.
func (a *App) runStart(args []string) error {
	var name, tag, tool string
	var background bool

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--as" && i+1 < len(args):
			name = args[i+1]
			i++
		case args[i] == "--tag" && i+1 < len(args):
			tag = args[i+1]
			i++
		case args[i] == "--tool" && i+1 < len(args):
			tool = args[i+1]
			i++
		case args[i] == "--background":
			background = true
		case !strings.HasPrefix(args[i], "-") && name == "":
			name = args[i]
		default:
			return fmt.Errorf("start: unknown argument %q", args[i])
		}
	}
	if name == "" {
		name = a.name
	}

	if name != "" {
		if _, err := a.st.GetInstance(name); err == nil {
			return fmt.Errorf("instance %q already registered", name)
		}
		if _, err := a.st.StoppedSnapshotLoad(name); err == nil {
			return a.resumeByName(name)
		}
	}

	if name == "" {
		name = pickName(a.st, tag)
	} else if tag != "" && !strings.HasPrefix(name, tag+"-") {
		name = tag + "-" + name
	}
	if err := validateName(name); err != nil {
		return err
	}

	cwd, _ := os.Getwd()
	// Fresh instances join from now: the cursor starts at the current
	// head so history is never replayed into a new agent.
	maxID, err := a.st.MaxEventID()
	if err != nil {
		return err
	}
	inst := &store.Instance{
		Name:            name,
		LastEventID:     maxID,
		Status:          store.StatusListening,
		StatusContext:   "created",
		Tag:             tag,
		Tool:            tool,
		Background:      background,
		Directory:       cwd,
		WaitTimeout:     a.cfg.WaitTimeout,
		SubagentTimeout: a.cfg.SubagentTimeout,
	}
	if err := a.st.CreateInstance(inst); err != nil {
		return err
	}
	if _, err := a.st.LogEvent(store.TypeLife, name, map[string]any{
		"action": "created",
		"tag":    tag,
		"tool":   inst.Tool,
	}); err != nil {
		return err
	}
	wake.NotifyAll(a.st, a.logger)
	relay.NotifyDaemon(a.st)

	if handled, err := a.render(map[string]any{"name": name, "status": inst.Status}); handled {
		return err
	}
	fmt.Fprintln(a.stdout, name)
	return nil
}

// runStop stops an instance. With no argument the caller's own
// identity is stopped.
func (a *App) runStop(args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	initiator := "operator"
	if name == "" {
		id, err := identity.Require(a.st, a.name)
		if err != nil {
			return err
		}
		name = id.Name
		initiator = id.Name
	} else if id, err := identity.Resolve(a.st, a.name); err == nil {
		initiator = id.Name
	}

	if err := status.Stop(a.st, name, initiator, "requested", a.logger); err != nil {
		return err
	}
	relay.NotifyDaemon(a.st)

	if handled, err := a.render(map[string]any{"stopped": name}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "stopped %s\n", name)
	return nil
}

func (a *App) runResume(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hcom resume NAME")
	}
	return a.resumeByName(args[0])
}

func (a *App) resumeByName(name string) error {
	inst, err := status.Resume(a.st, name, a.logger)
	if err != nil {
		return err
	}
	relay.NotifyDaemon(a.st)

	if handled, err := a.render(map[string]any{
		"name":   inst.Name,
		"status": inst.Status,
		"cursor": inst.LastEventID,
	}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "resumed %s (cursor #%d)\n", inst.Name, inst.LastEventID)
	return nil
}
