package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hcom-sh/hcom/internal/delivery"
	"github.com/hcom-sh/hcom/internal/identity"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
)

func (a *App) runList(args []string) error {
	filter := store.InstanceFilter{}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--tag" && i+1 < len(args):
			filter.Tag = args[i+1]
			i++
		case args[i] == "--status" && i+1 < len(args):
			filter.Status = args[i+1]
			i++
		case args[i] == "--local":
			filter.LocalOnly = true
		default:
			return fmt.Errorf("list: unknown argument %q", args[i])
		}
	}

	roster, err := a.st.IterInstances(filter)
	if err != nil {
		return err
	}

	if a.format != formatText {
		rows := make([]map[string]any, 0, len(roster))
		for _, inst := range roster {
			rows = append(rows, map[string]any{
				"name":    inst.Name,
				"status":  inst.Status,
				"context": inst.StatusContext,
				"tag":     inst.Tag,
				"tool":    inst.Tool,
				"cursor":  inst.LastEventID,
				"remote":  inst.IsRemote(),
			})
		}
		_, err := a.render(rows)
		return err
	}

	for _, inst := range roster {
		line := fmt.Sprintf("%-24s %-10s %s", inst.DisplayName(), inst.Status, inst.StatusContext)
		if inst.StatusTime > 0 {
			line += "  " + relay.FormatAge(inst.StatusTime)
		}
		fmt.Fprintln(a.stdout, strings.TrimRight(line, " "))
	}
	if id, err := identity.Resolve(a.st, a.name); err == nil && id.IsInstance() {
		a.flushPending(id.Instance)
	}
	return nil
}

// runEvents queries the event log. With --wait it blocks until a
// matching event arrives or the wait timeout elapses, using the wake
// mesh as a hint and a short poll as the guarantee.
func (a *App) runEvents(args []string) error {
	filter := store.EventFilter{Limit: 100}
	var waitMode bool
	waitTimeout := 60

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--type" && i+1 < len(args):
			filter.Types = append(filter.Types, args[i+1])
			i++
		case args[i] == "--instance" && i+1 < len(args):
			filter.Instance = args[i+1]
			i++
		case args[i] == "--since" && i+1 < len(args):
			id, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("events: bad --since %q", args[i+1])
			}
			filter.AfterID = id
			i++
		case args[i] == "--limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("events: bad --limit %q", args[i+1])
			}
			filter.Limit = n
			i++
		case args[i] == "--wait":
			waitMode = true
		case args[i] == "--timeout" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("events: bad --timeout %q", args[i+1])
			}
			waitTimeout = n
			i++
		default:
			return fmt.Errorf("events: unknown argument %q", args[i])
		}
	}

	evs, err := a.st.Events(filter)
	if err != nil {
		return err
	}
	if len(evs) > 0 || !waitMode {
		return a.printEvents(evs)
	}

	l, err := wake.NewListener(a.st, wake.WatchInstance)
	if err != nil {
		return err
	}
	defer l.Close()

	deadline := time.Now().Add(time.Duration(waitTimeout) * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || a.ctx.Err() != nil {
			return a.printEvents(nil)
		}
		wait := 2 * time.Second
		if remaining < wait {
			wait = remaining
		}
		l.Wait(a.ctx, wait)

		evs, err := a.st.Events(filter)
		if err != nil {
			return err
		}
		if len(evs) > 0 {
			return a.printEvents(evs)
		}
	}
}

func (a *App) printEvents(evs []store.Event) error {
	if a.format != formatText {
		if evs == nil {
			evs = []store.Event{}
		}
		_, err := a.render(evs)
		return err
	}
	for _, e := range evs {
		fmt.Fprintf(a.stdout, "#%d %s %s %s %v\n", e.ID, e.Timestamp, e.Type, e.Instance, e.Data)
	}
	return nil
}

// runSubscribe adds or removes a subscription for the caller. With no
// arguments it lists the caller's active subscriptions.
func (a *App) runSubscribe(args []string, add bool) error {
	var sub delivery.Subscription
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--glob" && i+1 < len(args):
			sub.Glob = args[i+1]
			i++
		case args[i] == "--agent" && i+1 < len(args):
			sub.Agent = args[i+1]
			i++
		case args[i] == "--action" && i+1 < len(args):
			sub.Action = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && sub.Preset == "":
			sub.Preset = args[i]
		default:
			return fmt.Errorf("subscribe: unknown argument %q", args[i])
		}
	}
	if sub.Preset != "" && !delivery.KnownPreset(sub.Preset) {
		return fmt.Errorf("unknown preset %q (collision, created, stopped, blocked, idle)", sub.Preset)
	}

	id, err := identity.Require(a.st, a.name)
	if err != nil {
		return err
	}

	if add && sub == (delivery.Subscription{}) {
		subs, err := delivery.ActiveSubscriptions(a.st, id.Name)
		if err != nil {
			return err
		}
		if handled, err := a.render(subs); handled {
			return err
		}
		for _, s := range subs {
			fmt.Fprintln(a.stdout, describeSub(s))
		}
		return nil
	}
	if sub == (delivery.Subscription{}) {
		return fmt.Errorf("unsubscribe: nothing to remove")
	}

	verb := "subscribed"
	if add {
		_, err = delivery.Subscribe(a.st, id.Name, sub)
	} else {
		verb = "unsubscribed"
		_, err = delivery.Unsubscribe(a.st, id.Name, sub)
	}
	if err != nil {
		return err
	}

	if handled, err := a.render(map[string]any{"action": verb, "filter": describeSub(sub)}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s\n", verb, describeSub(sub))
	return nil
}

func describeSub(s delivery.Subscription) string {
	var parts []string
	if s.Preset != "" {
		parts = append(parts, s.Preset)
	}
	if s.Glob != "" {
		parts = append(parts, "glob="+s.Glob)
	}
	if s.Agent != "" {
		parts = append(parts, "agent="+s.Agent)
	}
	if s.Action != "" {
		parts = append(parts, "action="+s.Action)
	}
	return strings.Join(parts, " ")
}

// runReset archives the database and starts over. Identity anchors and
// user config survive; everything in the store is replaced.
func (a *App) runReset(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("reset: unknown argument %q", args[0])
	}
	archive, err := a.st.Reset()
	if err != nil {
		return err
	}
	if handled, err := a.render(map[string]any{"archived": archive}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "reset complete; previous database archived to %s\n", archive)
	return nil
}
