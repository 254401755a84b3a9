// Package cli implements the hcom command surface. Every command maps
// one-to-one onto a core operation; parsing stays here, semantics live
// in the internal packages.
//
// Arguments are parsed by hand rather than with the flag package. The
// flag package relies on package-level globals, which makes it
// impossible to drive Run concurrently from tests; the argument
// surface is small enough that manual parsing is clearer than a CLI
// framework.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hcom-sh/hcom/internal/buildinfo"
	"github.com/hcom-sh/hcom/internal/config"
	"github.com/hcom-sh/hcom/internal/delivery"
	"github.com/hcom-sh/hcom/internal/hook"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/store"
)

// Output formats accepted by -o / --output.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// App carries the resolved environment of one CLI invocation.
type App struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	dir    paths.Dir
	cfg    *config.Config
	st     *store.Store
	logger *slog.Logger

	name   string // --name identity override
	format string
}

// Run executes one hcom command. It returns nil on success and a
// non-nil error for input or domain failures; the caller prints the
// error and exits 1.
func Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var name, format, command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--name" && i+1 < len(args):
			name = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--name="):
			name = strings.TrimPrefix(args[i], "--name=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			format = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--output="):
			format = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if format == "" {
		format = formatText
	}
	switch format {
	case formatText, formatJSON, formatYAML:
	default:
		return fmt.Errorf("unknown output format: %q (expected text, json, or yaml)", format)
	}
	if command == "" {
		return printUsage(stdout)
	}

	dir, err := paths.Resolve()
	if err != nil {
		return err
	}
	if err := dir.Ensure(); err != nil {
		return err
	}
	cfg, err := config.Load(dir.Config())
	if err != nil {
		return err
	}

	// Hook fast path: an empty roster means nobody is participating,
	// and the hook must cost the agent as little as possible.
	if command == "hook" && !hook.Gate(dir) {
		return nil
	}

	// CLI paths log to stderr at warn unless the user raises the level.
	level := "warn"
	if os.Getenv("HCOM_LOG_LEVEL") != "" {
		level = cfg.LogLevel
	}

	st, err := store.Open(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	app := &App{
		ctx:    ctx,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		dir:    dir,
		cfg:    cfg,
		st:     st,
		logger: config.NewLogger(stderr, level),
		name:   name,
		format: format,
	}

	switch command {
	case "start":
		return app.runStart(cmdArgs)
	case "stop":
		return app.runStop(cmdArgs)
	case "resume":
		return app.runResume(cmdArgs)
	case "send":
		return app.runSend(cmdArgs)
	case "listen":
		return app.runListen(cmdArgs)
	case "list":
		return app.runList(cmdArgs)
	case "events":
		return app.runEvents(cmdArgs)
	case "subscribe":
		return app.runSubscribe(cmdArgs, true)
	case "unsubscribe":
		return app.runSubscribe(cmdArgs, false)
	case "reset":
		return app.runReset(cmdArgs)
	case "relay":
		return app.runRelay(cmdArgs)
	case "daemon":
		return app.runDaemon(cmdArgs)
	case "hook":
		return app.runHook(cmdArgs)
	case "version":
		return app.runVersion()
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func (a *App) runVersion() error {
	if handled, err := a.render(buildinfo.Info()); handled {
		return err
	}
	fmt.Fprintln(a.stdout, buildinfo.String())
	return nil
}

// render writes v in the structured output format. It returns false
// when the format is text, leaving rendering to the caller.
func (a *App) render(v any) (bool, error) {
	switch a.format {
	case formatJSON:
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		_, err = a.stdout.Write(out)
		return true, err
	}
	return false, nil
}

// flushPending appends undelivered messages after a command's own
// output for instances whose tool has no inline hooks. The cursor
// advance doubles as the read receipt.
func (a *App) flushPending(inst *store.Instance) {
	if inst == nil || a.format != formatText {
		return
	}
	switch inst.Tool {
	case "codex", "adhoc":
	default:
		return
	}
	batch, err := delivery.Deliver(a.st, inst.Name, true, a.logger)
	if err != nil || batch.Empty() {
		return
	}
	fmt.Fprintln(a.stdout, "[hcom]")
	fmt.Fprintln(a.stdout, delivery.FormatBatch(a.st, inst.Name, batch))
	a.st.UpdateInstance(inst.Name, map[string]any{
		"status_context": "delivered",
		"status_time":    epochNow(),
	})
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "hcom - communication bus for coding agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hcom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start [--as NAME]      Register an instance (or restore a stopped one)")
	fmt.Fprintln(w, "  stop [NAME]            Stop an instance, snapshotting its row")
	fmt.Fprintln(w, "  resume NAME            Restore a stopped instance from its snapshot")
	fmt.Fprintln(w, "  send TEXT              Send a message (@name / @tag- routing)")
	fmt.Fprintln(w, "  listen [--timeout N]   Block until a message arrives")
	fmt.Fprintln(w, "  list                   Show the roster")
	fmt.Fprintln(w, "  events                 Query the event log (--wait to block)")
	fmt.Fprintln(w, "  subscribe [PRESET]     Subscribe to event presets or filters")
	fmt.Fprintln(w, "  unsubscribe [PRESET]   Remove a subscription")
	fmt.Fprintln(w, "  reset                  Archive the database and start fresh")
	fmt.Fprintln(w, "  relay <new|connect|off|status>")
	fmt.Fprintln(w, "  daemon <start|stop|ping>")
	fmt.Fprintln(w, "  hook [EVENT]           Hook dispatch entry (reads JSON on stdin)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --name NAME       Act as a specific registered instance")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default), json, or yaml")
	return nil
}
