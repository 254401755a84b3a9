package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hcom-sh/hcom/internal/config"
	"github.com/hcom-sh/hcom/internal/daemon"
	"github.com/hcom-sh/hcom/internal/events"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/status"
	"github.com/hcom-sh/hcom/internal/store"
)

func (a *App) runDaemon(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hcom daemon <start|stop|ping>")
	}
	switch args[0] {
	case "start":
		return a.daemonStart()
	case "stop":
		return a.daemonStop()
	case "ping":
		return a.daemonPing()
	default:
		return fmt.Errorf("daemon: unknown subcommand %q", args[0])
	}
}

// daemonStart runs the daemon in the foreground until interrupted. The
// caller backgrounds the process; the pid file supports `daemon stop`.
func (a *App) daemonStart() error {
	if relay.HandledByDaemon(a.st) {
		return errors.New("daemon already running")
	}

	logFile, err := os.OpenFile(a.dir.Log(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()
	logger := config.NewLogger(logFile, a.cfg.LogLevel)

	var client *relay.Client
	if a.cfg.RelayReady() {
		opts, err := a.relayOptions()
		if err != nil {
			return err
		}
		stop := func(target, initiatedBy string) {
			if err := status.Stop(a.st, target, initiatedBy, "remote stop", logger); err != nil {
				logger.Warn("remote stop failed", "instance", target, "error", err)
			}
		}
		importer := relay.NewImporter(a.st, opts.DeviceUUID, opts.ShortID, stop, logger)
		client = relay.New(a.st, opts, importer, logger)
	}

	ctx, cancel := signal.NotifyContext(a.ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(a.stdout, "hcomd running (log: %s)\n", a.dir.Log())
	d := daemon.New(a.st, a.dir, client, events.New(), logger)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) daemonStop() error {
	pid := daemon.ReadPID(a.dir)
	if pid == 0 {
		return errors.New("daemon not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon pid %d: %w", pid, err)
	}
	fmt.Fprintf(a.stdout, "stopping daemon (pid %d)\n", pid)
	return nil
}

func (a *App) daemonPing() error {
	if !daemon.Ping(a.st) {
		return errors.New("daemon not running")
	}
	port, _ := a.st.KVGet(store.KeyDaemonPort)
	if handled, err := a.render(map[string]any{"running": true, "port": atoiOrZero(port)}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "daemon answering on port %s\n", port)
	return nil
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
