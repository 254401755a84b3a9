// Package daemon runs the long-lived hcom background process. The
// daemon owns the MQTT relay connection, a loopback TCP trigger port
// that CLI processes ping to schedule an immediate push, and a
// periodic push fallback. The trigger port doubles as the liveness
// probe target for [relay.HandledByDaemon].
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hcom-sh/hcom/internal/events"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/store"
)

// pushInterval is the fallback push cadence when no trigger arrives.
const pushInterval = 30 * time.Second

// Daemon supervises the relay loop and trigger listener.
type Daemon struct {
	st     *store.Store
	dir    paths.Dir
	client *relay.Client
	bus    *events.Bus
	logger *slog.Logger

	trigger chan struct{}
}

// New assembles a daemon. client may be nil when the relay is not
// configured; the daemon then only serves the trigger port.
func New(st *store.Store, dir paths.Dir, client *relay.Client, bus *events.Bus, logger *slog.Logger) *Daemon {
	return &Daemon{
		st:      st,
		dir:     dir,
		client:  client,
		bus:     bus,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Run starts all daemon loops and blocks until ctx is cancelled. On
// return the pid file and the daemon port registration are cleared and
// the relay has announced departure (handled inside the relay client's
// own shutdown path).
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind trigger port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := d.writePID(); err != nil {
		ln.Close()
		return err
	}

	// Subscribe the log mirror before the first publish so startup
	// events land in the log too.
	var mirror <-chan events.Event
	if d.bus != nil {
		mirror = d.bus.Subscribe(16)
	}

	relay.RegisterDaemonPort(d.st, port, os.Getpid())
	d.logger.Info("daemon started", "port", port, "pid", os.Getpid())
	d.bus.Publish(events.SourceDaemon, events.KindStarted,
		map[string]any{"port": port, "pid": os.Getpid()})

	defer func() {
		relay.UnregisterDaemonPort(d.st)
		os.Remove(d.dir.PID())
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		d.acceptTriggers(ln)
		return nil
	})
	g.Go(func() error {
		d.pushLoop(ctx)
		return nil
	})
	if mirror != nil {
		g.Go(func() error {
			d.mirrorBus(ctx, mirror)
			return nil
		})
	}
	if d.client != nil {
		g.Go(func() error {
			return d.client.Start(ctx)
		})
	}

	err = g.Wait()
	d.bus.Publish(events.SourceDaemon, events.KindStopping, map[string]any{"reason": reasonOf(ctx)})
	d.logger.Info("daemon stopped")
	return err
}

// mirrorBus copies bus traffic into the structured log so operational
// events survive in the daemon log file even with no other subscriber
// attached.
func (d *Daemon) mirrorBus(ctx context.Context, ch <-chan events.Event) {
	defer d.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.logger.Debug("bus event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}
}

// acceptTriggers turns every TCP connect into a coalesced push
// request. The connection carries no payload.
func (d *Daemon) acceptTriggers(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		d.bus.Publish(events.SourceTrigger, events.KindTriggerPing, nil)
		select {
		case d.trigger <- struct{}{}:
		default:
		}
	}
}

// pushLoop publishes on trigger or on the fallback interval, chasing
// has_more until the tail drains.
func (d *Daemon) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.push(ctx, "trigger")
		case <-ticker.C:
			d.push(ctx, "interval")
		}
	}
}

func (d *Daemon) push(ctx context.Context, reason string) {
	if d.client == nil {
		return
	}
	d.bus.Publish(events.SourceRelay, events.KindPushStart, map[string]any{"reason": reason})
	for {
		hasMore, err := d.client.Push(ctx)
		d.bus.Publish(events.SourceRelay, events.KindPushComplete,
			map[string]any{"has_more": hasMore, "ok": err == nil})
		if err != nil {
			d.logger.Warn("relay push failed", "reason", reason, "error", err)
			return
		}
		if !hasMore {
			return
		}
	}
}

func (d *Daemon) writePID() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.dir.PID(), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func reasonOf(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "shutdown"
}

// ReadPID returns the recorded daemon pid, 0 when no pid file exists.
func ReadPID(dir paths.Dir) int {
	raw, err := os.ReadFile(dir.PID())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return pid
}

// Ping reports whether a daemon is serving the trigger port.
func Ping(st *store.Store) bool {
	return relay.NotifyDaemon(st)
}
