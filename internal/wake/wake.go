// Package wake implements the loopback TCP wake mesh that turns
// polling into long-blocking waits. A listener binds an ephemeral port
// and registers it in the store; after logging a routed message, the
// sender connects to each registered port and writes one byte. The
// ping carries no payload and no ordering; it is a liveness hint only,
// and the polling fallback guarantees eventual delivery without it.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hcom-sh/hcom/internal/store"
)

// DialTimeout bounds one wake ping. Refusal or timeout prunes the
// endpoint row.
const DialTimeout = 50 * time.Millisecond

// WatchInstance is the reserved endpoint name for event watchers. It
// never has a roster row; senders ping it after every logged message.
const WatchInstance = "_watch"

// Listener is a registered wake endpoint. Close unregisters it on all
// exit paths; callers defer Close immediately after NewListener.
type Listener struct {
	st       *store.Store
	instance string
	ln       net.Listener
	port     int
	woke     chan struct{}
	done     chan struct{}
}

// NewListener binds an ephemeral loopback port, registers it as a
// notify endpoint for instance, and starts accepting wake pings.
func NewListener(st *store.Store, instance string) (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind wake listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := st.RegisterNotifyPort(instance, port); err != nil {
		ln.Close()
		return nil, err
	}

	l := &Listener{
		st:       st,
		instance: instance,
		ln:       ln,
		port:     port,
		woke:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Port returns the registered port.
func (l *Listener) Port() int { return l.port }

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Listener closed from another goroutine; exit.
			return
		}
		conn.Close()
		select {
		case l.woke <- struct{}{}:
		default:
			// A wake is already pending; coalesce.
		}
	}
}

// Wait blocks until a wake ping arrives, the timeout elapses, or ctx
// is cancelled. It returns true only for a real wake. Callers must
// re-run delivery against the event log after any return; a missed
// wake loses nothing.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.woke:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close unregisters the endpoint and stops the accept loop. Safe to
// call more than once.
func (l *Listener) Close() error {
	err := l.ln.Close()
	<-l.done
	if derr := l.st.DeleteNotifyEndpoint(l.instance, l.port); derr != nil {
		return derr
	}
	return err
}

// Notify wakes every registered listener of one instance. Dead ports
// (refused or timed out) are pruned so the next sender skips them.
// Best effort; errors are logged at debug only.
func Notify(st *store.Store, instance string, logger *slog.Logger) {
	ports, err := st.ListNotifyPorts(instance)
	if err != nil {
		logger.Debug("wake port lookup failed", "instance", instance, "error", err)
		return
	}
	targets := make([]store.NotifyTarget, 0, len(ports))
	for _, p := range ports {
		targets = append(targets, store.NotifyTarget{Instance: instance, Port: p})
	}
	ping(st, dedup(targets), logger)
}

// NotifyAll wakes every registered listener of every roster instance.
// Relay import calls this after applying remote events so local
// instances see them immediately.
func NotifyAll(st *store.Store, logger *slog.Logger) {
	targets, err := st.AllNotifyTargets()
	if err != nil {
		logger.Debug("wake target lookup failed", "error", err)
		return
	}
	ping(st, dedup(targets), logger)
}

// Ping sends wake bytes to explicit ports without touching the store.
// Used after an instance row is already deleted; no pruning.
func Ping(ports []int) {
	for _, port := range ports {
		conn, err := net.DialTimeout("tcp", loopback(port), DialTimeout)
		if err != nil {
			continue
		}
		conn.Write([]byte("\n"))
		conn.Close()
	}
}

func ping(st *store.Store, targets []store.NotifyTarget, logger *slog.Logger) {
	for _, t := range targets {
		conn, err := net.DialTimeout("tcp", loopback(t.Port), DialTimeout)
		if err != nil {
			// Stale endpoint: prune outside any write-lock critical
			// section. Deletes are idempotent.
			if perr := st.DeleteNotifyEndpoint(t.Instance, t.Port); perr != nil {
				logger.Debug("wake prune failed",
					"instance", t.Instance, "port", t.Port, "error", perr)
			}
			continue
		}
		conn.Write([]byte("\n"))
		conn.Close()
	}
}

func dedup(targets []store.NotifyTarget) []store.NotifyTarget {
	seen := make(map[store.NotifyTarget]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if t.Port <= 0 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
}
