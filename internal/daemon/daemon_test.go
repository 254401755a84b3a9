package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hcom-sh/hcom/internal/events"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, paths.Dir) {
	t.Helper()
	dir := paths.Dir(t.TempDir())
	s, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForPort(t *testing.T, st *store.Store) int {
	t.Helper()
	for i := 0; i < 100; i++ {
		if v, _ := st.KVGet(store.KeyDaemonPort); v != "" {
			port, _ := strconv.Atoi(v)
			return port
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon never registered its port")
	return 0
}

func TestRunRegistersAndCleansUp(t *testing.T) {
	st, dir := newTestStore(t)
	d := New(st, dir, nil, events.New(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	port := waitForPort(t, st)
	if ReadPID(dir) == 0 {
		t.Error("pid file not written")
	}
	if !Ping(st) {
		t.Error("trigger port not answering")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}

	if v, _ := st.KVGet(store.KeyDaemonPort); v != "" {
		t.Errorf("port registration survived shutdown: %q", v)
	}
	if ReadPID(dir) != 0 {
		t.Error("pid file survived shutdown")
	}
	if _, err := net.DialTimeout("tcp",
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 50*time.Millisecond); err == nil {
		t.Error("trigger port still open after shutdown")
	}
}

func TestTriggerPingPublishesBusEvent(t *testing.T) {
	st, dir := newTestStore(t)
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	d := New(st, dir, nil, bus, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitForPort(t, st)
	if !relay.NotifyDaemon(st) {
		t.Fatal("notify failed against running daemon")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Source == events.SourceTrigger && e.Kind == events.KindTriggerPing {
				return
			}
		case <-deadline:
			t.Fatal("trigger ping never reached the bus")
		}
	}
}

type logBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (w *logBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func (w *logBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.String()
}

func TestBusEventsMirroredToLog(t *testing.T) {
	st, dir := newTestStore(t)
	var buf logBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := New(st, dir, nil, events.New(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitForPort(t, st)
	if !relay.NotifyDaemon(st) {
		t.Fatal("notify failed against running daemon")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := buf.String()
		if strings.Contains(got, events.KindTriggerPing) &&
			strings.Contains(got, events.KindStarted) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("bus events never mirrored into the log:\n%s", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandledByDaemonSeesRunningDaemon(t *testing.T) {
	st, dir := newTestStore(t)
	d := New(st, dir, nil, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitForPort(t, st)
	if !relay.HandledByDaemon(st) {
		t.Error("running daemon not detected")
	}
}
