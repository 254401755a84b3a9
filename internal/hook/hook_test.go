package hook

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hcom-sh/hcom/internal/delivery"
	"github.com/hcom-sh/hcom/internal/identity"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(paths.Dir(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boundInstance(t *testing.T, st *store.Store, name, session string) {
	t.Helper()
	if err := st.CreateInstance(&store.Instance{Name: name}); err != nil {
		t.Fatal(err)
	}
	if err := identity.BindSession(st, session, name); err != nil {
		t.Fatal(err)
	}
}

func TestGateOpenWithParticipants(t *testing.T) {
	dir := paths.Dir(t.TempDir())

	if Gate(dir) {
		t.Error("gate passed with an empty roster")
	}

	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	st.CreateInstance(&store.Instance{Name: "luna"})
	st.Close()

	if !Gate(dir) {
		t.Error("gate rejected with a live participant")
	}
}

func TestParseInputArgumentWins(t *testing.T) {
	in, err := ParseInput(strings.NewReader(
		`{"hook_event_name":"post","session_id":"s1","tool_name":"Edit"}`), "pre")
	if err != nil {
		t.Fatal(err)
	}
	if in.HookEventName != "pre" {
		t.Errorf("event = %q, want argument override pre", in.HookEventName)
	}
	if in.ToolName != "Edit" {
		t.Errorf("tool = %q", in.ToolName)
	}
}

func TestUnboundSessionIsNoop(t *testing.T) {
	st := newTestStore(t)
	st.CreateInstance(&store.Instance{Name: "luna"})
	d := New(st, discard())

	out, err := d.Dispatch(&Input{HookEventName: EventPreTool, SessionID: "stranger"})
	if err != nil {
		t.Fatalf("unbound session errored: %v", err)
	}
	if out != "" {
		t.Errorf("unbound session produced output %q", out)
	}
}

func TestPreToolMarksActiveAndDelivers(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	st.CreateInstance(&store.Instance{Name: "nova"})
	delivery.Send(st, "nova", "@luna ready when you are", delivery.SendOptions{}, discard())

	d := New(st, discard())
	out, err := d.Dispatch(&Input{HookEventName: EventPreTool, SessionID: "s1", ToolName: "Bash"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ready when you are") {
		t.Errorf("injection missing pending message:\n%q", out)
	}
	if !strings.HasPrefix(out, "[hcom]") {
		t.Errorf("injection missing banner: %q", out)
	}

	inst, _ := st.GetInstance("luna")
	if inst.Status != store.StatusActive || inst.StatusContext != "tool:Bash" {
		t.Errorf("status = %s/%s", inst.Status, inst.StatusContext)
	}

	tools, _ := st.Events(store.EventFilter{Types: []string{store.TypeTool}})
	if len(tools) != 1 {
		t.Errorf("tool event count = %d", len(tools))
	}
}

func TestPostToolRecordsFileTouch(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	d := New(st, discard())

	_, err := d.Dispatch(&Input{
		HookEventName: EventPostTool, SessionID: "s1", ToolName: "Edit",
		ToolInput: map[string]any{"file_path": "/src/main.go"},
	})
	if err != nil {
		t.Fatal(err)
	}

	files, _ := st.Events(store.EventFilter{Types: []string{store.TypeFile}})
	if len(files) != 1 || files[0].Data["path"] != "/src/main.go" {
		t.Errorf("file events = %v", files)
	}

	// Read-class tools leave no file event.
	d.Dispatch(&Input{
		HookEventName: EventPostTool, SessionID: "s1", ToolName: "Read",
		ToolInput: map[string]any{"file_path": "/src/main.go"},
	})
	files, _ = st.Events(store.EventFilter{Types: []string{store.TypeFile}})
	if len(files) != 1 {
		t.Errorf("read tool logged a file event")
	}
}

func TestNotifyBlocksUnlessSubagentRunning(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	d := New(st, discard())

	d.Dispatch(&Input{HookEventName: EventNotify, SessionID: "s1", Message: "Permission needed"})
	inst, _ := st.GetInstance("luna")
	if inst.Status != store.StatusBlocked {
		t.Fatalf("status = %s, want blocked", inst.Status)
	}

	d.Dispatch(&Input{HookEventName: EventPostTool, SessionID: "s1", ToolName: "Bash"})
	d.Dispatch(&Input{HookEventName: EventSubagentStart, SessionID: "s1", AgentID: "task-1"})
	d.Dispatch(&Input{HookEventName: EventNotify, SessionID: "s1", Message: "Permission denied"})

	inst, _ = st.GetInstance("luna")
	if inst.Status == store.StatusBlocked {
		t.Error("notify blocked the parent during a subagent run")
	}
}

func TestSubagentStopCleansGhost(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	d := New(st, discard())

	d.Dispatch(&Input{HookEventName: EventSubagentStart, SessionID: "s1", AgentID: "task-9"})
	d.Dispatch(&Input{HookEventName: EventSubagentStop, SessionID: "s1", AgentID: "task-9"})

	inst, _ := st.GetInstance("luna")
	if inst.RunningTasks.Active {
		t.Error("running_tasks still active after last subagent stopped")
	}
}

func TestPollIdlesAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	st.CreateInstance(&store.Instance{Name: "nova"})
	delivery.Send(st, "nova", "@luna one", delivery.SendOptions{}, discard())

	d := New(st, discard())
	out, err := d.Dispatch(&Input{HookEventName: EventPoll, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "one") {
		t.Errorf("poll missed pending message: %q", out)
	}

	// Second poll is quiet.
	out, _ = d.Dispatch(&Input{HookEventName: EventPoll, SessionID: "s1"})
	if out != "" {
		t.Errorf("second poll redelivered: %q", out)
	}

	inst, _ := st.GetInstance("luna")
	if inst.Status != store.StatusListening {
		t.Errorf("status = %s, want listening", inst.Status)
	}
}

func TestSessionEndUnbindsAndDeactivates(t *testing.T) {
	st := newTestStore(t)
	boundInstance(t, st, "luna", "s1")
	d := New(st, discard())

	if _, err := d.Dispatch(&Input{HookEventName: EventSessionEnd, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	inst, _ := st.GetInstance("luna")
	if inst.Status != store.StatusInactive || inst.LastStop == 0 {
		t.Errorf("after session end: status=%s last_stop=%f", inst.Status, inst.LastStop)
	}
	if v, _ := st.KVGet(store.PrefixSession + "s1"); v != "" {
		t.Errorf("session binding survived: %q", v)
	}
}
