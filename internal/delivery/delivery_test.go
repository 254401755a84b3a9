package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
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

func mustCreate(t *testing.T, st *store.Store, inst *store.Instance) {
	t.Helper()
	if err := st.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}
}

func TestSendFansOutToEachMention(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})
	mustCreate(t, st, &store.Instance{Name: "gamma"})

	res, err := Send(st, "alpha", "@bravo @gamma hello", SendOptions{}, discard())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(res.Mentions) != 2 || res.Mentions[0] != "bravo" || res.Mentions[1] != "gamma" {
		t.Errorf("mentions = %v, want [bravo gamma]", res.Mentions)
	}

	events, _ := st.Events(store.EventFilter{Types: []string{store.TypeMessage}})
	if len(events) != 1 {
		t.Fatalf("logged %d message events, want 1", len(events))
	}

	bravo, err := Deliver(st, "bravo", true, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(bravo.Events) != 1 {
		t.Fatalf("bravo got %d events, want 1", len(bravo.Events))
	}
	if got := store.DecodeMessage(bravo.Events[0].Data).Text; got != "@bravo @gamma hello" {
		t.Errorf("bravo saw text %q", got)
	}

	// The sender never receives its own message.
	alpha, err := Deliver(st, "alpha", true, discard())
	if err != nil {
		t.Fatal(err)
	}
	if !alpha.Empty() {
		t.Errorf("alpha received own message: %v", alpha.Events)
	}
}

func TestSendWakesEventWatcher(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	l, err := wake.NewListener(st, wake.WatchInstance)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := Send(st, "alpha", "@bravo ping", SendOptions{}, discard()); err != nil {
		t.Fatal(err)
	}

	if !l.Wait(context.Background(), time.Second) {
		t.Error("event watcher never woke on send")
	}
}

func TestTagMentionBroadcastsToGroup(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "api-luna", Tag: "api"})
	mustCreate(t, st, &store.Instance{Name: "api-nova", Tag: "api"})
	mustCreate(t, st, &store.Instance{Name: "web-finn", Tag: "web"})

	res, err := Send(st, "api-luna", "@api- deploy is done", SendOptions{}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Mentions) != 1 || res.Mentions[0] != "api-nova" {
		t.Errorf("mentions = %v, want [api-nova] (sender excluded)", res.Mentions)
	}

	if b, _ := Deliver(st, "web-finn", true, discard()); !b.Empty() {
		t.Errorf("web-finn received tag-addressed message: %v", b.Events)
	}
}

func TestAckRequiresReplyTo(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	_, err := Send(st, "alpha", "@bravo done", SendOptions{Intent: store.IntentAck}, discard())
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Send() error = %v, want ErrInvalidEnvelope", err)
	}

	// Rejected before logging: no event appended.
	events, _ := st.Events(store.EventFilter{})
	if len(events) != 0 {
		t.Errorf("rejected send logged %d events", len(events))
	}
}

func TestUnknownIntentRejected(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})

	_, err := Send(st, "alpha", "hello", SendOptions{Intent: "urgent"}, discard())
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Send() error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestReplyInheritsThread(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	orig, err := Send(st, "alpha", "@bravo can you check this",
		SendOptions{Intent: store.IntentRequest, Thread: "t1"}, discard())
	if err != nil {
		t.Fatal(err)
	}

	reply, err := Send(st, "bravo", "@alpha looks fine",
		SendOptions{ReplyTo: orig.EventID}, discard())
	if err != nil {
		t.Fatal(err)
	}

	e, err := st.EventByID(reply.EventID)
	if err != nil {
		t.Fatal(err)
	}
	msg := store.DecodeMessage(e.Data)
	if msg.Thread != "t1" {
		t.Errorf("reply thread = %q, want inherited t1", msg.Thread)
	}
	if msg.ReplyToLocal != orig.EventID {
		t.Errorf("reply_to = %d, want %d", msg.ReplyToLocal, orig.EventID)
	}
}

func TestReplyToMissingEventRejected(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})

	_, err := Send(st, "alpha", "hello", SendOptions{ReplyTo: 999}, discard())
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Send() error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestExplicitThreadWinsOverInherited(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	orig, _ := Send(st, "alpha", "@bravo hi", SendOptions{Thread: "t1"}, discard())
	reply, err := Send(st, "bravo", "@alpha new topic",
		SendOptions{ReplyTo: orig.EventID, Thread: "t2"}, discard())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := st.EventByID(reply.EventID)
	if got := store.DecodeMessage(e.Data).Thread; got != "t2" {
		t.Errorf("thread = %q, want explicit t2", got)
	}
}

func TestStrictRejectsUnknownRecipient(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})

	_, err := Send(st, "alpha", "hello",
		SendOptions{Recipients: []string{"ghost"}, Strict: true}, discard())
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Send() error = %v, want ErrInvalidEnvelope", err)
	}

	// Without strict the unknown target is dropped but the send logs.
	res, err := Send(st, "alpha", "hello",
		SendOptions{Recipients: []string{"ghost"}}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Mentions) != 0 {
		t.Errorf("mentions = %v, want none", res.Mentions)
	}
}

func TestZeroRecipientSendStillLogs(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})

	res, err := Send(st, "alpha", "note to self", SendOptions{}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EventByID(res.EventID); err != nil {
		t.Errorf("audit event missing: %v", err)
	}
}

func TestDeliveryIsIDFilteredNotTimeFiltered(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	// An event stamped in the past but logged above the cursor is still
	// delivered: selection is by id only.
	msg := &store.Message{Text: "@bravo old clock", From: "alpha", Mentions: []string{"bravo"}}
	old := time.Now().Add(-48 * time.Hour)
	if _, err := st.LogEventAt(store.TypeMessage, "alpha", msg.Map(), old); err != nil {
		t.Fatal(err)
	}

	b, err := Deliver(st, "bravo", true, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Events) != 1 {
		t.Fatalf("got %d events, want the back-dated message", len(b.Events))
	}
}

func TestCursorAdvancesPastExcludedEvents(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})
	mustCreate(t, st, &store.Instance{Name: "gamma"})

	// Addressed to gamma only; bravo scans it, excludes it, and must
	// not see it again.
	Send(st, "alpha", "@gamma for you", SendOptions{}, discard())

	b, err := Deliver(st, "bravo", true, discard())
	if err != nil {
		t.Fatal(err)
	}
	if !b.Empty() {
		t.Fatalf("bravo got %v, want nothing", b.Events)
	}
	inst, _ := st.GetInstance("bravo")
	if inst.LastEventID != b.Cursor || b.Cursor == 0 {
		t.Errorf("cursor = %d (batch %d), want advanced past scanned events",
			inst.LastEventID, b.Cursor)
	}

	// A later mention is delivered exactly once.
	Send(st, "alpha", "@bravo now you", SendOptions{}, discard())
	b, _ = Deliver(st, "bravo", true, discard())
	if len(b.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(b.Events))
	}
	b, _ = Deliver(st, "bravo", true, discard())
	if !b.Empty() {
		t.Error("message delivered twice")
	}
}

func TestPeekDoesNotAdvanceCursor(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	Send(st, "alpha", "@bravo hi", SendOptions{}, discard())

	if b, _ := Deliver(st, "bravo", false, discard()); len(b.Events) != 1 {
		t.Fatalf("peek saw %d events, want 1", len(b.Events))
	}
	// Same message again on the real pass.
	if b, _ := Deliver(st, "bravo", true, discard()); len(b.Events) != 1 {
		t.Error("peek consumed the message")
	}
}

func TestBroadcastReachesOnlyOptedIn(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo", BroadcastListen: true})
	mustCreate(t, st, &store.Instance{Name: "gamma"})

	Send(st, "alpha", "no mentions here", SendOptions{}, discard())

	if b, _ := Deliver(st, "bravo", true, discard()); len(b.Events) != 1 {
		t.Error("opted-in instance missed broadcast")
	}
	if b, _ := Deliver(st, "gamma", true, discard()); !b.Empty() {
		t.Error("opted-out instance received broadcast")
	}
}

func TestSubscriptionDeliversMatchingEvents(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "watcher"})
	mustCreate(t, st, &store.Instance{Name: "worker"})

	if _, err := Subscribe(st, "watcher", Subscription{Glob: "/src/*.go"}); err != nil {
		t.Fatal(err)
	}

	st.LogEvent(store.TypeFile, "worker", map[string]any{"path": "/src/main.go", "action": "edit"})
	st.LogEvent(store.TypeFile, "worker", map[string]any{"path": "/docs/readme.md", "action": "edit"})

	b, err := Deliver(st, "watcher", true, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Events) != 1 {
		t.Fatalf("got %d events, want 1 glob match", len(b.Events))
	}
	if p := b.Events[0].Data["path"]; p != "/src/main.go" {
		t.Errorf("matched path = %v", p)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "watcher"})
	mustCreate(t, st, &store.Instance{Name: "worker"})

	sub := Subscription{Preset: PresetStopped}
	Subscribe(st, "watcher", sub)
	Unsubscribe(st, "watcher", sub)

	st.LogEvent(store.TypeLife, "worker", map[string]any{"action": "stopped"})

	if b, _ := Deliver(st, "watcher", true, discard()); !b.Empty() {
		t.Errorf("unsubscribed preset still delivered: %v", b.Events)
	}
}

func TestPresetMatchesStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "watcher"})
	mustCreate(t, st, &store.Instance{Name: "worker"})

	Subscribe(st, "watcher", Subscription{Preset: PresetBlocked})

	st.LogEvent(store.TypeStatus, "worker", map[string]any{"from": "active", "to": "blocked"})
	st.LogEvent(store.TypeStatus, "worker", map[string]any{"from": "blocked", "to": "active"})

	b, _ := Deliver(st, "watcher", true, discard())
	if len(b.Events) != 1 {
		t.Fatalf("got %d events, want only the blocked transition", len(b.Events))
	}
}

func TestCollisionPresetFlagsConcurrentEdit(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "watcher"})
	mustCreate(t, st, &store.Instance{Name: "worker"})

	Subscribe(st, "watcher", Subscription{Preset: PresetCollision})

	// Watcher touched the file moments ago; worker's edit collides.
	st.LogEvent(store.TypeFile, "watcher", map[string]any{"path": "/src/a.go", "action": "edit"})
	// Drain the watcher's own event.
	Deliver(st, "watcher", true, discard())

	st.LogEvent(store.TypeFile, "worker", map[string]any{"path": "/src/a.go", "action": "edit"})

	b, _ := Deliver(st, "watcher", true, discard())
	if len(b.Events) != 1 {
		t.Fatalf("got %d events, want collision notice", len(b.Events))
	}

	// A lone edit of a different path is not a collision.
	st.LogEvent(store.TypeFile, "worker", map[string]any{"path": "/src/b.go", "action": "edit"})
	if b, _ := Deliver(st, "watcher", true, discard()); !b.Empty() {
		t.Errorf("lone edit flagged as collision: %v", b.Events)
	}
}

func TestFormatBatchAnnotatesEnvelope(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	res, _ := Send(st, "alpha", "@bravo please review",
		SendOptions{Intent: store.IntentRequest, Thread: "t1"}, discard())

	b, _ := Deliver(st, "bravo", true, discard())
	text := FormatBatch(st, "bravo", b)

	for _, want := range []string{"alpha", "request", "thread=t1", "please review"} {
		if !strings.Contains(text, want) {
			t.Errorf("formatted batch missing %q:\n%s", want, text)
		}
	}
	_ = res
}

func TestIntentTipShownOnce(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	Send(st, "alpha", "@bravo first", SendOptions{Intent: store.IntentRequest}, discard())
	b, _ := Deliver(st, "bravo", true, discard())
	first := FormatBatch(st, "bravo", b)
	if !strings.Contains(first, "tip:") {
		t.Fatalf("first request carried no tip:\n%s", first)
	}

	Send(st, "alpha", "@bravo second", SendOptions{Intent: store.IntentRequest}, discard())
	b, _ = Deliver(st, "bravo", true, discard())
	second := FormatBatch(st, "bravo", b)
	if strings.Contains(second, "tip:") {
		t.Errorf("tip repeated:\n%s", second)
	}
}

func TestDeliveredToRecordedForAudit(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &store.Instance{Name: "alpha"})
	mustCreate(t, st, &store.Instance{Name: "bravo"})

	res, _ := Send(st, "alpha", "@bravo hi", SendOptions{}, discard())
	e, _ := st.EventByID(res.EventID)
	msg := store.DecodeMessage(e.Data)
	if len(msg.DeliveredTo) != 1 || msg.DeliveredTo[0] != "bravo" {
		t.Errorf("delivered_to = %v, want [bravo]", msg.DeliveredTo)
	}
}
