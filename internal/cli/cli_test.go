package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hcom-sh/hcom/internal/config"
	"github.com/hcom-sh/hcom/internal/paths"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/store"
)

func setupDir(t *testing.T) paths.Dir {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HCOM_DIR", dir)
	t.Setenv("HCOM_NAME", "")
	t.Setenv("HCOM_SESSION_ID", "")
	return paths.Dir(dir)
}

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := Run(context.Background(), strings.NewReader(stdin), &out, &errOut, args)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCmd(t, "", args...)
	if err != nil {
		t.Fatalf("hcom %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func openStore(t *testing.T, dir paths.Dir) *store.Store {
	t.Helper()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartRegistersInstance(t *testing.T) {
	dir := setupDir(t)
	out := mustRun(t, "start", "--as", "alpha")
	if strings.TrimSpace(out) != "alpha" {
		t.Errorf("start output = %q", out)
	}

	st := openStore(t, dir)
	inst, err := st.GetInstance("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != store.StatusListening {
		t.Errorf("status = %q, want listening", inst.Status)
	}

	evs, err := st.Events(store.EventFilter{Types: []string{store.TypeLife}})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Data["action"] != "created" {
		t.Errorf("expected one life created event, got %v", evs)
	}
}

func TestStartRejectsDuplicateName(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	if _, err := runCmd(t, "", "start", "--as", "alpha"); err == nil {
		t.Error("duplicate start accepted")
	}
}

func TestStartGeneratesTaggedName(t *testing.T) {
	setupDir(t)
	out := strings.TrimSpace(mustRun(t, "start", "--tag", "api"))
	if !strings.HasPrefix(out, "api-") {
		t.Errorf("generated name %q lacks tag prefix", out)
	}
}

func TestStartRejectsReservedNames(t *testing.T) {
	setupDir(t)
	for _, name := range []string{"_device", "a:b", "has space"} {
		if _, err := runCmd(t, "", "start", "--as", name); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
}

func TestSendRequiresIdentity(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	_, err := runCmd(t, "", "send", "hello")
	if err == nil || !strings.Contains(err.Error(), "start") {
		t.Errorf("expected identity hint, got %v", err)
	}
}

func TestSendFanOutAndListen(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "start", "--as", "bravo")

	out := mustRun(t, "--name", "alpha", "send", "@bravo hello")
	if !strings.Contains(out, "to bravo") {
		t.Errorf("send output = %q", out)
	}

	got := mustRun(t, "--name", "bravo", "listen", "--timeout", "1")
	if !strings.Contains(got, "hello") || !strings.Contains(got, "alpha") {
		t.Errorf("listen output = %q", got)
	}

	// Sender never sees its own message.
	if out := mustRun(t, "--name", "alpha", "listen", "--timeout", "1"); strings.TrimSpace(out) != "" {
		t.Errorf("sender received own message: %q", out)
	}
}

func TestSendZeroRecipientsStillLogs(t *testing.T) {
	dir := setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	out := mustRun(t, "--name", "alpha", "send", "nobody home")
	if !strings.Contains(out, "0 recipients") {
		t.Errorf("send output = %q", out)
	}

	st := openStore(t, dir)
	evs, err := st.Events(store.EventFilter{Types: []string{store.TypeMessage}})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Errorf("message events = %d, want 1 (audit record)", len(evs))
	}
}

func TestSendAckWithoutReplyToFails(t *testing.T) {
	dir := setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	if _, err := runCmd(t, "", "--name", "alpha", "send", "--intent", "ack", "ok"); err == nil {
		t.Fatal("ack without --reply-to accepted")
	}

	st := openStore(t, dir)
	evs, _ := st.Events(store.EventFilter{Types: []string{store.TypeMessage}})
	if len(evs) != 0 {
		t.Errorf("rejected send logged %d events", len(evs))
	}
}

func TestSendStrictUnknownRecipient(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	if _, err := runCmd(t, "", "--name", "alpha", "send", "--strict", "--to", "ghost", "hi"); err == nil {
		t.Error("strict send with unknown recipient accepted")
	}
}

func TestStopAndResumeKeepCursor(t *testing.T) {
	dir := setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "start", "--as", "bravo")
	mustRun(t, "--name", "alpha", "send", "@bravo one")
	mustRun(t, "--name", "bravo", "listen", "--timeout", "1")

	st := openStore(t, dir)
	before, err := st.GetInstance("bravo")
	if err != nil {
		t.Fatal(err)
	}

	mustRun(t, "stop", "bravo")
	if _, err := st.GetInstance("bravo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("row survived stop: %v", err)
	}

	out := mustRun(t, "resume", "bravo")
	if !strings.Contains(out, "resumed bravo") {
		t.Errorf("resume output = %q", out)
	}
	after, err := st.GetInstance("bravo")
	if err != nil {
		t.Fatal(err)
	}
	if after.LastEventID != before.LastEventID {
		t.Errorf("cursor = %d after resume, want %d", after.LastEventID, before.LastEventID)
	}
}

func TestStartRestoresStoppedInstance(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "stop", "alpha")
	out := mustRun(t, "start", "--as", "alpha")
	if !strings.Contains(out, "resumed alpha") {
		t.Errorf("start of stopped instance = %q, want snapshot restore", out)
	}
}

func TestListShowsRoster(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "start", "--as", "bravo")
	out := mustRun(t, "list")
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "bravo") {
		t.Errorf("list output = %q", out)
	}
}

func TestListJSON(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	out := mustRun(t, "-o", "json", "list")

	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("list -o json produced invalid JSON: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0]["name"] != "alpha" {
		t.Errorf("rows = %v", rows)
	}
}

func TestEventsQueryFilters(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "start", "--as", "bravo")
	mustRun(t, "--name", "alpha", "send", "@bravo hi")

	out := mustRun(t, "-o", "json", "events", "--type", "message")
	var evs []store.Event
	if err := json.Unmarshal([]byte(out), &evs); err != nil {
		t.Fatalf("events output: %v\n%s", err, out)
	}
	if len(evs) != 1 || evs[0].Type != store.TypeMessage {
		t.Errorf("events = %v", evs)
	}
}

func TestEventsWaitTimesOutEmpty(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	out := mustRun(t, "-o", "json", "events", "--type", "message", "--wait", "--timeout", "1")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("wait timeout output = %q, want empty list", out)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")

	out := mustRun(t, "--name", "alpha", "subscribe", "blocked")
	if !strings.Contains(out, "subscribed blocked") {
		t.Errorf("subscribe output = %q", out)
	}
	if out := mustRun(t, "--name", "alpha", "subscribe"); !strings.Contains(out, "blocked") {
		t.Errorf("subscription list = %q", out)
	}
	mustRun(t, "--name", "alpha", "unsubscribe", "blocked")
	if out := mustRun(t, "--name", "alpha", "subscribe"); strings.Contains(out, "blocked") {
		t.Errorf("subscription survived unsubscribe: %q", out)
	}
}

func TestSubscribeRejectsUnknownPreset(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	if _, err := runCmd(t, "", "--name", "alpha", "subscribe", "everything"); err == nil {
		t.Error("unknown preset accepted")
	}
}

func TestResetArchivesDatabase(t *testing.T) {
	dir := setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	out := mustRun(t, "reset")
	if !strings.Contains(out, "archived") {
		t.Errorf("reset output = %q", out)
	}

	st := openStore(t, dir)
	has, err := st.HasInstances()
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("roster survived reset")
	}
}

func TestRelayTokenRoundTripThroughConfig(t *testing.T) {
	dir := setupDir(t)
	out := mustRun(t, "relay", "new", "--broker", "mqtts://broker.internal:8883")

	var token string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "join token: "); ok {
			token = rest
		}
	}
	if token == "" {
		t.Fatalf("no join token in output: %q", out)
	}

	cfg, err := config.Load(dir.Config())
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Relay.Enabled || cfg.Relay.Broker != "mqtts://broker.internal:8883" {
		t.Errorf("saved relay config = %+v", cfg.Relay)
	}

	gotID, gotBroker, err := relay.DecodeJoinToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != cfg.Relay.ID || gotBroker != cfg.Relay.Broker {
		t.Errorf("token decodes to (%s, %s), want (%s, %s)",
			gotID, gotBroker, cfg.Relay.ID, cfg.Relay.Broker)
	}
}

func TestRelayConnectJoinsGroup(t *testing.T) {
	dir := setupDir(t)
	token, err := relay.EncodeJoinToken(
		"2b1c9a70-3c44-4a0b-9a58-b8c1f2d3e4f5", "mqtts://broker.internal:8883")
	if err != nil {
		t.Fatal(err)
	}

	mustRun(t, "relay", "connect", token)
	cfg, err := config.Load(dir.Config())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.ID != "2b1c9a70-3c44-4a0b-9a58-b8c1f2d3e4f5" || !cfg.Relay.Enabled {
		t.Errorf("relay config after connect = %+v", cfg.Relay)
	}
}

func TestRelayConnectWithoutTokenOrConfig(t *testing.T) {
	setupDir(t)
	if _, err := runCmd(t, "", "relay", "connect"); err == nil {
		t.Error("connect without config accepted")
	}
}

func TestRelayOffUnconfigured(t *testing.T) {
	setupDir(t)
	if _, err := runCmd(t, "", "relay", "off"); err == nil {
		t.Error("relay off without config accepted")
	}
}

func TestDaemonPingNotRunning(t *testing.T) {
	setupDir(t)
	if _, err := runCmd(t, "", "daemon", "ping"); err == nil {
		t.Error("ping with no daemon succeeded")
	}
}

func TestHookEmptyRosterIsSilent(t *testing.T) {
	setupDir(t)
	out, err := runCmd(t, `{"hook_event_name":"poll","session_id":"s1"}`, "hook")
	if err != nil {
		t.Fatalf("hook on empty roster: %v", err)
	}
	if out != "" {
		t.Errorf("hook output = %q", out)
	}
}

func TestHookDeliversToBoundSession(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha")
	mustRun(t, "start", "--as", "bravo")

	// The first sessionstart of a fresh session resolves through the
	// launcher-exported name and writes the binding.
	t.Setenv("HCOM_NAME", "bravo")
	if _, err := runCmd(t,
		`{"hook_event_name":"sessionstart","session_id":"s-bravo"}`, "hook"); err != nil {
		t.Fatal(err)
	}

	mustRun(t, "--name", "alpha", "send", "@bravo ping")

	out, err := runCmd(t, `{"hook_event_name":"poll","session_id":"s-bravo"}`, "hook")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[hcom]") || !strings.Contains(out, "ping") {
		t.Errorf("hook injection = %q", out)
	}
}

func TestHooklessToolGetsTrailingDelivery(t *testing.T) {
	setupDir(t)
	mustRun(t, "start", "--as", "alpha", "--tool", "codex")
	mustRun(t, "start", "--as", "bravo")
	mustRun(t, "--name", "bravo", "send", "@alpha heads up")

	out := mustRun(t, "--name", "alpha", "send", "@bravo ok")
	if !strings.Contains(out, "[hcom]") || !strings.Contains(out, "heads up") {
		t.Errorf("hookless trailing delivery missing: %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	setupDir(t)
	if _, err := runCmd(t, "", "bogus"); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	setupDir(t)
	if _, err := runCmd(t, "", "-o", "xml", "list"); err == nil {
		t.Error("unknown output format accepted")
	}
}

func TestUsageOnNoArgs(t *testing.T) {
	setupDir(t)
	out, err := runCmd(t, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("no-args output = %q", out)
	}
}
