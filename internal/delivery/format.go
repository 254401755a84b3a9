package delivery

import (
	"fmt"
	"strings"

	"github.com/hcom-sh/hcom/internal/store"
)

// intentTips are appended the first time an instance receives each
// intent, then never again. Seen-state lives in KV so it survives
// restarts but not a reset.
var intentTips = map[string]string{
	store.IntentRequest: `tip: a request expects an answer; reply with hcom send "@<sender> ..." --reply-to <id>`,
	store.IntentAck:     `tip: an ack closes its thread, no reply is needed`,
}

// FormatBatch renders a delivery batch as the text block injected into
// the agent's turn. Returns "" for an empty batch.
func FormatBatch(st *store.Store, name string, batch *Batch) string {
	if batch.Empty() {
		return ""
	}
	var b strings.Builder
	for i := range batch.Events {
		e := &batch.Events[i]
		if e.Type == store.TypeMessage {
			b.WriteString(formatMessage(e))
			if tip := takeTip(st, name, e); tip != "" {
				b.WriteString("  " + tip + "\n")
			}
		} else {
			b.WriteString(formatEvent(e))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatMessage renders one message as a compact block: header line
// with id, sender, and envelope annotations, then the body indented.
func formatMessage(e *store.Event) string {
	msg := store.DecodeMessage(e.Data)

	header := fmt.Sprintf("[#%d %s", e.ID, msg.From)
	if msg.Intent != "" && msg.Intent != store.IntentInform {
		header += " " + msg.Intent
	}
	if msg.Thread != "" {
		header += " thread=" + msg.Thread
	}
	if msg.ReplyToLocal != 0 {
		header += fmt.Sprintf(" re=#%d", msg.ReplyToLocal)
	}
	header += "]"

	body := strings.TrimRight(msg.Text, "\n")
	if strings.Contains(body, "\n") {
		return header + "\n  " + strings.ReplaceAll(body, "\n", "\n  ") + "\n"
	}
	return header + " " + body + "\n"
}

// formatEvent renders a subscription-matched non-message event as a
// one-line notice.
func formatEvent(e *store.Event) string {
	detail := ""
	switch e.Type {
	case store.TypeFile:
		if p, ok := e.Data["path"].(string); ok {
			detail = p
		}
	case store.TypeStatus:
		if to, ok := e.Data["to"].(string); ok {
			detail = to
		}
	case store.TypeLife:
		if a, ok := e.Data["action"].(string); ok {
			detail = a
		}
	}
	if detail == "" {
		return fmt.Sprintf("[#%d %s %s]\n", e.ID, e.Instance, e.Type)
	}
	return fmt.Sprintf("[#%d %s %s] %s\n", e.ID, e.Instance, e.Type, detail)
}

// takeTip returns the one-time tip for the message's intent, marking it
// seen. Subsequent messages with the same intent get nothing.
func takeTip(st *store.Store, name string, e *store.Event) string {
	msg := store.DecodeMessage(e.Data)
	intent := msg.Intent
	if intent == "" {
		intent = store.IntentInform
	}
	tip, ok := intentTips[intent]
	if !ok {
		return ""
	}
	key := store.PrefixTipSeen + name + "_" + intent
	if seen, _ := st.KVGet(key); seen != "" {
		return ""
	}
	if err := st.KVSet(key, "1"); err != nil {
		return ""
	}
	return tip
}
