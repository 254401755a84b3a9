package store

import "encoding/json"

// Message envelope intents.
const (
	IntentRequest = "request"
	IntentInform  = "inform"
	IntentAck     = "ack"
)

// RelayOrigin marks an event imported from another device.
type RelayOrigin struct {
	Device string `json:"device"`
	Short  string `json:"short"`
	ID     int64  `json:"id"`
}

// Message is the typed view of a message event's data. Fields other
// devices may add in future versions survive a decode/encode round trip
// in Extra.
type Message struct {
	Text         string
	From         string
	Mentions     []string
	Intent       string
	Thread       string
	ReplyToLocal int64
	DeliveredTo  []string
	Relay        *RelayOrigin
	Extra        map[string]any
}

// DecodeMessage interprets raw event data as a message. Unknown keys
// are preserved in Extra.
func DecodeMessage(data map[string]any) *Message {
	m := &Message{}
	for k, v := range data {
		switch k {
		case "text":
			m.Text, _ = v.(string)
		case "from":
			m.From, _ = v.(string)
		case "mentions":
			m.Mentions = toStrings(v)
		case "intent":
			m.Intent, _ = v.(string)
		case "thread":
			m.Thread, _ = v.(string)
		case "reply_to_local":
			m.ReplyToLocal = toInt64(v)
		case "delivered_to":
			m.DeliveredTo = toStrings(v)
		case "_relay":
			m.Relay = decodeRelayOrigin(v)
		default:
			if m.Extra == nil {
				m.Extra = map[string]any{}
			}
			m.Extra[k] = v
		}
	}
	return m
}

// Map renders the message back into event data form. Zero-valued
// optional fields are omitted, matching what senders write.
func (m *Message) Map() map[string]any {
	data := map[string]any{
		"text":     m.Text,
		"from":     m.From,
		"mentions": m.Mentions,
	}
	if m.Mentions == nil {
		data["mentions"] = []string{}
	}
	if m.Intent != "" {
		data["intent"] = m.Intent
	}
	if m.Thread != "" {
		data["thread"] = m.Thread
	}
	if m.ReplyToLocal != 0 {
		data["reply_to_local"] = m.ReplyToLocal
	}
	if m.DeliveredTo != nil {
		data["delivered_to"] = m.DeliveredTo
	}
	if m.Relay != nil {
		data["_relay"] = map[string]any{
			"device": m.Relay.Device,
			"short":  m.Relay.Short,
			"id":     m.Relay.ID,
		}
	}
	for k, v := range m.Extra {
		data[k] = v
	}
	return data
}

// MentionedIn reports whether name appears in the mentions list.
func (m *Message) MentionedIn(name string) bool {
	for _, mention := range m.Mentions {
		if mention == name {
			return true
		}
	}
	return false
}

func decodeRelayOrigin(v any) *RelayOrigin {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	r := &RelayOrigin{ID: toInt64(obj["id"])}
	r.Device, _ = obj["device"].(string)
	r.Short, _ = obj["short"].(string)
	return r
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toInt64(v any) int64 {
	switch vv := v.(type) {
	case int64:
		return vv
	case int:
		return int64(vv)
	case float64:
		return int64(vv)
	case json.Number:
		n, _ := vv.Int64()
		return n
	}
	return 0
}
