// Package delivery owns the message path between the event log and an
// instance's turn: envelope validation at send time, cursor-based
// reads, subscription evaluation, and the formatted batch injected
// into the agent.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hcom-sh/hcom/internal/mention"
	"github.com/hcom-sh/hcom/internal/store"
	"github.com/hcom-sh/hcom/internal/wake"
)

// ErrInvalidEnvelope wraps send-time validation failures. These are
// input errors: nothing is logged to the store.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SendOptions carries the envelope and addressing flags of one send.
type SendOptions struct {
	// Intent is request, inform, or ack. Empty means inform.
	Intent string
	// Thread is an opaque thread id. When empty and ReplyTo is set,
	// the thread is inherited from the replied-to event.
	Thread string
	// ReplyTo is a local event id being answered.
	ReplyTo int64
	// Recipients are explicit targets in addition to @tokens.
	Recipients []string
	// Strict rejects explicit recipients that are not in the roster
	// instead of dropping them.
	Strict bool
	// Attachment carries an optional base64 payload with a display
	// name, stored verbatim in the event data.
	Attachment map[string]any
}

// SendResult reports what one send did.
type SendResult struct {
	EventID  int64
	Mentions []string
}

// Send validates the envelope, routes @tokens against the roster, logs
// the message event, and wakes every recipient. A send that resolves
// zero recipients still logs (audit record); the caller reports
// "0 recipients".
func Send(st *store.Store, sender, text string, opts SendOptions, logger *slog.Logger) (*SendResult, error) {
	switch opts.Intent {
	case "", store.IntentInform, store.IntentRequest:
	case store.IntentAck:
		if opts.ReplyTo == 0 {
			return nil, fmt.Errorf("%w: intent ack requires --reply-to", ErrInvalidEnvelope)
		}
	default:
		return nil, fmt.Errorf("%w: unknown intent %q", ErrInvalidEnvelope, opts.Intent)
	}

	thread := opts.Thread
	if opts.ReplyTo != 0 {
		parent, err := st.EventByID(opts.ReplyTo)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: --reply-to %d: no such event", ErrInvalidEnvelope, opts.ReplyTo)
			}
			return nil, err
		}
		if thread == "" {
			thread = store.DecodeMessage(parent.Data).Thread
		}
	}

	roster, err := st.IterInstances(store.InstanceFilter{})
	if err != nil {
		return nil, err
	}
	routed := mention.Route(text, sender, roster)

	// Explicit recipients merge after @tokens, preserving order.
	known := make(map[string]bool, len(roster))
	for _, inst := range roster {
		known[inst.Name] = true
	}
	for _, name := range opts.Recipients {
		if name == sender {
			continue
		}
		if !known[name] {
			if opts.Strict {
				return nil, fmt.Errorf("%w: unknown recipient %q", ErrInvalidEnvelope, name)
			}
			continue
		}
		if !routed.Recipients[name] {
			routed.Recipients[name] = true
			routed.Mentions = append(routed.Mentions, name)
		}
	}

	msg := &store.Message{
		Text:     text,
		From:     sender,
		Mentions: routed.Mentions,
		Intent:   opts.Intent,
		Thread:   thread,
	}
	if opts.ReplyTo != 0 {
		msg.ReplyToLocal = opts.ReplyTo
	}
	if opts.Attachment != nil {
		msg.Extra = map[string]any{"attachment": opts.Attachment}
	}

	id, err := st.LogEvent(store.TypeMessage, sender, msg.Map())
	if err != nil {
		return nil, err
	}

	// First fan-out: wake each recipient, then record delivered_to for
	// audit. Mentions are never recomputed from the text after this
	// point.
	for _, name := range routed.Mentions {
		wake.Notify(st, name, logger)
	}
	wake.Notify(st, wake.WatchInstance, logger)
	msg.DeliveredTo = routed.Mentions
	if err := st.UpdateEventData(id, msg.Map()); err != nil {
		logger.Warn("record delivered_to failed", "event", id, "error", err)
	}

	return &SendResult{EventID: id, Mentions: routed.Mentions}, nil
}
