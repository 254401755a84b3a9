package delivery

import (
	"log/slog"

	"github.com/hcom-sh/hcom/internal/store"
)

// fetchLimit caps one delivery scan. The cursor advances past what was
// scanned, so a busy log drains over successive calls.
const fetchLimit = 500

// Batch is the outcome of one delivery pass for one instance.
type Batch struct {
	// Events are the records addressed to the instance, ascending id.
	Events []store.Event
	// Cursor is the highest event id scanned, whether or not anything
	// was addressed. It equals the previous cursor when the log had
	// nothing new.
	Cursor int64
}

// Empty reports whether the pass found nothing to inject.
func (b *Batch) Empty() bool { return len(b.Events) == 0 }

// Deliver scans the event log above the instance's cursor and selects
// what the instance should see: messages that mention it, broadcasts
// when it opted in, and any event matched by one of its subscriptions.
// Selection is by event id, never by timestamp, so events logged out of
// clock order are still seen exactly once.
//
// When advance is true the cursor moves to the highest scanned id even
// if every scanned event was excluded; excluded events are gone for
// good. Peeking (events --last, status lines) passes advance=false.
func Deliver(st *store.Store, name string, advance bool, logger *slog.Logger) (*Batch, error) {
	inst, err := st.GetInstance(name)
	if err != nil {
		return nil, err
	}

	events, err := st.Events(store.EventFilter{
		AfterID: inst.LastEventID,
		Limit:   fetchLimit,
	})
	if err != nil {
		return nil, err
	}

	batch := &Batch{Cursor: inst.LastEventID}
	if len(events) == 0 {
		return batch, nil
	}
	batch.Cursor = events[len(events)-1].ID

	subs, err := ActiveSubscriptions(st, name)
	if err != nil {
		return nil, err
	}

	for i := range events {
		e := &events[i]
		if addressed(st, inst, subs, e) {
			batch.Events = append(batch.Events, *e)
		}
	}

	if advance {
		err := st.UpdateInstance(name, map[string]any{
			"last_event_id": batch.Cursor,
		})
		if err != nil {
			// A failed advance means redelivery next pass, not loss.
			logger.Warn("cursor advance failed", "instance", name, "error", err)
		}
	}
	return batch, nil
}

// addressed decides whether one scanned event belongs in the batch.
func addressed(st *store.Store, inst *store.Instance, subs []Subscription, e *store.Event) bool {
	// Never replay an instance's own events back at it.
	if e.Instance == inst.Name {
		return false
	}

	if e.Type == store.TypeMessage {
		msg := store.DecodeMessage(e.Data)
		if msg.From == inst.Name {
			return false
		}
		if msg.MentionedIn(inst.Name) {
			return true
		}
		// An unaddressed message is a broadcast; only opted-in
		// instances hear it.
		if len(msg.Mentions) == 0 && inst.BroadcastListen {
			return true
		}
		return matchesAny(st, subs, e)
	}

	// Reserved pseudo-instances and non-message traffic reach an
	// instance only through an explicit subscription.
	return matchesAny(st, subs, e)
}
