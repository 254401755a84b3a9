// Package events provides a publish/subscribe bus for the daemon's
// operational events. Components (relay loop, trigger listener, push
// scheduler) publish; subscribers (log mirror, future status stream)
// consume. Distinct from the durable store event log: this bus is
// in-memory, lossy, and process-local. It is nil-safe: Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which daemon component published an event.
const (
	// SourceRelay identifies events from the MQTT relay loop.
	SourceRelay = "relay"
	// SourceDaemon identifies events from daemon supervision.
	SourceDaemon = "daemon"
	// SourceTrigger identifies events from the TCP trigger listener.
	SourceTrigger = "trigger"
)

// Kind constants describe the type of event within a source.
const (
	// KindPushStart signals the beginning of a relay push.
	// Data: reason.
	KindPushStart = "push_start"
	// KindPushComplete signals a finished relay push.
	// Data: has_more, ok.
	KindPushComplete = "push_complete"
	// KindTriggerPing signals a CLI process requested an immediate push.
	KindTriggerPing = "trigger_ping"
	// KindStarted signals the daemon finished startup.
	// Data: port, pid.
	KindStarted = "started"
	// KindStopping signals shutdown has begun.
	// Data: reason.
	KindStopping = "stopping"
)

// Event is a single operational event published by a daemon component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so that
	// Unsubscribe can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
