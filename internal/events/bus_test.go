package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(SourceRelay, KindPushComplete, map[string]any{"ok": true})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Source != SourceRelay || e.Kind != KindPushComplete {
				t.Errorf("subscriber %d got %s/%s", i, e.Source, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(SourceTrigger, KindTriggerPing, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(SourceDaemon, KindStarted, nil)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("nil bus subscriber count = %d", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d after unsubscribe", n)
	}
}
