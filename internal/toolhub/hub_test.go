package toolhub

import (
	"testing"
	"time"

	"github.com/agcluster/gateway/internal/harness"
)

func TestSubscribePublish(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe("sess-1")
	defer unsubscribe()

	h.Publish("sess-1", &harness.Event{Kind: harness.KindContent, Text: "hi"})

	select {
	case ev := <-ch:
		if ev.Text != "hi" {
			t.Fatalf("expected text 'hi', got %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	h := New()
	h.Publish("sess-none", &harness.Event{Kind: harness.KindContent})
}

func TestPublish_IsolatesSessionTopics(t *testing.T) {
	h := New()
	chA, unsubA := h.Subscribe("sess-a")
	defer unsubA()
	chB, unsubB := h.Subscribe("sess-b")
	defer unsubB()

	h.Publish("sess-a", &harness.Event{Kind: harness.KindContent, Text: "a"})

	select {
	case ev := <-chA:
		if ev.Text != "a" {
			t.Fatalf("unexpected event for sess-a: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on sess-a")
	}

	select {
	case ev := <-chB:
		t.Fatalf("sess-b should not have received sess-a's event, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe("sess-1")
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if got := h.SubscriberCount("sess-1"); got != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", got)
	}
}

func TestPublish_DropsSlowSubscriberInsteadOfBlocking(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe("sess-1")
	defer unsubscribe()

	// Flood past the bounded high-water mark without ever reading ch.
	for i := 0; i < subscriberQueueDepth+10; i++ {
		h.Publish("sess-1", &harness.Event{Kind: harness.KindContent, Text: "x"})
	}

	if got := h.SubscriberCount("sess-1"); got != 0 {
		t.Fatalf("expected overflowing subscriber to be dropped, got count %d", got)
	}

	// The channel should have been closed by the hub, not left dangling.
	drained := 0
	for range ch {
		drained++
	}
	if drained == 0 {
		t.Fatal("expected some buffered events before the channel closed")
	}
}
