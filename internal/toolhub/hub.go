// Package toolhub implements ToolEventHub: a per-session multi-subscriber
// fan-out for harness.Event so SSE feeds and any other observer can watch
// the same tool/thinking/todo event stream without slowing down the
// Translator's forward path.
package toolhub

import (
	"sync"

	"github.com/agcluster/gateway/internal/harness"
)

// subscriberQueueDepth is the bounded high-water mark; a subscriber that
// falls this far behind is disconnected rather than allowed to block
// publication.
const subscriberQueueDepth = 256

// subscriber is one live listener on a session's topic.
type subscriber struct {
	id string
	ch chan *harness.Event
}

// Hub is the ToolEventHub.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
	seq    uint64
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{topics: make(map[string]map[string]*subscriber)}
}

// Subscribe registers a new listener on sessionID's topic. The returned
// channel yields events in publish order starting from the moment of
// subscription; there is no replay of events published before the call.
// Call the returned function to unsubscribe and release the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan *harness.Event, func()) {
	h.mu.Lock()
	h.seq++
	id := subscriberKey(h.seq)
	sub := &subscriber{id: id, ch: make(chan *harness.Event, subscriberQueueDepth)}
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[string]*subscriber)
		h.topics[sessionID] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.topics[sessionID]; ok {
			if s, ok := subs[id]; ok {
				close(s.ch)
				delete(subs, id)
			}
			if len(subs) == 0 {
				delete(h.topics, sessionID)
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans an event out to every live subscriber of sessionID. A
// subscriber whose queue is full is dropped rather than blocked; each send
// is non-blocking, so Publish never waits on a slow reader. The write lock
// is held only for the duration of the non-blocking fan-out, never across
// a channel receive.
func (h *Hub) Publish(sessionID string, event *harness.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sessionID]
	if !ok {
		return
	}
	for id, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			close(sub.ch)
			delete(subs, id)
		}
	}
	if len(subs) == 0 {
		delete(h.topics, sessionID)
	}
}

// SubscriberCount reports how many live subscribers a session's topic has,
// mainly for tests and diagnostics.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

func subscriberKey(seq uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[seq&0xf]
		seq >>= 4
	}
	return string(b)
}
