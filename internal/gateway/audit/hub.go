// Package audit records proxy activity and fans operational events out to
// live subscribers and, optionally, a Matrix operator room.
package audit

import (
	"strconv"
	"sync"
	"time"
)

// replayRingSize bounds how many past events a late subscriber can catch up
// on via Last-Event-ID.
const replayRingSize = 256

// Event is one entry on the live event stream.  ID is assigned by the hub
// and is strictly monotonic per process.
type Event struct {
	ID        uint64         `json:"id"`
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SSEID renders the event ID for the `id:` frame field.
func (e Event) SSEID() string { return strconv.FormatUint(e.ID, 10) }

// Hub is an in-process publish/subscribe fan-out with a bounded replay
// ring.  Slow subscribers are dropped rather than allowed to block
// publishers.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	ring   []Event
	subs   map[chan Event]subFilter
}

type subFilter struct {
	runID string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		ring: make([]Event, 0, replayRingSize),
		subs: make(map[chan Event]subFilter),
	}
}

// Publish assigns the next ID, records evt on the replay ring and delivers
// it to all matching subscribers.  Delivery never blocks; a subscriber with
// a full channel misses the event and can recover it through replay.
func (h *Hub) Publish(evt Event) Event {
	h.mu.Lock()
	h.nextID++
	evt.ID = h.nextID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(h.ring) == replayRingSize {
		copy(h.ring, h.ring[1:])
		h.ring = h.ring[:replayRingSize-1]
	}
	h.ring = append(h.ring, evt)

	for ch, f := range h.subs {
		if f.runID != "" && f.runID != evt.RunID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
	return evt
}

// Subscribe registers a listener.  runID filters the stream to one run's
// events; empty subscribes to everything.  afterID replays ring events with
// a greater ID before any live delivery (Last-Event-ID resume); pass 0 for
// live-only.  The returned cancel func must be called to release the
// subscription.
func (h *Hub) Subscribe(runID string, afterID uint64) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	for _, evt := range h.ring {
		if evt.ID <= afterID {
			continue
		}
		if runID != "" && runID != evt.RunID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
	h.subs[ch] = subFilter{runID: runID}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
