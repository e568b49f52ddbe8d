package monitor

import (
	"sync"
)

// Hub fans monitor events out to subscribers, keyed by run id. It keeps a small
// per-run ring so late subscribers can replay recent history.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// AllRuns subscribes to every run.
const AllRuns = "*"

// NewHub creates a hub retaining capacity events per run
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for runID (or AllRuns); caller must drain and call Unsubscribe.
func (h *Hub) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		h.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (h *Hub) Unsubscribe(runID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, runID)
		}
	}
}

// Publish records evt and sends it to subscribers without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	rg := h.history[evt.RunID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[evt.RunID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{evt.RunID, AllRuns} {
		for ch := range h.subscribers[key] {
			select {
			case ch <- evt:
			default:
				// Drop if subscriber is slow
			}
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (h *Hub) ReplaySince(runID string, since uint64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a finished run.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	delete(h.history, runID)
	h.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
