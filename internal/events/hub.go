// Package events fans engine lifecycle notifications out to live watchers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	QueryPending     = "query.pending"
	QueryRunning     = "query.running"
	QueryCompleted   = "query.completed"
	QueryFailed      = "query.failed"
	QueryInterrupted = "query.interrupted"
	SessionInterrupt = "session.interrupt"
	DispatchResized  = "dispatch.resized"
	JanitorTick      = "janitor.tick"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the narrow side of the hub that producers depend on.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can
// catch up from a Last-Event-ID.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	head  int
	count int

	subs      map[int]chan Event
	nextSubID int
	bufSize   int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring:    make([]Event, capacity),
		subs:    make(map[int]chan Event),
		bufSize: 128,
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so ring order matches ID order.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.appendLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers drop events rather than stall the engine.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live subscriber. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) appendLocked(ev Event) {
	n := len(h.ring)
	if h.count < n {
		h.ring[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % n
}
