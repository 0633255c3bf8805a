package watch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/querygate/internal/events"
)

// QueryState is what the watch knows about one query from the event stream.
type QueryState struct {
	ID        string
	SessionID string
	State     string
	Error     string
	Updated   time.Time
}

// Tracker folds query events into per-query state and running totals.
type Tracker struct {
	queries map[string]*QueryState
	totals  map[string]int
	lastID  int64
}

func NewTracker() *Tracker {
	return &Tracker{
		queries: make(map[string]*QueryState),
		totals:  make(map[string]int),
	}
}

type queryPayload struct {
	QueryID   string `json:"query_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Error     string `json:"error"`
}

// Apply records e. Events at or below the last seen id are ignored so a
// reconnect replay does not double count.
func (t *Tracker) Apply(e events.Event) bool {
	if e.ID != 0 && e.ID <= t.lastID {
		return false
	}
	if e.ID != 0 {
		t.lastID = e.ID
	}

	var p queryPayload
	_ = json.Unmarshal(e.Data, &p)
	if p.QueryID == "" {
		return true
	}

	q, ok := t.queries[p.QueryID]
	if !ok {
		q = &QueryState{ID: p.QueryID, SessionID: p.SessionID}
		t.queries[p.QueryID] = q
	}
	q.State = stateForEvent(e.Type, p.State)
	q.Error = p.Error
	q.Updated = e.At
	t.totals[q.State]++

	// Terminal queries are only kept in the totals.
	switch q.State {
	case "completed", "interrupted", "failed":
		delete(t.queries, p.QueryID)
	}
	return true
}

func stateForEvent(eventType, fallback string) string {
	switch eventType {
	case events.QueryPending:
		return "pending"
	case events.QueryRunning:
		return "running"
	case events.QueryCompleted:
		return "completed"
	case events.QueryInterrupted:
		return "interrupted"
	case events.QueryFailed:
		return "failed"
	}
	return fallback
}

// Active returns the number of queries in state s still in flight.
func (t *Tracker) Active(s string) int {
	n := 0
	for _, q := range t.queries {
		if q.State == s {
			n++
		}
	}
	return n
}

func (t *Tracker) Total(s string) int { return t.totals[s] }

func (t *Tracker) LastID() int64 { return t.lastID }
