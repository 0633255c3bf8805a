package session

import (
	"sync"
	"time"
)

// State is the lifecycle state of a query entry.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateFailed
}

// Entry is one submitted query. The coordinator owns it; the registry only
// holds it for lookup and interrupt fan-out.
type Entry struct {
	ID        string
	SessionID string
	Query     string
	ArrivedAt time.Time

	mu         sync.Mutex
	state      State
	admittedAt *time.Time
	finishedAt *time.Time
}

// NewEntry creates a PENDING entry stamped with the current time.
func NewEntry(id, sessionID, query string) *Entry {
	return &Entry{
		ID:        id,
		SessionID: sessionID,
		Query:     query,
		ArrivedAt: time.Now().UTC(),
		state:     StatePending,
	}
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Finish moves the entry to a terminal state. Only the owner calls this,
// after the entry has been deregistered.
func (e *Entry) Finish(s State) {
	now := time.Now().UTC()
	e.mu.Lock()
	e.state = s
	e.finishedAt = &now
	e.mu.Unlock()
}

func (e *Entry) admit(at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePending {
		return false
	}
	e.state = StateRunning
	e.admittedAt = &at
	return true
}

// Summary returns a point-in-time copy of the entry.
func (e *Entry) Summary() EntrySummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySummary{
		ID:         e.ID,
		SessionID:  e.SessionID,
		Query:      e.Query,
		State:      e.state,
		ArrivedAt:  e.ArrivedAt,
		AdmittedAt: e.admittedAt,
		FinishedAt: e.finishedAt,
	}
}

// EntrySummary is a value snapshot of an Entry.
type EntrySummary struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Query      string     `json:"query"`
	State      State      `json:"state"`
	ArrivedAt  time.Time  `json:"arrived_at"`
	AdmittedAt *time.Time `json:"admitted_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SessionSummary describes one enrolled session.
type SessionSummary struct {
	SessionID   string `json:"session_id"`
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	Interrupted bool   `json:"interrupted"`
}
