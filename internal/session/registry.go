// Package session tracks which query entries belong to which client session
// and carries the per-session interrupt flag.
//
// All mutations take the write lock and readers only ever see value snapshots,
// so a reader never observes a half-updated session bucket. Every mutation
// also closes a broadcast channel so observers can wait for state changes
// without polling.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrDuplicateEntry = errors.New("duplicate query entry")
	ErrNotRegistered  = errors.New("query entry not registered")
	// ErrSessionInterrupted refuses admission to entries of an interrupted session.
	ErrSessionInterrupted = errors.New("session interrupted")
)

type bucket struct {
	entries     []*Entry
	interrupted atomic.Bool
	// wake is closed once when the session is interrupted.
	wake chan struct{}
}

// Registry maps session ids to their PENDING and RUNNING entries.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*bucket
	byID     map[string]*Entry
	running  []*Entry // admission order
	changed  chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*bucket),
		byID:     make(map[string]*Entry),
		changed:  make(chan struct{}),
	}
}

// broadcastLocked wakes every observer. Caller holds the write lock.
func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Register adds e under sessionID, creating the session bucket if needed.
func (r *Registry) Register(sessionID string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("register: nil entry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[e.ID]; dup {
		return fmt.Errorf("register %s in session %s: %w", e.ID, sessionID, ErrDuplicateEntry)
	}
	b, ok := r.sessions[sessionID]
	if !ok {
		b = &bucket{wake: make(chan struct{})}
		r.sessions[sessionID] = b
	}
	b.entries = append(b.entries, e)
	r.byID[e.ID] = e
	r.broadcastLocked()
	return nil
}

// Deregister removes e. The session disappears, flag included, when its last entry goes.
func (r *Registry) Deregister(sessionID string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	if len(b.entries) == 0 {
		delete(r.sessions, sessionID)
	}
	delete(r.byID, e.ID)
	for i, cur := range r.running {
		if cur == e {
			r.running = append(r.running[:i], r.running[i+1:]...)
			break
		}
	}
	r.broadcastLocked()
}

// MarkRunning transitions a registered PENDING entry to RUNNING. Entries
// of an interrupted session stay PENDING.
func (r *Registry) MarkRunning(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[e.ID] != e {
		return fmt.Errorf("mark running %s: %w", e.ID, ErrNotRegistered)
	}
	if b := r.sessions[e.SessionID]; b != nil && b.interrupted.Load() {
		return fmt.Errorf("mark running %s: %w", e.ID, ErrSessionInterrupted)
	}
	if !e.admit(time.Now().UTC()) {
		return fmt.Errorf("mark running %s: entry is %s", e.ID, e.State())
	}
	r.running = append(r.running, e)
	r.broadcastLocked()
	return nil
}

// CurrentSession returns the session of the most recently admitted entry
// that is still RUNNING.
func (r *Registry) CurrentSession() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.running) == 0 {
		return "", false
	}
	return r.running[len(r.running)-1].SessionID, true
}

// IsEnrolled reports whether sessionID has at least one PENDING or RUNNING entry.
func (r *Registry) IsEnrolled(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[sessionID]
	return ok && len(b.entries) > 0
}

// Entries returns an arrival-ordered snapshot of the session's entries.
func (r *Registry) Entries(sessionID string) []EntrySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[sessionID]
	if !ok {
		return []EntrySummary{}
	}
	out := make([]EntrySummary, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.Summary())
	}
	return out
}

// Sessions lists every enrolled session, sorted by id.
func (r *Registry) Sessions() []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSummary, 0, len(r.sessions))
	for id, b := range r.sessions {
		s := SessionSummary{SessionID: id, Interrupted: b.interrupted.Load()}
		for _, e := range b.entries {
			switch e.State() {
			case StatePending:
				s.Pending++
			case StateRunning:
				s.Running++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SetInterrupt raises the session's interrupt flag and wakes its waiters.
func (r *Registry) SetInterrupt(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.sessions[sessionID]
	if !ok || len(b.entries) == 0 {
		return fmt.Errorf("interrupt %s: %w", sessionID, ErrUnknownSession)
	}
	if b.interrupted.CompareAndSwap(false, true) {
		close(b.wake)
	}
	r.broadcastLocked()
	return nil
}

// Interrupted reads the session's interrupt flag.
func (r *Registry) Interrupted(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[sessionID]
	return ok && b.interrupted.Load()
}

// InterruptSignal returns a channel closed when the session is interrupted.
// It returns nil (blocks forever in a select) for unknown sessions.
func (r *Registry) InterruptSignal(sessionID string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.sessions[sessionID]; ok {
		return b.wake
	}
	return nil
}

// WaitRunning blocks until CurrentSession reports sessionID.
func (r *Registry) WaitRunning(ctx context.Context, sessionID string) error {
	return r.waitFor(ctx, func() bool {
		cur, ok := r.currentLocked()
		return ok && cur == sessionID
	})
}

// WaitEnrolled blocks until sessionID has at least n entries.
func (r *Registry) WaitEnrolled(ctx context.Context, sessionID string, n int) error {
	return r.waitFor(ctx, func() bool {
		b, ok := r.sessions[sessionID]
		return ok && len(b.entries) >= n
	})
}

// WaitGone blocks until sessionID has no entries left.
func (r *Registry) WaitGone(ctx context.Context, sessionID string) error {
	return r.waitFor(ctx, func() bool {
		_, ok := r.sessions[sessionID]
		return !ok
	})
}

func (r *Registry) currentLocked() (string, bool) {
	if len(r.running) == 0 {
		return "", false
	}
	return r.running[len(r.running)-1].SessionID, true
}

// waitFor evaluates cond under the read lock after every mutation.
func (r *Registry) waitFor(ctx context.Context, cond func() bool) error {
	for {
		r.mu.RLock()
		ok := cond()
		ch := r.changed
		r.mu.RUnlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
