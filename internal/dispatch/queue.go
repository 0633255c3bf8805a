package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/querygate/internal/log"
)

// DefaultPendingTick is how often a waiter wakes when nothing else happens.
const DefaultPendingTick = 10 * time.Millisecond

// Request describes a submission asking for a slot.
type Request struct {
	EntryID   string
	ArrivedAt time.Time
	// Wake is closed when the owning session is interrupted. May be nil.
	Wake <-chan struct{}
	// Check runs after every wait-loop iteration (1-based). A non-nil error
	// abandons the wait and is returned from Acquire.
	Check func(iteration uint64) error
	// CheckFreq is the iteration stride Check acts on (0 means 1). When Wake
	// fires the loop skips ahead to the next multiple so the flag is read at once.
	CheckFreq uint64
	// OnGrant runs under the queue lock when the slot is handed over, so a
	// state change made there is visible no later than the occupied slot.
	// A non-nil error refuses the slot: it goes to the next waiter and the
	// error is returned from Acquire.
	OnGrant func() error
}

// Lease is proof of an occupied slot. Release it exactly once; extra
// releases are ignored.
type Lease struct {
	EntryID    string
	AcquiredAt time.Time

	q        *Queue
	released atomic.Bool
}

type waiter struct {
	req     Request
	seq     uint64
	granted chan struct{} // closed on grant or refusal
	done    bool          // granted; guarded by Queue.mu
	refused error         // set before granted is closed
}

// Stats is a snapshot of slot usage.
type Stats struct {
	Capacity int `json:"capacity"`
	Occupied int `json:"occupied"`
	Waiting  int `json:"waiting"`
}

// Queue is the bounded admission gate.
type Queue struct {
	mu       sync.RWMutex
	capacity int
	occupied int
	waiters  []*waiter
	seq      uint64

	tick   time.Duration
	logger *slog.Logger
}

// New creates a queue with the given number of slots.
func New(capacity int, tick time.Duration) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dispatch capacity must be >= 1, got %d", capacity)
	}
	if tick <= 0 {
		tick = DefaultPendingTick
	}
	return &Queue{
		capacity: capacity,
		tick:     tick,
		logger:   log.WithComponent("dispatch"),
	}, nil
}

// Resize changes the number of slots. Growing admits waiters right away;
// shrinking lets occupied slots drain before anyone new is admitted.
func (q *Queue) Resize(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("dispatch capacity must be >= 1, got %d", capacity)
	}
	q.mu.Lock()
	old := q.capacity
	q.capacity = capacity
	granted := q.grantLocked()
	q.mu.Unlock()

	q.logger.Info("dispatch queue resized", "from", old, "to", capacity, "granted", granted)
	return nil
}

// Acquire blocks until a slot is handed to the caller, the request's check
// fails, or ctx ends.
func (q *Queue) Acquire(ctx context.Context, req Request) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	check := req.Check
	wake := req.Wake
	if check == nil {
		check = func(uint64) error { return nil }
		wake = nil
	}
	every := req.CheckFreq
	if every == 0 {
		every = 1
	}

	q.mu.Lock()
	if len(q.waiters) == 0 && q.occupied < q.capacity {
		if req.OnGrant != nil {
			if err := req.OnGrant(); err != nil {
				q.mu.Unlock()
				return nil, err
			}
		}
		q.occupied++
		q.mu.Unlock()
		return q.newLease(req.EntryID), nil
	}
	q.seq++
	w := &waiter{req: req, seq: q.seq, granted: make(chan struct{})}
	q.enqueueLocked(w)
	q.mu.Unlock()

	q.logger.Debug("waiting for dispatch slot", "query_id", req.EntryID)

	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	var iteration uint64
	for {
		select {
		case <-w.granted:
			if w.refused != nil {
				return nil, w.refused
			}
			return q.newLease(req.EntryID), nil
		case <-ctx.Done():
			q.abandon(w)
			return nil, ctx.Err()
		case <-wake:
			// Closed channels stay ready; read it once.
			wake = nil
			if r := iteration % every; r != every-1 {
				iteration += every - 1 - r
			}
		case <-ticker.C:
		}
		iteration++
		if err := check(iteration); err != nil {
			if q.withdraw(w) {
				// Granted in the same instant; the grant wins.
				return q.newLease(req.EntryID), nil
			}
			return nil, err
		}
	}
}

// Release frees the lease's slot and hands it to the longest waiter, if any.
func (q *Queue) Release(l *Lease) {
	if l == nil || l.q != q || !l.released.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.occupied--
	q.grantLocked()
	q.mu.Unlock()
}

// Release returns the lease to the queue it came from. Nil leases are ignored.
func (l *Lease) Release() {
	if l != nil && l.q != nil {
		l.q.Release(l)
	}
}

// Stats returns current slot usage.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{Capacity: q.capacity, Occupied: q.occupied, Waiting: len(q.waiters)}
}

// Waiting returns the entry ids of waiters in admission order.
func (q *Queue) Waiting() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.waiters))
	for _, w := range q.waiters {
		out = append(out, w.req.EntryID)
	}
	return out
}

func (q *Queue) newLease(entryID string) *Lease {
	return &Lease{EntryID: entryID, AcquiredAt: time.Now().UTC(), q: q}
}

// enqueueLocked inserts w keeping arrival order; seq breaks ties.
func (q *Queue) enqueueLocked(w *waiter) {
	i := sort.Search(len(q.waiters), func(i int) bool {
		cur := q.waiters[i]
		if cur.req.ArrivedAt.Equal(w.req.ArrivedAt) {
			return cur.seq > w.seq
		}
		return cur.req.ArrivedAt.After(w.req.ArrivedAt)
	})
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = w
}

// grantLocked hands free slots to waiters in order and returns how many it granted.
func (q *Queue) grantLocked() int {
	n := 0
	for q.occupied < q.capacity && len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		if w.req.OnGrant != nil {
			if err := w.req.OnGrant(); err != nil {
				w.refused = err
				close(w.granted)
				continue
			}
		}
		q.occupied++
		w.done = true
		close(w.granted)
		n++
	}
	return n
}

// withdraw removes w from the wait list and reports whether a slot had
// already been handed to it.
func (q *Queue) withdraw(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.done {
		return true
	}
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	return false
}

// abandon withdraws w. A slot already handed to w is passed on.
func (q *Queue) abandon(w *waiter) {
	if !q.withdraw(w) {
		return
	}
	q.mu.Lock()
	q.occupied--
	q.grantLocked()
	q.mu.Unlock()
}
