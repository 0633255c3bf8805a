package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sessionA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sessionB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestRegisterDeregisterLifecycle(t *testing.T) {
	r := NewRegistry()
	e1 := NewEntry("q1", sessionA, "SELECT 1")
	e2 := NewEntry("q2", sessionA, "SELECT 2")

	require.NoError(t, r.Register(sessionA, e1))
	require.NoError(t, r.Register(sessionA, e2))
	assert.True(t, r.IsEnrolled(sessionA))
	assert.False(t, r.IsEnrolled(sessionB))

	entries := r.Entries(sessionA)
	require.Len(t, entries, 2)
	assert.Equal(t, "q1", entries[0].ID)
	assert.Equal(t, StatePending, entries[0].State)

	r.Deregister(sessionA, e1)
	assert.True(t, r.IsEnrolled(sessionA))
	r.Deregister(sessionA, e2)
	assert.False(t, r.IsEnrolled(sessionA))
	assert.Empty(t, r.Entries(sessionA))
	assert.Empty(t, r.Sessions())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	e := NewEntry("q1", sessionA, "SELECT 1")
	require.NoError(t, r.Register(sessionA, e))

	err := r.Register(sessionA, e)
	assert.True(t, errors.Is(err, ErrDuplicateEntry))
	assert.Len(t, r.Entries(sessionA), 1)
}

func TestSetInterruptUnknownSession(t *testing.T) {
	r := NewRegistry()
	err := r.SetInterrupt(sessionA)
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestSetInterruptFlagAndSignal(t *testing.T) {
	r := NewRegistry()
	e := NewEntry("q1", sessionA, "SELECT 1")
	require.NoError(t, r.Register(sessionA, e))

	sig := r.InterruptSignal(sessionA)
	require.NotNil(t, sig)
	assert.False(t, r.Interrupted(sessionA))

	require.NoError(t, r.SetInterrupt(sessionA))
	require.NoError(t, r.SetInterrupt(sessionA))
	assert.True(t, r.Interrupted(sessionA))
	select {
	case <-sig:
	default:
		t.Fatal("interrupt signal not closed")
	}

	// Flag goes away with the session.
	r.Deregister(sessionA, e)
	assert.False(t, r.Interrupted(sessionA))
	require.NoError(t, r.Register(sessionA, NewEntry("q2", sessionA, "SELECT 1")))
	assert.False(t, r.Interrupted(sessionA))
}

func TestMarkRunningAndCurrentSession(t *testing.T) {
	r := NewRegistry()
	a := NewEntry("q1", sessionA, "SELECT 1")
	b := NewEntry("q2", sessionB, "SELECT 1")
	require.NoError(t, r.Register(sessionA, a))
	require.NoError(t, r.Register(sessionB, b))

	_, ok := r.CurrentSession()
	assert.False(t, ok)

	require.NoError(t, r.MarkRunning(a))
	cur, ok := r.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, sessionA, cur)

	require.NoError(t, r.MarkRunning(b))
	cur, _ = r.CurrentSession()
	assert.Equal(t, sessionB, cur)

	assert.Error(t, r.MarkRunning(b), "already running")

	r.Deregister(sessionB, b)
	cur, _ = r.CurrentSession()
	assert.Equal(t, sessionA, cur)

	r.Deregister(sessionA, a)
	_, ok = r.CurrentSession()
	assert.False(t, ok)

	assert.True(t, errors.Is(r.MarkRunning(a), ErrNotRegistered))
}

func TestMarkRunningRefusesInterruptedSession(t *testing.T) {
	r := NewRegistry()
	a := NewEntry("q1", sessionA, "SELECT 1")
	require.NoError(t, r.Register(sessionA, a))
	require.NoError(t, r.SetInterrupt(sessionA))

	err := r.MarkRunning(a)
	assert.True(t, errors.Is(err, ErrSessionInterrupted))
	assert.Equal(t, StatePending, r.Entries(sessionA)[0].State)
	_, ok := r.CurrentSession()
	assert.False(t, ok)
}

func TestSessionsSummary(t *testing.T) {
	r := NewRegistry()
	a1 := NewEntry("q1", sessionA, "x")
	a2 := NewEntry("q2", sessionA, "x")
	b1 := NewEntry("q3", sessionB, "x")
	for _, e := range []*Entry{a1, a2, b1} {
		require.NoError(t, r.Register(e.SessionID, e))
	}
	require.NoError(t, r.MarkRunning(a1))
	require.NoError(t, r.SetInterrupt(sessionB))

	got := r.Sessions()
	require.Len(t, got, 2)
	assert.Equal(t, SessionSummary{SessionID: sessionA, Pending: 1, Running: 1}, got[0])
	assert.Equal(t, SessionSummary{SessionID: sessionB, Pending: 1, Interrupted: true}, got[1])
}

func TestWaitNotifications(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 3)
	go func() { done <- r.WaitEnrolled(ctx, sessionA, 2) }()
	go func() { done <- r.WaitRunning(ctx, sessionA) }()

	e1 := NewEntry("q1", sessionA, "x")
	e2 := NewEntry("q2", sessionA, "x")
	require.NoError(t, r.Register(sessionA, e1))
	require.NoError(t, r.Register(sessionA, e2))
	require.NoError(t, r.MarkRunning(e1))

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	go func() { done <- r.WaitGone(ctx, sessionA) }()
	r.Deregister(sessionA, e1)
	r.Deregister(sessionA, e2)
	require.NoError(t, <-done)
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.WaitRunning(ctx, sessionA)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConcurrentReadersSeeWholeBuckets(t *testing.T) {
	r := NewRegistry()
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, e := range r.Entries(sessionA) {
					if e.SessionID != sessionA {
						t.Errorf("foreign entry %s in bucket", e.ID)
						return
					}
				}
				_ = r.Sessions()
			}
		}()
	}

	var ww sync.WaitGroup
	for w := 0; w < writers; w++ {
		ww.Add(1)
		go func(w int) {
			defer ww.Done()
			for i := 0; i < perWriter; i++ {
				e := NewEntry(fmt.Sprintf("%d-%d", w, i), sessionA, "x")
				if err := r.Register(sessionA, e); err != nil {
					t.Errorf("Register: %v", err)
					return
				}
				r.Deregister(sessionA, e)
			}
		}(w)
	}
	ww.Wait()
	close(stop)
	wg.Wait()
	assert.False(t, r.IsEnrolled(sessionA))
}
