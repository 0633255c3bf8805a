package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/querygate/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type acquireResult struct {
	lease *Lease
	err   error
}

func acquireAsync(q *Queue, req Request) <-chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		l, err := q.Acquire(context.Background(), req)
		ch <- acquireResult{l, err}
	}()
	return ch
}

func waitForWaiters(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Waiting == n }, 2*time.Second, time.Millisecond)
}

func req(id string) Request {
	return Request{EntryID: id, ArrivedAt: time.Now()}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)
}

func TestCapacityBoundsAdmission(t *testing.T) {
	const k, m = 3, 2
	q, err := New(k, time.Millisecond)
	require.NoError(t, err)

	var leases []*Lease
	for i := 0; i < k; i++ {
		l, err := q.Acquire(context.Background(), req(fmt.Sprintf("run-%d", i)))
		require.NoError(t, err)
		leases = append(leases, l)
	}

	var pending []<-chan acquireResult
	for i := 0; i < m; i++ {
		pending = append(pending, acquireAsync(q, req(fmt.Sprintf("wait-%d", i))))
		waitForWaiters(t, q, i+1)
	}

	assert.Equal(t, Stats{Capacity: k, Occupied: k, Waiting: m}, q.Stats())
	for _, ch := range pending {
		select {
		case <-ch:
			t.Fatal("waiter admitted while queue full")
		case <-time.After(20 * time.Millisecond):
		}
	}

	q.Release(leases[0])
	got := <-pending[0]
	require.NoError(t, got.err)
	assert.Equal(t, "wait-0", got.lease.EntryID)
	assert.Equal(t, Stats{Capacity: k, Occupied: k, Waiting: m - 1}, q.Stats())
}

func TestReleaseGrantsLongestWaiter(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)

	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	base := time.Now()
	// Submitted out of arrival order on purpose.
	late := acquireAsync(q, Request{EntryID: "late", ArrivedAt: base.Add(2 * time.Second)})
	waitForWaiters(t, q, 1)
	early := acquireAsync(q, Request{EntryID: "early", ArrivedAt: base.Add(time.Second)})
	waitForWaiters(t, q, 2)

	assert.Equal(t, []string{"early", "late"}, q.Waiting())

	q.Release(held)
	first := <-early
	require.NoError(t, first.err)

	select {
	case <-late:
		t.Fatal("second waiter admitted without a free slot")
	case <-time.After(20 * time.Millisecond):
	}

	q.Release(first.lease)
	second := <-late
	require.NoError(t, second.err)
	q.Release(second.lease)
	assert.Equal(t, Stats{Capacity: 1}, q.Stats())
}

func TestResizeShrinkDrains(t *testing.T) {
	q, err := New(3, time.Millisecond)
	require.NoError(t, err)

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := q.Acquire(context.Background(), req(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		leases = append(leases, l)
	}
	w := acquireAsync(q, req("waiter"))
	waitForWaiters(t, q, 1)

	require.NoError(t, q.Resize(1))
	assert.Equal(t, 3, q.Stats().Occupied)

	q.Release(leases[0])
	q.Release(leases[1])
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1, Waiting: 1}, q.Stats())

	q.Release(leases[2])
	got := <-w
	require.NoError(t, got.err)
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())
}

func TestResizeGrowAdmitsWaiters(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)
	_, err = q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	a := acquireAsync(q, req("a"))
	waitForWaiters(t, q, 1)
	b := acquireAsync(q, req("b"))
	waitForWaiters(t, q, 2)

	require.NoError(t, q.Resize(3))
	require.NoError(t, (<-a).err)
	require.NoError(t, (<-b).err)
	assert.Equal(t, Stats{Capacity: 3, Occupied: 3}, q.Stats())

	assert.Error(t, q.Resize(0))
}

func TestCheckAbandonsWait(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)
	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	stop := errors.New("stop waiting")
	w := acquireAsync(q, Request{
		EntryID:   "w",
		ArrivedAt: time.Now(),
		Check: func(it uint64) error {
			if it >= 5 {
				return stop
			}
			return nil
		},
	})

	got := <-w
	assert.Nil(t, got.lease)
	assert.Same(t, stop, got.err)
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())

	q.Release(held)
	q.Release(held) // ignored
	assert.Equal(t, Stats{Capacity: 1}, q.Stats())
}

func TestWakeTriggersChecksWithoutTick(t *testing.T) {
	q, err := New(1, time.Hour)
	require.NoError(t, err)
	_, err = q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	wake := make(chan struct{})
	raised := make(chan struct{})
	stop := errors.New("interrupted")
	w := acquireAsync(q, Request{
		EntryID:   "w",
		ArrivedAt: time.Now(),
		Wake:      wake,
		CheckFreq: 10,
		Check: func(it uint64) error {
			select {
			case <-raised:
				if it%10 == 0 {
					return stop
				}
			default:
			}
			return nil
		},
	})
	waitForWaiters(t, q, 1)

	close(raised)
	close(wake)

	select {
	case got := <-w:
		assert.Same(t, stop, got.err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe wake signal")
	}
	assert.Equal(t, 0, q.Stats().Waiting)
}

func TestAcquireContextCancel(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)
	_, err = q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, req("w"))
		done <- err
	}()
	waitForWaiters(t, q, 1)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
	assert.Equal(t, 0, q.Stats().Waiting)
}

func TestAbandonAfterGrantPassesSlotOn(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)
	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	now := time.Now()
	q.mu.Lock()
	first := &waiter{req: Request{EntryID: "first", ArrivedAt: now}, seq: 1, granted: make(chan struct{})}
	second := &waiter{req: Request{EntryID: "second", ArrivedAt: now}, seq: 2, granted: make(chan struct{})}
	q.enqueueLocked(second)
	q.enqueueLocked(first)
	q.mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, q.Waiting())

	q.Release(held)
	<-first.granted

	// first was interrupted in the same instant it was granted.
	q.abandon(first)
	select {
	case <-second.granted:
	default:
		t.Fatal("slot was not passed on to the next waiter")
	}
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())
}

func TestClosedWakeIsConsumedOnce(t *testing.T) {
	q, err := New(1, time.Second)
	require.NoError(t, err)
	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	wake := make(chan struct{})
	close(wake)

	var mu sync.Mutex
	var seen []uint64
	w := acquireAsync(q, Request{
		EntryID:   "w",
		ArrivedAt: time.Now(),
		Wake:      wake,
		CheckFreq: 1000,
		Check: func(it uint64) error {
			mu.Lock()
			seen = append(seen, it)
			mu.Unlock()
			return nil
		},
	})
	waitForWaiters(t, q, 1)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	got := append([]uint64(nil), seen...)
	mu.Unlock()
	// One iteration for the wake, at most one more for a tick.
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 2)
	assert.Equal(t, uint64(1000), got[0])

	q.Release(held)
	require.NoError(t, (<-w).err)
}

func TestOnGrantRunsBeforeHandOffCompletes(t *testing.T) {
	q, err := New(1, time.Hour)
	require.NoError(t, err)

	var fast bool
	held, err := q.Acquire(context.Background(), Request{
		EntryID:   "held",
		ArrivedAt: time.Now(),
		OnGrant: func() error {
			fast = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, fast)

	var granted atomic.Bool
	w := acquireAsync(q, Request{
		EntryID:   "w",
		ArrivedAt: time.Now(),
		OnGrant: func() error {
			granted.Store(true)
			return nil
		},
	})
	waitForWaiters(t, q, 1)
	assert.False(t, granted.Load())

	q.Release(held)
	assert.True(t, granted.Load(), "callback must run before Release returns")
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())
	require.NoError(t, (<-w).err)
}

func TestFailedCheckAfterGrantKeepsSlot(t *testing.T) {
	q, err := New(1, time.Millisecond)
	require.NoError(t, err)
	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	var granted atomic.Bool
	w := acquireAsync(q, Request{
		EntryID:   "w",
		ArrivedAt: time.Now(),
		OnGrant: func() error {
			granted.Store(true)
			return nil
		},
		Check: func(uint64) error {
			if granted.Load() {
				return errors.New("interrupted")
			}
			return nil
		},
	})
	waitForWaiters(t, q, 1)

	q.Release(held)
	got := <-w
	require.NoError(t, got.err)
	require.NotNil(t, got.lease)
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())
	got.lease.Release()
	got.lease.Release() // ignored
	var none *Lease
	none.Release()
	assert.Equal(t, Stats{Capacity: 1}, q.Stats())
}

func TestRefusedGrantPassesSlotOn(t *testing.T) {
	q, err := New(1, time.Hour)
	require.NoError(t, err)

	refuse := errors.New("not admissible")
	_, err = q.Acquire(context.Background(), Request{
		EntryID:   "fast",
		ArrivedAt: time.Now(),
		OnGrant:   func() error { return refuse },
	})
	assert.Same(t, refuse, err)
	assert.Equal(t, Stats{Capacity: 1}, q.Stats())

	held, err := q.Acquire(context.Background(), req("held"))
	require.NoError(t, err)

	base := time.Now()
	first := acquireAsync(q, Request{
		EntryID:   "first",
		ArrivedAt: base,
		OnGrant:   func() error { return refuse },
	})
	waitForWaiters(t, q, 1)
	second := acquireAsync(q, Request{EntryID: "second", ArrivedAt: base.Add(time.Second)})
	waitForWaiters(t, q, 2)

	q.Release(held)
	got := <-first
	assert.Nil(t, got.lease)
	assert.Same(t, refuse, got.err)

	next := <-second
	require.NoError(t, next.err)
	assert.Equal(t, "second", next.lease.EntryID)
	assert.Equal(t, Stats{Capacity: 1, Occupied: 1}, q.Stats())
}
