// Package dispatch bounds how many queries execute at once.
//
// The queue holds a resizable number of slots. The coordinator runs two of
// them: admission, sized by dispatch capacity, and the executor pool that a
// query must also hold before it runs. A submission that
// finds a free slot (and nobody waiting ahead of it) takes it immediately;
// otherwise it joins the wait list, ordered by arrival time.
//
// Key features:
//   - FIFO hand-off: a released slot goes straight to the longest waiter
//   - Resizable capacity; shrinking never evicts, occupied slots drain
//   - Cooperative interrupt: waiters wake on the session's interrupt signal
//     and on a periodic tick, and consult the pending check every iteration
//
// Wait loop:
//   - Each wake-up (hand-off, interrupt signal, tick) is one iteration
//   - The caller's check decides on which iterations the flag is read
//   - The interrupt signal is consumed once and advances the loop to the
//     next checked iteration
//   - A grant's OnGrant callback runs under the queue lock
//   - A hand-off racing with a failed check is kept by the waiter; one
//     racing with context cancellation is passed on to the next waiter
//
// Nothing here knows about sessions or query state; the coordinator owns those.
package dispatch
