package pool

import "time"

// waitEntry is one suspended acquirer. ch is buffered so the triggering
// goroutine never blocks handing off a connection, and so a cancelled
// waiter that races a trigger still gets a value it can discard.
type waitEntry[T any] struct {
	ch         chan *ConnHandle[T]
	enqueuedAt time.Time
}

// WaitQueue is a FIFO of acquirers suspended on a single block. It
// doubles as the scheduling input the algorithm reads (Len, Oldest)
// and as the suspension/wakeup mechanism itself.
//
// In the single-threaded cooperative-task source this pool core is
// translated from, lock()/unlock() existed to make a pending waiter
// visible to scheduling decisions *before* the task actually suspended
// at its await point, because those two steps were separated by a
// potential yield. Under this package's single-mutex concurrency model
// (see pool.go) there is no such gap — deciding to wait and enqueuing
// happen inside the same critical section — so Lock/Unlock and the
// FIFO entry list are kept in lockstep here. The separate counter is
// retained because it is part of the scheduling vocabulary the
// algorithm package (§4.5, §4.7) is specified against.
type WaitQueue[T any] struct {
	pending int
	entries []*waitEntry[T]
}

// Lock registers a pending waiter for scheduling purposes.
func (q *WaitQueue[T]) Lock() { q.pending++ }

// Unlock reverses Lock, once a queued waiter has been served or its
// entry has been removed on cancellation.
func (q *WaitQueue[T]) Unlock() { q.pending-- }

// Len returns the current logical waiter count.
func (q *WaitQueue[T]) Len() int { return q.pending }

// Oldest returns the age of the longest-waiting entry, or zero if the
// queue is empty.
func (q *WaitQueue[T]) Oldest(now time.Time) time.Duration {
	if len(q.entries) == 0 {
		return 0
	}
	return now.Sub(q.entries[0].enqueuedAt)
}

// enqueue appends a new suspension point to the back of the FIFO.
func (q *WaitQueue[T]) enqueue(now time.Time) *waitEntry[T] {
	e := &waitEntry[T]{ch: make(chan *ConnHandle[T], 1), enqueuedAt: now}
	q.entries = append(q.entries, e)
	return e
}

// remove cancels a pending entry (used on context cancellation). It
// reports whether the entry was still queued.
func (q *WaitQueue[T]) remove(e *waitEntry[T]) bool {
	for i, x := range q.entries {
		if x == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// trigger wakes the oldest waiter in enqueue order, handing it conn
// directly. It reports whether a waiter was present; when it reports
// false, conn was not consumed and the caller must place it Idle
// instead.
func (q *WaitQueue[T]) trigger(conn *ConnHandle[T]) bool {
	if len(q.entries) == 0 {
		return false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	e.ch <- conn
	return true
}
