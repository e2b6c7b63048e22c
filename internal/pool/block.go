package pool

import (
	"sort"
	"time"
)

// Block is the per-database aggregate: the set of connection handles
// currently owned by this logical backend, its wait queue, its own
// metrics accumulator (parented to the pool's), and its current quota.
//
// All mutating methods assume the caller holds the owning Pool's
// mutex; see pool.go for the concurrency model this package uses in
// place of the single-threaded cooperative executor the reference
// algorithm was designed against.
type Block[T any] struct {
	name    Name
	conns   []*ConnHandle[T]
	wait    WaitQueue[T]
	metrics *MetricsAccum

	target         int
	demand         rollingAverage
	youngestChange time.Time
}

func newBlock[T any](name Name, parent *MetricsAccum, now time.Time) *Block[T] {
	return &Block[T]{
		name:           name,
		metrics:        NewMetricsAccum(parent),
		youngestChange: now,
	}
}

// Len reports the number of connection handles currently owned by the
// block (Waiting excluded, matching MetricsAccum.Total).
func (b *Block[T]) Len() int { return len(b.conns) }

// IsEmpty reports whether the block owns no connection handles.
func (b *Block[T]) IsEmpty() bool { return len(b.conns) == 0 }

// checkConsistency verifies block.len() == block.connections.size() ==
// sum(block.metrics.counts excluding Waiting). Panics on violation;
// callers gate this behind ConsistencyChecks.
func (b *Block[T]) checkConsistency() {
	if len(b.conns) != b.metrics.Total() {
		panic("pool: block consistency violated: conns vs metrics.Total")
	}
	var counted int
	for v := MetricVariant(0); v < numVariants; v++ {
		if v == Waiting {
			continue
		}
		counted += b.metrics.Count(v)
	}
	if counted != len(b.conns) {
		panic("pool: block consistency violated: per-variant sum vs conns")
	}
}

func (b *Block[T]) removeConn(h *ConnHandle[T]) {
	for i, x := range b.conns {
		if x == h {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}

// idleHandle returns an arbitrary Idle handle owned by the block, or
// nil. Handles are scanned rather than kept in a side list: block
// sizes are bounded by the pool's overall connection cap, so this is
// cheap, and it keeps exactly one source of truth for membership.
func (b *Block[T]) idleHandle() *ConnHandle[T] {
	for _, h := range b.conns {
		if h.state == Idle {
			return h
		}
	}
	return nil
}

// tryAcquireIdle pops an Idle handle and leases it to a caller
// (Idle -> Active), with no I/O involved. It reports nil if no Idle
// handle is currently available.
func (b *Block[T]) tryAcquireIdle(now time.Time) *ConnHandle[T] {
	h := b.idleHandle()
	if h == nil {
		return nil
	}
	h.transition(b.metrics, Active, now)
	b.youngestChange = now
	return h
}

// reserveCreate synchronously reserves a Connecting slot. The caller is
// responsible for dispatching the actual Connector.Connect call and
// calling finishCreate/failCreate on completion.
func (b *Block[T]) reserveCreate(now time.Time) *ConnHandle[T] {
	h := newConnHandle[T](b.name, now)
	b.metrics.Insert(Connecting)
	b.conns = append(b.conns, h)
	return h
}

// finishCreate completes a create: Connecting -> Idle, and triggers the
// wait queue if anyone is waiting (handing the new connection straight
// to them, Idle -> Active in the same step, mirroring the reference's
// "future drives to Idle; on success triggers the block's wait queue").
func (b *Block[T]) finishCreate(h *ConnHandle[T], conn T, now time.Time) {
	h.conn = conn
	h.transition(b.metrics, Idle, now)
	b.youngestChange = now
	b.handOffOrIdle(h, now)
}

// handOffOrIdle delivers a freshly-Idle handle to the oldest queued
// waiter (Idle -> Active) if one exists; otherwise it stays Idle.
func (b *Block[T]) handOffOrIdle(h *ConnHandle[T], now time.Time) {
	if b.wait.trigger(h) {
		h.transition(b.metrics, Active, now)
	}
}

// failCreate marks a reserved Connecting slot as Failed after a
// Connector.Connect error, removing the handle from the block. The
// Failed transition is recorded for all-time accounting and then
// immediately retired (RemoveTime with a zero duration): the handle
// never produced a live connection, so nothing should linger in the
// current count once it is gone from conns.
func (b *Block[T]) failCreate(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Failed, now)
	b.metrics.RemoveTime(Failed, 0)
	b.removeConn(h)
}

// reserveClose picks an Idle handle and moves it to Disconnecting,
// returning it for the caller to dispatch Connector.Disconnect against.
// Reports nil if no Idle handle exists.
func (b *Block[T]) reserveClose(now time.Time) *ConnHandle[T] {
	h := b.idleHandle()
	if h == nil {
		return nil
	}
	h.transition(b.metrics, Disconnecting, now)
	return h
}

// finishClose completes a close: Disconnecting -> Closed, removing the
// handle. Errors are absorbed by the caller (logged, handle still
// removed) per the reference's background-task error policy. Like
// failCreate, the Closed transition is retired immediately after
// recording it: the handle is gone from conns, so nothing should stay
// counted as currently Closed.
func (b *Block[T]) finishClose(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Closed, now)
	b.metrics.RemoveTime(Closed, 0)
	b.removeConn(h)
}

// reserveDiscard moves a specific (already-owned) handle to
// Disconnecting ahead of a Connector.Disconnect call. Used for
// poison/drain discards of a handle that may be Active or Idle.
func (b *Block[T]) reserveDiscard(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Disconnecting, now)
}

func (b *Block[T]) finishDiscard(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Closed, now)
	b.metrics.RemoveTime(Closed, 0)
	b.removeConn(h)
}

// reserveReopen begins a reopen (poison release): Active -> Disconnecting
// -> Connecting, synchronously, before the Connector.Reconnect future
// is dispatched. Both intermediate transitions happen back-to-back
// with no real wait, solely for all-time bookkeeping symmetry with a
// genuine close+reopen, matching the reference's accounting.
func (b *Block[T]) reserveReopen(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Disconnecting, now)
	h.transition(b.metrics, Connecting, now)
}

func (b *Block[T]) finishReopen(h *ConnHandle[T], conn T, now time.Time) {
	h.conn = conn
	h.transition(b.metrics, Idle, now)
	b.youngestChange = now
	b.handOffOrIdle(h, now)
}

func (b *Block[T]) failReopen(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Failed, now)
	b.metrics.RemoveTime(Failed, 0)
	b.removeConn(h)
}

// reserveTransferOut removes an Idle handle from this block ahead of a
// cross-block transfer, transitioning it to Reconnecting. The handle's
// block name is updated to dst's immediately so ownership tracking
// stays unambiguous even while the transfer future is in flight.
func (b *Block[T]) reserveTransferOut(dst *Block[T], now time.Time) *ConnHandle[T] {
	h := b.idleHandle()
	if h == nil {
		return nil
	}
	b.metrics.RemoveTime(Idle, now.Sub(h.stateSince))
	b.removeConn(h)
	h.block = dst.name
	h.state = Reconnecting
	h.stateSince = now
	dst.metrics.Insert(Reconnecting)
	dst.conns = append(dst.conns, h)
	// The Idle residency is retired on b and the Reconnecting state is
	// counted only on dst, so each block's counts keep matching its
	// conns and the pool-wide total is unchanged by the move.
	return h
}

// finishTransferIn completes a cross-block transfer on the destination
// block: Reconnecting -> Idle, triggering dst's wait queue.
func (dst *Block[T]) finishTransferIn(h *ConnHandle[T], conn T, now time.Time) {
	h.conn = conn
	h.transition(dst.metrics, Idle, now)
	dst.youngestChange = now
	dst.handOffOrIdle(h, now)
}

func (dst *Block[T]) failTransferIn(h *ConnHandle[T], now time.Time) {
	h.transition(dst.metrics, Failed, now)
	dst.metrics.RemoveTime(Failed, 0)
	dst.removeConn(h)
}

// release moves a leased handle back to Idle and triggers this block's
// wait queue directly if anyone is queued (Active -> Idle -> Active in
// one step for the woken waiter), otherwise leaves it Idle.
func (b *Block[T]) release(h *ConnHandle[T], now time.Time) {
	h.transition(b.metrics, Idle, now)
	b.handOffOrIdle(h, now)
}

// countOlder returns the number of connections in state v that have
// resided there for at least age.
func (b *Block[T]) countOlder(v MetricVariant, age time.Duration, now time.Time) int {
	var n int
	for _, h := range b.conns {
		if h.state == v && now.Sub(h.stateSince) >= age {
			n++
		}
	}
	return n
}

// --- algorithm view plumbing (§4.5-§4.7) ---

func (b *Block[T]) Total() int                     { return b.metrics.Total() }
func (b *Block[T]) Count(v MetricVariant) int       { return b.metrics.Count(v) }
func (b *Block[T]) MaxCount(v MetricVariant) int    { return b.metrics.Max(v) }
func (b *Block[T]) AvgMS(v MetricVariant) int64     { return b.metrics.AvgMS(v) }
func (b *Block[T]) Target() int                     { return b.target }
func (b *Block[T]) SetTarget(t int)                 { b.target = t }
func (b *Block[T]) Demand() uint32                  { return b.demand.avg() }
func (b *Block[T]) InsertDemand(d uint32)            { b.demand.accum(d) }
func (b *Block[T]) CountOlder(v MetricVariant, age time.Duration, now time.Time) int {
	return b.countOlder(v, age, now)
}
func (b *Block[T]) OldestWaiterMS(now time.Time) int64 {
	return b.wait.Oldest(now).Milliseconds()
}
func (b *Block[T]) YoungestChangeMS(now time.Time) int64 {
	return now.Sub(b.youngestChange).Milliseconds()
}

// Blocks is the keyed registry of blocks, aggregating pool-wide
// metrics and providing lookup plus lazy garbage collection of idle,
// zero-demand blocks.
type Blocks[T any] struct {
	metrics *MetricsAccum
	byName  map[Name]*Block[T]
	order   []Name // insertion order, for deterministic WithAll iteration prior to name-sort tie-breaks
}

func newBlocks[T any](metrics *MetricsAccum) *Blocks[T] {
	return &Blocks[T]{metrics: metrics, byName: make(map[Name]*Block[T])}
}

// EnsureBlock creates the named block (seeded with defaultDemand) if it
// doesn't already exist, reporting whether it created one.
func (r *Blocks[T]) EnsureBlock(db Name, defaultDemand uint32, now time.Time) bool {
	if _, ok := r.byName[db]; ok {
		return false
	}
	b := newBlock[T](db, r.metrics, now)
	b.InsertDemand(defaultDemand)
	r.byName[db] = b
	r.order = append(r.order, db)
	return true
}

// Get returns the named block, or nil if it doesn't exist.
func (r *Blocks[T]) Get(db Name) *Block[T] { return r.byName[db] }

// WithAll visits every block in the registry and, as a side effect of
// the visit, prunes blocks that are empty, have zero demand, and have
// no queued waiters. This
// mirrors the reference registry's with_all, which runs this GC on
// every full iteration rather than only during an explicit rebalance.
func (r *Blocks[T]) WithAll(f func(name Name, b *Block[T])) {
	kept := r.order[:0]
	for _, name := range r.order {
		b := r.byName[name]
		if b.IsEmpty() && b.Demand() == 0 && b.Count(Waiting) == 0 {
			delete(r.byName, name)
			continue
		}
		kept = append(kept, name)
		f(name, b)
	}
	r.order = kept
}

// sortedNames returns block names in ascending order. The selection
// functions in algo.go break their ties by name inline and do not call
// it.
func (r *Blocks[T]) sortedNames() []Name {
	names := make([]Name, 0, len(r.order))
	for _, n := range r.order {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *Blocks[T]) Total() int { return r.metrics.Total() }

func (r *Blocks[T]) ResetMax() { r.metrics.ResetMax() }

func (r *Blocks[T]) BlockCount() int { return len(r.byName) }
