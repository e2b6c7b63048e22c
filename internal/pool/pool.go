package pool

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"
)

// PoolConfig is everything needed to construct a Pool: the capacity
// constraints, the tunable knobs, and the adjustment tick interval.
type PoolConfig struct {
	Constraints        Constraints
	Knobs              *Knobs
	AdjustmentInterval time.Duration
	Clock              Clock // nil uses the real wall clock
}

// SuggestedDefaultFor returns a PoolConfig with the given max
// connections and otherwise reasonable production defaults, mirroring
// the reference's PoolConstraints::suggested_default_for.
func SuggestedDefaultFor(max int) PoolConfig {
	return PoolConfig{
		Constraints: Constraints{
			Max:              max,
			MinIdleTimeForGC: 60 * time.Second,
		},
		Knobs:              DefaultKnobs(),
		AdjustmentInterval: 200 * time.Millisecond,
	}
}

// ConsistencyChecks gates the debug-mode block/registry invariant
// assertions run by checkAllConsistency. Tests turn this on; production
// pools built via NewPool leave it at the package default (false). The
// mutating Block/Blocks methods do not run the checks themselves; they
// run only where checkAllConsistency is called.
var ConsistencyChecks = false

// Pool binds a Connector, a Blocks registry, and the algorithm
// together. It is the single point of synchronization for this
// package: every exported method takes the pool mutex for its
// synchronous bookkeeping and releases it before blocking on any
// Connector call or wait-queue receive, per this package's translation
// of the reference's single-threaded-executor design note (§9) to a
// multi-threaded Go runtime.
type Pool[T any] struct {
	mu        sync.Mutex
	connector Connector[T]
	blocks    *Blocks[T]
	drain     *Drain
	cfg       PoolConfig
	clock     Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dirty bool
}

// NewPool constructs a Pool. cfg.Constraints.Max == 0 is rejected, per
// spec.md §8's "pool.max == 0 is rejected at configuration time."
func NewPool[T any](cfg PoolConfig, connector Connector[T]) (*Pool[T], error) {
	if cfg.Constraints.Max <= 0 {
		return nil, fmt.Errorf("pool: constraints.max must be positive, got %d", cfg.Constraints.Max)
	}
	if cfg.Knobs == nil {
		cfg.Knobs = DefaultKnobs()
	}
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = 200 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rootMetrics := NewMetricsAccum(nil)
	p := &Pool[T]{
		connector: connector,
		blocks:    newBlocks[T](rootMetrics),
		drain:     NewDrain(),
		cfg:       cfg,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
	}
	return p, nil
}

// SetKnobs replaces the pool's algorithm weights under the pool mutex,
// safe to call concurrently with Acquire/release/RunOnce. Intended for
// live tuning: callers typically start from a copy of the current
// knobs (via Knobs) and mutate individual fields before calling this.
func (p *Pool[T]) SetKnobs(k *Knobs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Knobs = k
}

// Knobs returns the pool's current algorithm weights under the pool
// mutex. The returned pointer must be treated as read-only by the
// caller; pass a modified copy to SetKnobs rather than mutating fields
// of the returned value in place.
func (p *Pool[T]) Knobs() *Knobs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Knobs
}

func (p *Pool[T]) algo() *AlgoState[T] {
	return &AlgoState[T]{
		Drain:       p.drain,
		Blocks:      p.blocks,
		Constraints: p.cfg.Constraints,
		Knobs:       p.cfg.Knobs,
		Clock:       p.clock,
	}
}

// Run starts the background adjustment loop and blocks until ctx is
// cancelled or Shutdown is called. It is typically run in its own
// goroutine.
func (p *Pool[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce()
		}
	}
}

// RunOnce performs one synchronous adjust+rebalance tick: it recomputes
// block quotas from smoothed demand and dispatches whatever
// create/close/transfer operations PlanRebalance calls for. Exposed
// directly so tests can drive the pool deterministically instead of
// waiting on a wall-clock ticker.
func (p *Pool[T]) RunOnce() {
	p.mu.Lock()
	a := p.algo()
	a.Adjust()
	gc := p.dirty
	p.dirty = false
	ops := a.PlanRebalance(gc)
	p.mu.Unlock()

	for _, op := range ops {
		p.dispatchRebalanceOp(op)
	}
}

// Idle reports whether the pool currently has no live work: no
// Active, Connecting, Reconnecting, Disconnecting, or Waiting
// connections anywhere.
func (p *Pool[T]) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := true
	p.blocks.WithAll(func(_ Name, b *Block[T]) {
		for _, v := range []MetricVariant{Active, Connecting, Reconnecting, Disconnecting, Waiting} {
			if b.Count(v) > 0 {
				idle = false
			}
		}
	})
	return idle
}

// PoolMetrics is a snapshot of pool-wide and per-block metrics.
type PoolMetrics struct {
	Pool    Snapshot
	Blocks  map[Name]Snapshot
	Targets map[Name]int
}

// Metrics returns a point-in-time snapshot safe to hold onto after the
// call returns (it shares no state with the live pool).
func (p *Pool[T]) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := PoolMetrics{
		Pool:    p.blocks.metrics.Snapshot(),
		Blocks:  make(map[Name]Snapshot),
		Targets: make(map[Name]int),
	}
	p.blocks.WithAll(func(name Name, b *Block[T]) {
		out.Blocks[name] = b.metrics.Snapshot()
		out.Targets[name] = b.Target()
	})
	return out
}

// PoolHandle is a leased connection. It guarantees at-most-once
// release: calling Release (directly, or implicitly via garbage
// collection as a last-resort safety net — see the finalizer set in
// wrapHandle) more than once is a no-op after the first call.
type PoolHandle[T any] struct {
	pool     *Pool[T]
	block    *Block[T]
	conn     *ConnHandle[T]
	once     sync.Once
	poisoned bool
}

// Handle returns the underlying connection value.
func (h *PoolHandle[T]) Handle() T { return h.conn.Handle() }

// Poison marks the handle so that, on release, the underlying
// connection is torn down and reopened rather than returned to the
// idle pool directly.
func (h *PoolHandle[T]) Poison() { h.poisoned = true }

// Release returns the connection to the pool. It is idempotent: only
// the first call has any effect, matching the reference's consume-on-
// drop guarantee (Go has no destructors, so callers must call Release
// explicitly — typically via defer — rather than relying on garbage
// collection; see wrapHandle's finalizer for the leak-detection
// fallback modeled on database/sql's *Rows finalizer).
func (h *PoolHandle[T]) Release() {
	h.once.Do(func() {
		runtime.SetFinalizer(h, nil)
		h.pool.release(h.block, h.conn, h.poisoned)
	})
}

func (p *Pool[T]) wrapHandle(block *Block[T], h *ConnHandle[T]) *PoolHandle[T] {
	ph := &PoolHandle[T]{pool: p, block: block, conn: h}
	runtime.SetFinalizer(ph, func(leaked *PoolHandle[T]) {
		log.Printf("[pool] connection handle for block %q garbage-collected without Release; releasing now", leaked.block.name)
		leaked.Release()
	})
	return ph
}

// Acquire binds the caller to a connection scoped to db. It always
// registers the request on the block's wait queue first (the fast path
// inside tryFastPathOrQueue serves it immediately if an Idle connection
// is already available), then consults PlanAcquire (§4.7) to decide
// whether to additionally dispatch a create or cross-block steal in
// the background. On success that connection is handed off through the
// same trigger() mechanism as every other completion
// (block.finishCreate/finishTransferIn), so it goes to whichever
// request has been queued longest — not necessarily the one that
// caused the create or steal to be planned, preserving FIFO within the
// block's wait queue (§8's ordering guarantee). Per §7's propagation
// policy, a Connector failure during *this* create/steal is still
// reported back to the caller that triggered it, even though the
// caller never held the connection — it just never surfaces if some
// other, unrelated completion serves this waiter first.
func (p *Pool[T]) Acquire(ctx context.Context, db string) (*PoolHandle[T], error) {
	name := Name(db)

	p.mu.Lock()
	p.dirty = true
	op := p.algo().PlanAcquire(name)
	if op.Kind == AcquireFailShutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	block := p.blocks.Get(name)
	now := p.clock.Now()
	h, entry := block.tryFastPathOrQueue(now)
	if h != nil {
		p.mu.Unlock()
		return p.wrapHandle(block, h), nil
	}

	var failFast <-chan error
	switch op.Kind {
	case AcquireCreate:
		ch := block.reserveCreate(now)
		p.mu.Unlock()
		failFast = p.dispatchCreateForAcquire(block, ch, string(name))

	case AcquireSteal:
		srcBlock := p.blocks.Get(op.From)
		ch := srcBlock.reserveTransferOut(block, now)
		p.mu.Unlock()
		if ch != nil {
			failFast = p.dispatchTransferForAcquire(block, ch, string(name))
		}
		// Lost the race for srcBlock's idle connection (e.g. a
		// concurrent steal/GC took it): the entry already queued above
		// still gets served by whatever the next rebalance or release
		// produces.

	default: // AcquireWait
		p.mu.Unlock()
	}

	return p.awaitEntry(ctx, block, entry, failFast)
}

// dispatchCreateForAcquire runs Connector.Connect in the background for
// an already-reserved Connecting handle triggered by an acquire
// decision. On success the connection is handed to the block's wait
// queue (not necessarily to this caller); on failure the error is sent
// on the returned channel for the triggering Acquire call to surface.
func (p *Pool[T]) dispatchCreateForAcquire(block *Block[T], h *ConnHandle[T], db string) <-chan error {
	errCh := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.connector.Connect(p.ctx, db)
		p.mu.Lock()
		defer p.mu.Unlock()
		now := p.clock.Now()
		if err != nil {
			block.failCreate(h, now)
			errCh <- &ConnError{Op: "connect", DB: db, Err: err}
			return
		}
		block.finishCreate(h, conn, now)
	}()
	return errCh
}

// dispatchTransferForAcquire is dispatchCreateForAcquire's counterpart
// for an acquire-triggered steal.
func (p *Pool[T]) dispatchTransferForAcquire(dst *Block[T], h *ConnHandle[T], newDB string) <-chan error {
	errCh := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.connector.Reconnect(p.ctx, h.conn, newDB)
		p.mu.Lock()
		defer p.mu.Unlock()
		now := p.clock.Now()
		if err != nil {
			dst.failTransferIn(h, now)
			errCh <- &ConnError{Op: "reconnect", DB: newDB, Err: err}
			return
		}
		dst.finishTransferIn(h, conn, now)
	}()
	return errCh
}

// tryFastPathOrQueue is Block.queue() (§4.4): if no other waiter is
// already ahead and an Idle connection exists, lease it immediately;
// otherwise register a wait-queue entry.
func (b *Block[T]) tryFastPathOrQueue(now time.Time) (*ConnHandle[T], *waitEntry[T]) {
	if b.wait.Len() == 0 {
		if h := b.tryAcquireIdle(now); h != nil {
			return h, nil
		}
	}
	b.wait.Lock()
	b.metrics.Insert(Waiting)
	return nil, b.wait.enqueue(now)
}

// finishAwait completes a successful hand-off: it retires the Waiting
// accounting for entry and wraps h for the caller.
func (p *Pool[T]) finishAwait(block *Block[T], entry *waitEntry[T], h *ConnHandle[T]) *PoolHandle[T] {
	p.mu.Lock()
	block.wait.Unlock()
	block.metrics.RemoveTime(Waiting, p.clock.Now().Sub(entry.enqueuedAt))
	p.mu.Unlock()
	return p.wrapHandle(block, h)
}

// awaitEntry suspends the caller on a wait-queue entry, honoring ctx
// cancellation and, when non-nil, failFast — the error channel from an
// acquire-triggered create/steal that this specific call spawned. A
// connection handed off concurrently with either a failFast error or a
// ctx cancellation is never leaked: it is preferred over the error (a
// different completion served this waiter) or released back to the
// pool on the caller's behalf, respectively.
func (p *Pool[T]) awaitEntry(ctx context.Context, block *Block[T], entry *waitEntry[T], failFast <-chan error) (*PoolHandle[T], error) {
	select {
	case h := <-entry.ch:
		return p.finishAwait(block, entry, h), nil

	case err := <-failFast:
		select {
		case h := <-entry.ch:
			return p.finishAwait(block, entry, h), nil
		default:
		}
		p.mu.Lock()
		if block.wait.remove(entry) {
			block.wait.Unlock()
			block.metrics.RemoveTime(Waiting, p.clock.Now().Sub(entry.enqueuedAt))
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Unlock()
		// Already triggered concurrently with the failure this
		// failFast carries: drain the handoff rather than losing it.
		h := <-entry.ch
		return p.finishAwait(block, entry, h), nil

	case <-ctx.Done():
		p.mu.Lock()
		if block.wait.remove(entry) {
			block.wait.Unlock()
			block.metrics.RemoveTime(Waiting, p.clock.Now().Sub(entry.enqueuedAt))
			p.mu.Unlock()
			return nil, ErrCancelled
		}
		p.mu.Unlock()
		// Already triggered concurrently with the cancellation: drain
		// the handoff and release it rather than leaking a live
		// connection.
		h := <-entry.ch
		p.release(block, h, false)
		return nil, ErrCancelled
	}
}

// release is the internal entry point for both PoolHandle.Release and
// cancellation-time handoff draining. It consults PlanRelease and
// dispatches accordingly; release itself never suspends (§5).
func (p *Pool[T]) release(block *Block[T], h *ConnHandle[T], poisoned bool) {
	p.mu.Lock()
	p.dirty = true
	rt := ReleaseNormal
	if poisoned {
		rt = ReleasePoison
	}
	op := p.algo().PlanRelease(block.name, rt)

	switch op.Kind {
	case ReleaseKeep:
		block.release(h, p.clock.Now())
		p.mu.Unlock()

	case ReleaseReopen:
		now := p.clock.Now()
		block.reserveReopen(h, now)
		p.mu.Unlock()
		p.dispatchReopen(block, h)

	case ReleaseDiscard:
		now := p.clock.Now()
		block.reserveDiscard(h, now)
		p.mu.Unlock()
		p.dispatchDiscard(block, h)

	case ReleaseToOther:
		dst := p.blocks.Get(op.To)
		now := p.clock.Now()
		block.metrics.RemoveTime(h.state, now.Sub(h.stateSince))
		block.removeConn(h)
		h.block = dst.name
		h.state = Reconnecting
		h.stateSince = now
		dst.metrics.Insert(Reconnecting)
		dst.conns = append(dst.conns, h)
		p.mu.Unlock()
		p.dispatchTransferBackground(dst, h, string(op.To))
	}
}

// dispatchReopen runs Connector.Reconnect against the same block (a
// poisoned release) in the background, wiring the result back through
// the block's wait queue rather than to any single caller.
func (p *Pool[T]) dispatchReopen(block *Block[T], h *ConnHandle[T]) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.connector.Reconnect(p.ctx, h.conn, string(block.name))
		p.mu.Lock()
		defer p.mu.Unlock()
		now := p.clock.Now()
		if err != nil {
			log.Printf("[pool] reopen failed for block %q: %v", block.name, err)
			block.failReopen(h, now)
			return
		}
		block.finishReopen(h, conn, now)
	}()
}

func (p *Pool[T]) dispatchDiscard(block *Block[T], h *ConnHandle[T]) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.connector.Disconnect(p.ctx, h.conn); err != nil {
			log.Printf("[pool] discard disconnect failed for block %q: %v", block.name, err)
		}
		p.mu.Lock()
		block.finishDiscard(h, p.clock.Now())
		p.mu.Unlock()
	}()
}

func (p *Pool[T]) dispatchTransferBackground(dst *Block[T], h *ConnHandle[T], newDB string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.connector.Reconnect(p.ctx, h.conn, newDB)
		p.mu.Lock()
		defer p.mu.Unlock()
		now := p.clock.Now()
		if err != nil {
			log.Printf("[pool] transfer to block %q failed: %v", newDB, err)
			dst.failTransferIn(h, now)
			return
		}
		dst.finishTransferIn(h, conn, now)
	}()
}

// dispatchRebalanceOp executes one operation from a PlanRebalance
// result in the background.
func (p *Pool[T]) dispatchRebalanceOp(op RebalanceOp) {
	switch op.Kind {
	case RebalanceCreate:
		p.mu.Lock()
		block := p.blocks.Get(op.Name)
		if block == nil {
			p.mu.Unlock()
			return
		}
		h := block.reserveCreate(p.clock.Now())
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			conn, err := p.connector.Connect(p.ctx, string(op.Name))
			p.mu.Lock()
			defer p.mu.Unlock()
			now := p.clock.Now()
			if err != nil {
				log.Printf("[pool] rebalance create failed for block %q: %v", op.Name, err)
				block.failCreate(h, now)
				return
			}
			block.finishCreate(h, conn, now)
		}()

	case RebalanceClose:
		p.mu.Lock()
		block := p.blocks.Get(op.Name)
		if block == nil {
			p.mu.Unlock()
			return
		}
		h := block.reserveClose(p.clock.Now())
		p.mu.Unlock()
		if h == nil {
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.connector.Disconnect(p.ctx, h.conn); err != nil {
				log.Printf("[pool] close failed for block %q: %v", op.Name, err)
			}
			p.mu.Lock()
			block.finishClose(h, p.clock.Now())
			p.mu.Unlock()
		}()

	case RebalanceTransfer:
		p.mu.Lock()
		src := p.blocks.Get(op.From)
		dst := p.blocks.Get(op.To)
		if src == nil || dst == nil {
			p.mu.Unlock()
			return
		}
		h := src.reserveTransferOut(dst, p.clock.Now())
		p.mu.Unlock()
		if h == nil {
			return
		}
		p.dispatchTransferBackground(dst, h, string(op.To))
	}
}

// Drain forces every subsequent release on db to discard the
// connection instead of returning it to the idle pool, until the
// returned stop function is called. It does not itself block: callers
// that want to wait for db to quiesce should poll Metrics() or Idle().
func (p *Pool[T]) Drain(db string) (stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock := p.drain.lockBlock(Name(db))
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		lock.Release()
	}
}

// DrainAll is Drain scoped to the whole pool.
func (p *Pool[T]) DrainAll() (stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock := p.drain.lockAll()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		lock.Release()
	}
}

// Shutdown sets the terminal shutdown flag: further Acquire calls fail
// with ErrShutdown. It then drives the adjustment loop itself —
// dispatching shutdown-mode RunOnce ticks and waiting for each round of
// background close/discard tasks to land — until every connection the
// pool owns has actually reached Closed and been swept out of its
// blocks, matching the reference's shutdown() looping run_once() until
// pool.idle() before its all-time counters are asserted. Idle() alone
// is not a sufficient stopping condition here: it reports no *live*
// work, but Idle connections waiting to be closed don't count as live
// work either, so Shutdown instead waits for the blocks registry to
// empty out entirely. Only once that happens does it cancel the pool's
// background context and return; Run's ticker loop (selecting on the
// same context) is expected to exit on its own at that point, so
// Shutdown does not depend on it.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	p.drain.Shutdown()
	p.mu.Unlock()

	for p.remaining() > 0 {
		p.RunOnce()
		p.wg.Wait()
		if p.remaining() > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	p.cancel()
	p.wg.Wait()
}

// remaining reports the total number of connection handles still owned
// by any block (Idle, Active, or mid-transition), used by Shutdown to
// decide when the pool has fully drained.
func (p *Pool[T]) remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks.Total()
}

// checkAllConsistency walks every block and the registry and panics if
// any invariant in §4.4/§8 is violated. Intended for test use with
// ConsistencyChecks enabled.
func (p *Pool[T]) checkAllConsistency() {
	if !ConsistencyChecks {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, b := range p.blocks.byName {
		b.checkConsistency()
		total += b.Len()
	}
	if total != p.blocks.Total() {
		panic("pool: registry consistency violated: sum(block.len()) vs pool.Total()")
	}
}

// AssertShutdownComplete verifies the debug-mode assertion from §4.8:
// Connecting_alltime == Disconnecting_alltime == Closed_alltime. It is
// meant to be called once every connection has reached Closed after a
// Shutdown, typically from a test.
func (p *Pool[T]) AssertShutdownComplete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.blocks.metrics
	c, d, cl := m.AllTime(Connecting), m.AllTime(Disconnecting), m.AllTime(Closed)
	if c != d || d != cl {
		return fmt.Errorf("pool: shutdown assertion failed: Connecting=%d Disconnecting=%d Closed=%d", c, d, cl)
	}
	return nil
}
