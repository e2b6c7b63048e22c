package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lattice-db/connpool/connector"
)

func newTestPool(t *testing.T, max int) (*Pool[*connector.SimConn], *connector.SimConnector) {
	t.Helper()
	ConsistencyChecks = true
	sim := connector.NewSimConnector()
	p, err := NewPool(SuggestedDefaultFor(max), sim)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p, sim
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Handle().DB != "db1" {
		t.Fatalf("Handle().DB = %q, want %q", h.Handle().DB, "db1")
	}
	p.checkAllConsistency()

	h.Release()
	p.checkAllConsistency()

	if !p.Idle() {
		t.Fatal("pool should be idle after the only handle is released")
	}
	m := p.Metrics()
	if got := m.Blocks["db1"].Current[Idle]; got != 1 {
		t.Fatalf("Blocks[db1].Current[Idle] = %d, want 1", got)
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 2)
	h, err := p.Acquire(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release() // must not double-decrement or panic
	m := p.Metrics()
	if got := m.Blocks["db1"].Current[Idle]; got != 1 {
		t.Fatalf("Blocks[db1].Current[Idle] = %d, want 1 after redundant Release calls", got)
	}
}

func TestPoolAcquireFailsAfterShutdown(t *testing.T) {
	p, _ := newTestPool(t, 2)
	p.Shutdown()

	_, err := p.Acquire(context.Background(), "db1")
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestPoolAcquireSurfacesConnectorError(t *testing.T) {
	p, sim := newTestPool(t, 2)
	sim.FailNextConnect()

	_, err := p.Acquire(context.Background(), "db1")
	if err == nil {
		t.Fatal("expected an error when the connector's Connect call fails")
	}
	var connErr *ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want a *ConnError", err)
	}
	if connErr.Op != "connect" || connErr.DB != "db1" {
		t.Fatalf("connErr = %+v, want Op=connect DB=db1", connErr)
	}

	if !p.Idle() {
		t.Fatal("a failed create should leave the pool idle, not leak a half-open connection")
	}
}

func TestPoolAcquireContextCancelWhileWaiting(t *testing.T) {
	p, _ := newTestPool(t, 1)
	h, err := p.Acquire(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, "db1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled for an already-cancelled waiter", err)
	}

	h.Release()
	if !p.Idle() {
		t.Fatal("pool should be idle once the only lease is released")
	}
}

func TestPoolDrainDiscardsReleasedConnection(t *testing.T) {
	p, _ := newTestPool(t, 2)
	h, err := p.Acquire(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	stop := p.Drain("db1")
	h.Release()
	p.wg.Wait()
	p.checkAllConsistency()

	m := p.Metrics()
	if got := m.Blocks["db1"].Current[Idle]; got != 0 {
		t.Fatalf("Blocks[db1].Current[Idle] = %d, want 0 (draining release should discard, not idle)", got)
	}
	stop()
}

func TestPoolShutdownDrivesAllConnectionsToClosed(t *testing.T) {
	p, _ := newTestPool(t, 3)
	ctx := context.Background()

	var handles []*PoolHandle[*connector.SimConn]
	for _, db := range []string{"a", "b", "c"} {
		h, err := p.Acquire(ctx, db)
		if err != nil {
			t.Fatalf("Acquire(%s): %v", db, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}
	if !p.Idle() {
		t.Fatal("pool should be idle once every lease is released")
	}

	p.Shutdown()
	p.checkAllConsistency()

	if err := p.AssertShutdownComplete(); err != nil {
		t.Fatalf("AssertShutdownComplete: %v", err)
	}
	if !p.Idle() {
		t.Fatal("pool should remain idle after shutdown closes every connection")
	}
}

func TestPoolAcquireStealsFromIdleBlockWhenFull(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "donor")
	if err != nil {
		t.Fatalf("Acquire(donor): %v", err)
	}
	h1.Release()
	p.checkAllConsistency()

	h2, err := p.Acquire(ctx, "needer")
	if err != nil {
		t.Fatalf("Acquire(needer): %v", err)
	}
	if h2.Handle().DB != "needer" {
		t.Fatalf("Handle().DB = %q, want %q", h2.Handle().DB, "needer")
	}
	p.checkAllConsistency()
	h2.Release()
}

func TestPoolAcquireCreateHandsOffToOldestQueuedWaiterFirst(t *testing.T) {
	p, _ := newTestPool(t, 5)
	now := p.clock.Now()

	p.mu.Lock()
	p.blocks.EnsureBlock(Name("db1"), 0, now)
	block := p.blocks.Get(Name("db1"))
	block.wait.Lock()
	olderEntry := block.wait.enqueue(now)
	block.metrics.Insert(Waiting)
	p.mu.Unlock()

	// This Acquire call is the one whose room in the pool causes
	// PlanAcquire to plan a Create, but it is not the oldest queued
	// request on db1 — olderEntry was registered first. The freshly
	// created connection must go to olderEntry, so this call should
	// time out still waiting rather than receive it.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, "db1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled (the newer request should stay queued behind the older waiter)", err)
	}

	select {
	case h := <-olderEntry.ch:
		if h.Block() != "db1" {
			t.Fatalf("handed-off handle's block = %q, want db1", h.Block())
		}
	default:
		t.Fatal("the pre-existing older waiter should have received the freshly created connection")
	}
}

func TestPoolMetricsReportsTargetsAfterAdjust(t *testing.T) {
	p, _ := newTestPool(t, 4)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.RunOnce()

	m := p.Metrics()
	if _, ok := m.Targets["db1"]; !ok {
		t.Fatal("Metrics().Targets should report a quota for db1 after a tick")
	}
	h.Release()
}

func TestPoolDefaultClockAdvancesRunOnce(t *testing.T) {
	cfg := SuggestedDefaultFor(2)
	cfg.AdjustmentInterval = 5 * time.Millisecond
	sim := connector.NewSimConnector()
	p, err := NewPool(cfg, sim)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p.Run(ctx) // returns once ctx is done; exercises the ticker loop directly
}
