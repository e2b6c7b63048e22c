package pool

import (
	"testing"
	"time"
)

func newTestAlgo(max int) (*AlgoState[string], *VirtualClock) {
	vc := NewVirtualClock(time.Unix(1700000000, 0))
	root := NewMetricsAccum(nil)
	return &AlgoState[string]{
		Drain:       NewDrain(),
		Blocks:      newBlocks[string](root),
		Constraints: Constraints{Max: max, MinIdleTimeForGC: time.Minute},
		Knobs:       DefaultKnobs(),
		Clock:       vc,
	}, vc
}

func TestHungerScoreRequiresRoomOrWaiters(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	b.SetTarget(2)

	if _, ok := b.hungerScore(a.Knobs, false, now); !ok {
		t.Fatal("empty block below target should be hungry")
	}

	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)
	h2 := b.reserveCreate(now)
	b.finishCreate(h2, "c2", now)
	if _, ok := b.hungerScore(a.Knobs, false, now); ok {
		t.Fatal("block at target with no waiters should not be hungry")
	}
}

func TestOverfullScoreRequiresIdleAboveTarget(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	b.SetTarget(0)

	if _, ok := b.overfullScore(a.Knobs, false, now); ok {
		t.Fatal("block with no idle connections should not be overfull")
	}

	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)
	if _, ok := b.overfullScore(a.Knobs, false, now); !ok {
		t.Fatal("idle block above its zero target should be overfull")
	}
}

func TestDemandScoreZeroWithNoActivity(t *testing.T) {
	a, _ := newTestAlgo(10)
	b := newBlock[string]("x", NewMetricsAccum(nil), time.Unix(0, 0))
	if got := b.demandScore(a.Knobs); got != 0 {
		t.Fatalf("demandScore with no active/waiting history = %d, want 0", got)
	}
}

func TestDemandScoreFloorsAtDemandMinimum(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)
	b.tryAcquireIdle(now)
	got := b.demandScore(a.Knobs)
	floor := uint32(a.Knobs.DemandMinimum * demandHistoryLength)
	if got < floor {
		t.Fatalf("demandScore = %d, want >= floor %d", got, floor)
	}
}

func TestAllocateDemandSplitsByShareWithGuaranteedMinimum(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("heavy", 0, now)
	a.Blocks.EnsureBlock("light", 0, now)
	a.Blocks.Get("heavy").InsertDemand(100)
	a.Blocks.Get("light").InsertDemand(10)

	a.allocateDemand(2, 110)

	heavy := a.Blocks.Get("heavy").Target()
	light := a.Blocks.Get("light").Target()
	if heavy <= light {
		t.Fatalf("heavy target %d should exceed light target %d", heavy, light)
	}
	if heavy+light > a.Constraints.Max {
		t.Fatalf("targets %d+%d exceed pool max %d", heavy, light, a.Constraints.Max)
	}
}

func TestAllocateDemandZeroTotalClearsTargets(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	// A live connection keeps the zero-demand block from being pruned
	// by WithAll, so its target can be observed afterwards.
	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)
	b.SetTarget(5)

	a.allocateDemand(0, 0)

	if got := a.Blocks.Get("a").Target(); got != 0 {
		t.Fatalf("Target() = %d, want 0 when there is no demand anywhere", got)
	}
}

func TestPlanAcquireCreatesWhenPoolHasRoom(t *testing.T) {
	a, _ := newTestAlgo(10)
	op := a.PlanAcquire("db1")
	if op.Kind != AcquireCreate {
		t.Fatalf("Kind = %v, want AcquireCreate", op.Kind)
	}
}

func TestPlanAcquireFailsDuringShutdown(t *testing.T) {
	a, _ := newTestAlgo(10)
	a.Drain.Shutdown()
	op := a.PlanAcquire("db1")
	if op.Kind != AcquireFailShutdown {
		t.Fatalf("Kind = %v, want AcquireFailShutdown", op.Kind)
	}
}

func TestPlanAcquireWaitsWhenPoolFullAndBlockAtTarget(t *testing.T) {
	a, vc := newTestAlgo(1)
	now := vc.Now()
	a.Blocks.EnsureBlock("db1", 0, now)
	b := a.Blocks.Get("db1")
	b.SetTarget(1)
	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)
	b.tryAcquireIdle(now)

	op := a.PlanAcquire("db1")
	if op.Kind != AcquireWait {
		t.Fatalf("Kind = %v, want AcquireWait (pool full, block at target, nothing else overfull)", op.Kind)
	}
}

func TestPlanAcquireStealsFromOverfullBlockWhenPoolFull(t *testing.T) {
	a, vc := newTestAlgo(1)
	now := vc.Now()
	a.Blocks.EnsureBlock("donor", 0, now)
	donor := a.Blocks.Get("donor")
	donor.SetTarget(0)
	h := donor.reserveCreate(now)
	donor.finishCreate(h, "c1", now)

	op := a.PlanAcquire("needer")
	if op.Kind != AcquireSteal {
		t.Fatalf("Kind = %v, want AcquireSteal", op.Kind)
	}
	if op.From != "donor" {
		t.Fatalf("From = %q, want %q", op.From, "donor")
	}
}

func TestPlanReleaseKeepsWhenPoolBelowMax(t *testing.T) {
	a, _ := newTestAlgo(10)
	op := a.PlanRelease("db1", ReleaseNormal)
	if op.Kind != ReleaseKeep {
		t.Fatalf("Kind = %v, want ReleaseKeep", op.Kind)
	}
}

func TestPlanReleaseDiscardsWhileDraining(t *testing.T) {
	a, _ := newTestAlgo(10)
	a.Drain.lockBlock("db1")
	op := a.PlanRelease("db1", ReleaseNormal)
	if op.Kind != ReleaseDiscard {
		t.Fatalf("Kind = %v, want ReleaseDiscard while db1 is draining", op.Kind)
	}
}

func TestPlanReleaseReopensPoisonedConnectionsRegardlessOfLoad(t *testing.T) {
	a, _ := newTestAlgo(10)
	op := a.PlanRelease("db1", ReleasePoison)
	if op.Kind != ReleaseReopen {
		t.Fatalf("Kind = %v, want ReleaseReopen for a poisoned connection", op.Kind)
	}
}

func TestPlanReleaseSendsToHungrierBlockWhenPoolFull(t *testing.T) {
	a, vc := newTestAlgo(1)
	now := vc.Now()
	a.Blocks.EnsureBlock("self", 0, now)
	self := a.Blocks.Get("self")
	self.SetTarget(0)
	h := self.reserveCreate(now)
	self.finishCreate(h, "c1", now)
	self.tryAcquireIdle(now)

	a.Blocks.EnsureBlock("hungry", 0, now)
	hungry := a.Blocks.Get("hungry")
	hungry.SetTarget(5)
	hungry.wait.Lock()
	hungry.metrics.Insert(Waiting)
	hungry.wait.enqueue(now)

	op := a.PlanRelease("self", ReleaseNormal)
	if op.Kind != ReleaseToOther {
		t.Fatalf("Kind = %v, want ReleaseToOther", op.Kind)
	}
	if op.To != "hungry" {
		t.Fatalf("To = %q, want %q", op.To, "hungry")
	}
}

func TestPlanRebalanceShutdownClosesEveryIdleAndFailedConnection(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	h1 := b.reserveCreate(now)
	b.finishCreate(h1, "c1", now)
	h2 := b.reserveCreate(now)
	b.failCreate(h2, now)

	a.Drain.Shutdown()
	ops := a.PlanRebalance(false)
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1 (only the Idle connection remains to close; the failed one already left the block)", len(ops))
	}
	if ops[0].Kind != RebalanceClose || ops[0].Name != "a" {
		t.Fatalf("ops[0] = %+v, want Close on block a", ops[0])
	}
}

func TestPlanRebalanceDrainingBlockClosesBeforeAnythingElse(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("draining", 0, now)
	db := a.Blocks.Get("draining")
	h := db.reserveCreate(now)
	db.finishCreate(h, "c1", now)

	a.Drain.lockBlock("draining")
	ops := a.PlanRebalance(false)

	found := false
	for _, op := range ops {
		if op.Kind == RebalanceClose && op.Name == "draining" {
			found = true
		}
	}
	if !found {
		t.Fatal("draining block's idle connection should be queued for close")
	}
}

func TestPlanRebalanceCreatesWhenRoomAndBelowTarget(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	b.SetTarget(3)
	b.InsertDemand(100)
	// Create requires evidence of real demand (a recorded Active or
	// Waiting peak), not just a target above zero connections.
	b.wait.Lock()
	b.metrics.Insert(Waiting)
	b.wait.enqueue(now)

	ops := a.PlanRebalance(false)
	if len(ops) == 0 {
		t.Fatal("expected at least one Create op for a block below target with a queued waiter and room in the pool")
	}
	for _, op := range ops {
		if op.Kind != RebalanceCreate {
			t.Fatalf("unexpected op kind %v while pool has room", op.Kind)
		}
	}
}

func TestPlanRebalanceGCPreemptsCreatePass(t *testing.T) {
	a, vc := newTestAlgo(10)
	now := vc.Now()
	a.Blocks.EnsureBlock("a", 0, now)
	b := a.Blocks.Get("a")
	b.SetTarget(5)
	h := b.reserveCreate(now)
	b.finishCreate(h, "c1", now)

	vc.Advance(2 * time.Minute)
	ops := a.PlanRebalance(true)
	if len(ops) != 1 || ops[0].Kind != RebalanceClose {
		t.Fatalf("ops = %+v, want a single GC Close when idle connections exceed MinIdleTimeForGC", ops)
	}
}

func TestPlanRebalanceTransfersFromIdleDonorWhenPoolFull(t *testing.T) {
	a, vc := newTestAlgo(1)
	now := vc.Now()
	a.Blocks.EnsureBlock("donor", 0, now)
	donor := a.Blocks.Get("donor")
	donor.SetTarget(0)
	h := donor.reserveCreate(now)
	donor.finishCreate(h, "c1", now)

	a.Blocks.EnsureBlock("needer", 0, now)
	needer := a.Blocks.Get("needer")
	needer.SetTarget(1)
	needer.wait.Lock()
	needer.metrics.Insert(Waiting)
	needer.wait.enqueue(now)

	ops := a.PlanRebalance(false)
	if len(ops) != 1 || ops[0].Kind != RebalanceTransfer {
		t.Fatalf("ops = %+v, want a single Transfer from donor to needer", ops)
	}
	if ops[0].From != "donor" || ops[0].To != "needer" {
		t.Fatalf("ops[0] = %+v, want From=donor To=needer", ops[0])
	}
}
