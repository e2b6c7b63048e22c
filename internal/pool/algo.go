package pool

import (
	"sort"
	"time"
)

// Knobs are every tunable weight the scoring and rebalance functions
// read. Values carry sign-as-operator semantics: a negative knob is a
// divisor (contribution = value / |knob|), a positive knob is a
// multiplier, and zero contributes nothing. This mirrors the reference
// algorithm's Knob<isize> exactly, including its default values.
//
// Knobs are read at the point of use rather than baked into the
// scoring functions, so a caller may swap in a different *Knobs (e.g.
// one under live tuning via the tuning package) between ticks without
// restarting the pool.
type Knobs struct {
	MaxRebalanceOps                   int
	MaxRebalanceOpsPercentWhenFull     int
	MinRebalanceHeadroomToCreate       int
	MinTime                            int
	DemandWeightWaiting                int
	DemandWeightActive                 int
	DemandMinimum                      int
	MaximumSharedTarget                int
	SelfHungerBoostForRelease          int
	HungerDiffWeight                   int
	HungerWaiterWeight                 int
	HungerWaiterActiveWeight           int
	HungerActiveWeightDividendAdd      int
	HungerActiveWeightDividendSub      int
	HungerAgeDivisorWeight             int
	HungerChangeWeightDividend         int
	OverfullDiffWeight                 int
	OverfullIdleWeight                 int
	OverfullChangeWeightDividend       int
	OverfullWaiterWeight               int
	OverfullWaiterActiveWeight         int
	OverfullActiveWeightDividendAdd    int
	OverfullActiveWeightDividendSub    int
}

// DefaultKnobs returns the production default weights.
func DefaultKnobs() *Knobs {
	return &Knobs{
		MaxRebalanceOps:                5,
		MaxRebalanceOpsPercentWhenFull: 5,
		MinRebalanceHeadroomToCreate:   0,
		MinTime:                        1,
		DemandWeightWaiting:            61,
		DemandWeightActive:             31,
		DemandMinimum:                  1,
		MaximumSharedTarget:            1,
		SelfHungerBoostForRelease:      46,
		HungerDiffWeight:               -3,
		HungerWaiterWeight:             2,
		HungerWaiterActiveWeight:       0,
		HungerActiveWeightDividendAdd:  -611,
		HungerActiveWeightDividendSub:  0,
		HungerAgeDivisorWeight:         -35,
		HungerChangeWeightDividend:     -39,
		OverfullDiffWeight:             -3,
		OverfullIdleWeight:             423,
		OverfullChangeWeightDividend:   -59,
		OverfullWaiterWeight:           194,
		OverfullWaiterActiveWeight:     -98,
		OverfullActiveWeightDividendAdd: -696,
		OverfullActiveWeightDividendSub: 60,
	}
}

// score accumulates a weighted sum using the knob sign convention:
// negative knob = divisor, positive knob = multiplier, integer division
// truncates toward zero.
type score int

func (s *score) add(knob int, value int) {
	if knob < 0 {
		*s += score(value / -knob)
	} else if knob > 0 {
		*s += score(value * knob)
	}
}

func (s *score) addFraction(knob int, numerator, denominator int) {
	if denominator == 0 {
		return
	}
	if knob < 0 {
		*s += score(numerator / (denominator * -knob))
	} else if knob > 0 {
		*s += score(numerator * knob / denominator)
	}
}

func (s *score) sub(knob int, value int) {
	if knob < 0 {
		*s -= score(value / -knob)
	} else if knob > 0 {
		*s -= score(value * knob)
	}
}

func (s *score) subFraction(knob int, numerator, denominator int) {
	if denominator == 0 {
		return
	}
	if knob < 0 {
		*s -= score(numerator / (denominator * -knob))
	} else if knob > 0 {
		*s -= score(numerator * knob / denominator)
	}
}

func maxInt(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// hungerScore computes the block's hunger score (how much it would
// benefit from an additional connection), or (_, false) if the block
// is not currently hungry. willRelease models "as if one connection
// were already released" for plan_release's self-evaluation.
func (b *Block[T]) hungerScore(k *Knobs, willRelease bool, now time.Time) (int, bool) {
	waiting := b.Count(Waiting)
	connecting := b.Count(Connecting) + b.Count(Reconnecting)
	waiters := waiting - connecting
	if waiters < 0 {
		waiters = 0
	}
	current := b.Total()
	if willRelease {
		current--
	}
	target := b.Target()

	if current > target || (target == current && waiters < 1) {
		return 0, false
	}

	activeMS := maxInt(b.AvgMS(Active), int64(k.MinTime))
	reconnMS := maxInt(maxInt(b.AvgMS(Reconnecting), b.AvgMS(Connecting)+b.AvgMS(Disconnecting)), int64(k.MinTime))
	youngestMS := b.YoungestChangeMS(now)

	var s score
	s.add(k.HungerAgeDivisorWeight, int(b.OldestWaiterMS(now)))
	s.add(k.HungerWaiterWeight, waiters)
	s.addFraction(k.HungerWaiterActiveWeight, waiters*int(activeMS), int(reconnMS))
	s.add(k.HungerDiffWeight, target-current)
	s.addFraction(k.HungerActiveWeightDividendAdd, int(activeMS), int(reconnMS))
	s.subFraction(k.HungerActiveWeightDividendSub, int(activeMS), int(reconnMS))
	s.subFraction(k.HungerChangeWeightDividend, int(youngestMS), int(reconnMS))

	return int(s), true
}

// overfullScore computes the block's overfull score (how much it can
// spare a connection), or (_, false) if the block is not overfull.
func (b *Block[T]) overfullScore(k *Knobs, willRelease bool, now time.Time) (int, bool) {
	idle := b.Count(Idle)
	if willRelease {
		idle++
	}
	current := b.Total()
	target := b.Target()

	if target >= current || idle == 0 {
		return 0, false
	}

	connecting := b.Count(Connecting) + b.Count(Reconnecting)
	waiting := b.Count(Waiting)
	waiters := waiting - connecting
	if waiters < 0 {
		waiters = 0
	}

	activeMS := maxInt(b.AvgMS(Active), int64(k.MinTime))
	reconnMS := maxInt(maxInt(b.AvgMS(Reconnecting), b.AvgMS(Connecting)+b.AvgMS(Disconnecting)), int64(k.MinTime))
	youngestMS := b.YoungestChangeMS(now)

	var s score
	s.add(k.OverfullIdleWeight, idle)
	s.add(k.OverfullDiffWeight, current-target)
	s.subFraction(k.OverfullChangeWeightDividend, int(youngestMS), int(reconnMS))
	s.sub(k.OverfullWaiterWeight, waiters)
	s.subFraction(k.OverfullWaiterActiveWeight, waiters*int(activeMS), int(reconnMS))
	s.addFraction(k.OverfullActiveWeightDividendAdd, int(activeMS), int(reconnMS))
	s.subFraction(k.OverfullActiveWeightDividendSub, int(activeMS), int(reconnMS))

	return int(s), true
}

// demandScore computes the block's per-tick demand score, the input to
// quota allocation (§4.6), clamped to a noise floor.
func (b *Block[T]) demandScore(k *Knobs) uint32 {
	active := b.MaxCount(Active)
	activeMS := maxInt(b.AvgMS(Active), int64(k.MinTime))
	waiting := b.MaxCount(Waiting)

	if active == 0 && waiting == 0 {
		return 0
	}

	var s score
	s.add(k.DemandWeightWaiting, waiting*int(activeMS))
	s.add(k.DemandWeightActive, active*int(activeMS))

	floor := k.DemandMinimum * demandHistoryLength
	v := int(s)
	if v < floor {
		v = floor
	}
	if v < 0 {
		v = 0
	}
	return uint32(v)
}

// Constraints bounds the pool's overall shape: the maximum number of
// live connections, and the minimum idle residency before a connection
// becomes GC-eligible.
type Constraints struct {
	Max              int
	MinIdleTimeForGC time.Duration
}

// AlgoState runs the pure decision functions (§4.5-§4.7) against a
// pool's blocks registry, drain state, constraints, and knobs.
type AlgoState[T any] struct {
	Drain       *Drain
	Blocks      *Blocks[T]
	Constraints Constraints
	Knobs       *Knobs
	Clock       Clock
}

// recalculateShares recomputes and assigns each block's target quota,
// optionally refreshing the smoothed demand input first.
func (a *AlgoState[T]) recalculateShares(updateDemand bool) {
	totalDemand := 0
	totalTarget := 0

	a.Blocks.WithAll(func(name Name, b *Block[T]) {
		if a.Drain.IsDraining(name) {
			return
		}
		if updateDemand {
			b.InsertDemand(b.demandScore(a.Knobs))
		}
		demand := b.Demand()
		totalDemand += int(demand)
		if demand > 0 {
			totalTarget++
		} else {
			b.SetTarget(0)
		}
	})

	a.allocateDemand(totalTarget, totalDemand)
}

// Adjust recomputes quotas from fresh demand and resets peak counters,
// constituting one "tick" of the controller's periodic cycle.
func (a *AlgoState[T]) Adjust() {
	a.recalculateShares(true)
	a.Blocks.ResetMax()
}

// allocateDemand implements §4.6's quota allocation.
func (a *AlgoState[T]) allocateDemand(totalTarget, totalDemand int) {
	if totalTarget == 0 || totalDemand == 0 {
		a.Blocks.WithAll(func(_ Name, b *Block[T]) { b.SetTarget(0) })
		return
	}

	max := a.Constraints.Max
	min := max / totalTarget
	if min > a.Knobs.MaximumSharedTarget {
		min = a.Knobs.MaximumSharedTarget
	}
	capacity := max - min*totalTarget

	if min == 0 {
		a.Blocks.WithAll(func(_ Name, b *Block[T]) { b.SetTarget(0) })
		return
	}

	a.Blocks.WithAll(func(name Name, b *Block[T]) {
		demand := b.Demand()
		if demand == 0 || a.Drain.IsDraining(name) {
			b.SetTarget(0)
			return
		}
		target := int(float32(demand)*float32(capacity)/float32(totalDemand)) + min
		b.SetTarget(target)
	})
}

// AcquireOpKind enumerates plan_acquire's possible decisions.
type AcquireOpKind int

const (
	AcquireCreate AcquireOpKind = iota
	AcquireSteal
	AcquireWait
	AcquireFailShutdown
)

type AcquireOp struct {
	Kind AcquireOpKind
	From Name // set when Kind == AcquireSteal
}

// ReleaseOpKind enumerates plan_release's possible decisions.
type ReleaseOpKind int

const (
	ReleaseKeep ReleaseOpKind = iota
	ReleaseToOther
	ReleaseReopen
	ReleaseDiscard
)

type ReleaseOp struct {
	Kind ReleaseOpKind
	To   Name // set when Kind == ReleaseToOther
}

// ReleaseType distinguishes a normal release from a poisoned one.
type ReleaseType int

const (
	ReleaseNormal ReleaseType = iota
	ReleasePoison
)

// RebalanceOpKind enumerates plan_rebalance's possible operations.
type RebalanceOpKind int

const (
	RebalanceCreate RebalanceOpKind = iota
	RebalanceClose
	RebalanceTransfer
)

type RebalanceOp struct {
	Kind RebalanceOpKind
	Name Name // target of Create/Close
	From Name // Transfer source
	To   Name // Transfer destination
}

// PlanAcquire decides how to serve an acquire(db) call (§4.7).
func (a *AlgoState[T]) PlanAcquire(db Name) AcquireOp {
	if a.Drain.InShutdown() {
		return AcquireOp{Kind: AcquireFailShutdown}
	}

	now := a.Clock.Now()
	if a.Blocks.EnsureBlock(db, uint32(a.Knobs.DemandMinimum*demandHistoryLength), now) {
		a.recalculateShares(false)
	}

	block := a.Blocks.Get(db)
	targetBlockSize := block.Target()
	currentBlockSize := block.Total()
	currentPoolSize := a.Blocks.Total()
	maxPoolSize := a.Constraints.Max

	poolIsFull := currentPoolSize >= maxPoolSize
	if !poolIsFull {
		return AcquireOp{Kind: AcquireCreate}
	}

	blockHasRoom := currentBlockSize < targetBlockSize || targetBlockSize == 0
	if poolIsFull && blockHasRoom {
		best := -1 << 62
		var which Name
		found := false
		a.Blocks.WithAll(func(name Name, b *Block[T]) {
			if v, ok := b.overfullScore(a.Knobs, false, now); ok && (v > best || (v == best && name < which)) {
				best = v
				which = name
				found = true
			}
		})
		if found {
			return AcquireOp{Kind: AcquireSteal, From: which}
		}
		return AcquireOp{Kind: AcquireWait}
	} else if blockHasRoom {
		return AcquireOp{Kind: AcquireCreate}
	}
	return AcquireOp{Kind: AcquireWait}
}

// PlanRelease decides how to dispose of a released connection (§4.7).
func (a *AlgoState[T]) PlanRelease(db Name, releaseType ReleaseType) ReleaseOp {
	if a.Drain.IsDraining(db) {
		return ReleaseOp{Kind: ReleaseDiscard}
	}
	if releaseType == ReleasePoison {
		return ReleaseOp{Kind: ReleaseReopen}
	}

	now := a.Clock.Now()
	currentPoolSize := a.Blocks.Total()
	maxPoolSize := a.Constraints.Max
	if currentPoolSize < maxPoolSize {
		return ReleaseOp{Kind: ReleaseKeep}
	}

	block := a.Blocks.Get(db)
	if block == nil {
		return ReleaseOp{Kind: ReleaseKeep}
	}
	overfull, ok := block.overfullScore(a.Knobs, true, now)
	if !ok {
		return ReleaseOp{Kind: ReleaseKeep}
	}
	_ = overfull

	best := -1 << 62
	var which Name
	foundOther := false
	a.Blocks.WithAll(func(name Name, b *Block[T]) {
		isSelf := name == db
		hunger, ok := b.hungerScore(a.Knobs, isSelf, now)
		if !ok {
			return
		}
		if isSelf {
			hunger += a.Knobs.SelfHungerBoostForRelease
		}
		if hunger > best {
			best = hunger
			if isSelf {
				foundOther = false
			} else {
				which = name
				foundOther = true
			}
		}
	})

	if foundOther {
		return ReleaseOp{Kind: ReleaseToOther, To: which}
	}
	return ReleaseOp{Kind: ReleaseKeep}
}

// planShutdown emits a Close for every Idle/Failed connection across
// every block, used once the pool is in terminal shutdown.
func (a *AlgoState[T]) planShutdown() []RebalanceOp {
	var ops []RebalanceOp
	a.Blocks.WithAll(func(name Name, b *Block[T]) {
		n := b.Count(Idle) + b.Count(Failed)
		for i := 0; i < n; i++ {
			ops = append(ops, RebalanceOp{Kind: RebalanceClose, Name: name})
		}
	})
	return ops
}

// PlanRebalance decides the set of create/close/transfer operations
// that move the pool's current allocation toward its target quotas
// (§4.7). Branch order here is load-bearing (§9): shutdown short-
// circuits everything; draining closes always run first; when
// garbageCollect is set and the tick has any closes so far (draining
// or GC), those are returned and the rest is skipped; otherwise the pool
// either has room (aggressive create) or is full (score-driven
// transfer).
func (a *AlgoState[T]) PlanRebalance(garbageCollect bool) []RebalanceOp {
	if a.Drain.InShutdown() {
		return a.planShutdown()
	}

	now := a.Clock.Now()
	currentPoolSize := a.Blocks.Total()
	maxPoolSize := a.Constraints.Max
	var tasks []RebalanceOp

	if a.Drain.AnyDraining() {
		a.Blocks.WithAll(func(name Name, b *Block[T]) {
			if a.Drain.IsDraining(name) {
				n := b.Count(Idle) + b.Count(Failed)
				for i := 0; i < n; i++ {
					tasks = append(tasks, RebalanceOp{Kind: RebalanceClose, Name: name})
				}
			}
		})
	}

	if garbageCollect {
		a.Blocks.WithAll(func(name Name, b *Block[T]) {
			if a.Drain.IsDraining(name) {
				return
			}
			gcAble := b.CountOlder(Idle, a.Constraints.MinIdleTimeForGC, now)
			for i := 0; i < gcAble; i++ {
				tasks = append(tasks, RebalanceOp{Kind: RebalanceClose, Name: name})
			}
		})
		if len(tasks) > 0 {
			return tasks
		}
	}

	if currentPoolSize < maxPoolSize {
		for i := 0; i < a.Knobs.MaxRebalanceOps; i++ {
			madeChanges := false
			a.Blocks.WithAll(func(name Name, b *Block[T]) {
				if a.Drain.IsDraining(name) {
					return
				}
				if currentPoolSize >= maxPoolSize {
					return
				}
				headroom := b.Total() + i - a.Knobs.MinRebalanceHeadroomToCreate
				if headroom < 0 {
					headroom = 0
				}
				if b.Target() > b.Total() && (b.MaxCount(Active)+b.MaxCount(Waiting)) > headroom {
					tasks = append(tasks, RebalanceOp{Kind: RebalanceCreate, Name: name})
					currentPoolSize++
					madeChanges = true
				}
			})
			if !madeChanges {
				break
			}
		}
		return tasks
	}

	type scored struct {
		v    int
		name Name
	}
	var overloaded, hungriest []scored
	var idle []Name

	a.Blocks.WithAll(func(name Name, b *Block[T]) {
		if a.Drain.IsDraining(name) {
			return
		}
		if v, ok := b.hungerScore(a.Knobs, false, now); ok {
			hungriest = append(hungriest, scored{v, name})
		} else if v, ok := b.overfullScore(a.Knobs, false, now); ok {
			if b.Demand() == 0 {
				idle = append(idle, name)
			} else {
				overloaded = append(overloaded, scored{v, name})
			}
		}
	})

	sort.Slice(overloaded, func(i, j int) bool {
		if overloaded[i].v != overloaded[j].v {
			return overloaded[i].v < overloaded[j].v
		}
		return overloaded[i].name < overloaded[j].name
	})
	sort.Slice(hungriest, func(i, j int) bool {
		if hungriest[i].v != hungriest[j].v {
			return hungriest[i].v < hungriest[j].v
		}
		return hungriest[i].name < hungriest[j].name
	})
	sort.Slice(idle, func(i, j int) bool { return idle[i] < idle[j] })

	opsCount := (a.Knobs.MaxRebalanceOpsPercentWhenFull * maxPoolSize) / 100
	if opsCount < 1 {
		opsCount = 1
	}

	for i := 0; i < opsCount; i++ {
		if len(hungriest) == 0 {
			break
		}
		to := hungriest[len(hungriest)-1].name
		hungriest = hungriest[:len(hungriest)-1]

		var from Name
		if len(idle) > 0 {
			from = idle[len(idle)-1]
			idle = idle[:len(idle)-1]
		} else if len(overloaded) > 0 {
			from = overloaded[len(overloaded)-1].name
			overloaded = overloaded[:len(overloaded)-1]
		} else {
			break
		}
		tasks = append(tasks, RebalanceOp{Kind: RebalanceTransfer, From: from, To: to})
	}

	return tasks
}
