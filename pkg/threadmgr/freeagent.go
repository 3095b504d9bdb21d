// Package threadmgr implements the OpenMP free-agent thread-manager
// adapter: the exemplar consumer of the cpuinfo/procinfo core that reacts
// to enable/disable notifications and OpenMP-runtime events by adjusting
// which CPUs run free-agent worker threads.
package threadmgr

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/mask"
)

// CPUState is a per-cpu bitfield, stored as atomic.Uint32 so it can be
// read/written without nested locking against the segment mutex.
type CPUState uint32

const (
	Idle CPUState = 1 << iota
	Lent
	Reclaimed
	InParallel
	FreeAgentEnabled
)

// Adapter tracks per-cpu state and the three derived masks:
// primary_thread_mask, worker_threads_mask, free_agent_cpu_list.
type Adapter struct {
	cpus *cpuinfo.Table
	pid  int

	states []atomic.Uint32 // indexed by cpuid

	mu             sync.RWMutex
	processMask    mask.Set
	primaryMask    mask.Set
	workerMask     mask.Set
	freeAgentOrder []int // binding-order list, computed once by Bind
	freeAgentBound map[int]bool
	wantedParallel map[int]bool
	lewiLend       bool // policy = LEND: lend idle worker cpus on parallel_end
}

// New creates an adapter for systemSize cpus, acting on behalf of pid.
func New(cpus *cpuinfo.Table, pid, systemSize int, lewiLend bool) *Adapter {
	return &Adapter{
		cpus:           cpus,
		pid:            pid,
		states:         make([]atomic.Uint32, systemSize),
		freeAgentBound: make(map[int]bool),
		wantedParallel: make(map[int]bool),
		lewiLend:       lewiLend,
	}
}

func (a *Adapter) get(c int) CPUState { return CPUState(a.states[c].Load()) }
func (a *Adapter) set(c int, s CPUState) { a.states[c].Store(uint32(s)) }

func (a *Adapter) setBit(c int, bit CPUState) {
	for {
		old := a.states[c].Load()
		next := old | uint32(bit)
		if a.states[c].CompareAndSwap(old, next) {
			return
		}
	}
}

func (a *Adapter) clearBit(c int, bit CPUState) {
	for {
		old := a.states[c].Load()
		next := old &^ uint32(bit)
		if a.states[c].CompareAndSwap(old, next) {
			return
		}
	}
}

// Bind computes the free-agent binding order once, deterministically, from
// process_mask, primary_thread_mask and worker_threads_mask:
//  1. process_mask \ (primary ∪ workers), lowest ids first.
//  2. cpus outside process_mask (non-owned, node-wide).
//  3. cpus in worker_threads_mask (shared).
func (a *Adapter) Bind(processMask, primaryMask, workerMask, nodeMask mask.Set) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processMask = processMask
	a.primaryMask = primaryMask
	a.workerMask = workerMask

	owned := primaryMask.Union(workerMask)
	tier1 := processMask.Diff(owned).Cpus()
	tier2 := nodeMask.Diff(processMask).Cpus()
	tier3 := workerMask.Cpus()

	sort.Ints(tier1)
	sort.Ints(tier2)
	sort.Ints(tier3)

	order := make([]int, 0, len(tier1)+len(tier2)+len(tier3))
	order = append(order, tier1...)
	order = append(order, tier2...)
	order = append(order, tier3...)
	a.freeAgentOrder = order
}

// EnableCPU reacts to a received ENABLE for cpuid c.
func (a *Adapter) EnableCPU(c int) action.List {
	a.mu.Lock()
	wanted := a.wantedParallel[c]
	bound := a.freeAgentBound[c]
	a.mu.Unlock()

	if wanted || a.get(c)&Reclaimed != 0 {
		a.clearBit(c, Reclaimed)
		a.setBit(c, Idle)
		return nil
	}
	if bound {
		a.setBit(c, FreeAgentEnabled)
		return nil
	}
	// The core was too eager to grant this cpu; nothing wants it, give it back.
	_, acts := a.cpus.Lend(a.pid, c)
	return acts
}

// DisableCPU reacts to a received DISABLE for cpuid c.
func (a *Adapter) DisableCPU(c int) {
	a.clearBit(c, FreeAgentEnabled)
	a.mu.Lock()
	inProcess := a.processMask.IsSet(c)
	a.mu.Unlock()
	if inProcess {
		a.setBit(c, Idle)
	}
}

// ParallelBegin reacts to an OpenMP parallel region whose team size equals
// |process_mask|: every process cpu is marked wanted, any bound free agent
// is disabled, and lent cpus are reclaimed.
func (a *Adapter) ParallelBegin() action.List {
	a.mu.Lock()
	cpus := a.processMask.Cpus()
	for _, c := range cpus {
		a.wantedParallel[c] = true
	}
	a.mu.Unlock()

	var acts action.List
	for _, c := range cpus {
		a.clearBit(c, FreeAgentEnabled)
		if a.get(c)&Lent != 0 {
			a.clearBit(c, Lent)
			_, la := a.cpus.Reclaim(a.pid, c)
			acts = append(acts, la...)
		}
		a.setBit(c, InParallel)
	}
	return acts.Coalesce()
}

// ParallelEnd reacts to the end of a level-1 OpenMP parallel region: nested
// regions below level 1 leave wanted_for_parallel untouched.
func (a *Adapter) ParallelEnd(level int) action.List {
	if level != 1 {
		return nil
	}
	a.mu.Lock()
	cpus := a.processMask.Diff(a.primaryMask).Cpus()
	for _, c := range cpus {
		delete(a.wantedParallel, c)
	}
	lend := a.lewiLend
	a.mu.Unlock()

	var acts action.List
	for _, c := range cpus {
		a.clearBit(c, InParallel)
		a.setBit(c, Idle)
		if lend {
			st, la := a.cpus.Lend(a.pid, c)
			if st.OK() {
				a.setBit(c, Lent)
			}
			acts = append(acts, la...)
		}
	}
	return acts.Coalesce()
}

// RequestFreeAgent walks the binding order (own-process cpus first) for
// the first idle candidate; if none is idle, it falls through to Acquire
// on the foreign candidates only ("task creation") — a process cpu that
// isn't idle is busy running something of this process's own, and
// Acquire-ing it would reduce to a reclaim against that occupant, which is
// reclaim's job, not a free agent's.
func (a *Adapter) RequestFreeAgent() action.List {
	a.mu.Lock()
	order := append([]int(nil), a.freeAgentOrder...)
	processMask := a.processMask
	a.mu.Unlock()

	for _, c := range order {
		if a.get(c)&Idle != 0 {
			a.setBit(c, FreeAgentEnabled)
			a.clearBit(c, Idle)
			a.mu.Lock()
			a.freeAgentBound[c] = true
			a.mu.Unlock()
			return nil
		}
	}
	for _, c := range order {
		if processMask.IsSet(c) {
			continue
		}
		_, acts := a.cpus.Acquire(a.pid, c)
		if len(acts) > 0 {
			a.mu.Lock()
			a.freeAgentBound[c] = true
			a.mu.Unlock()
			return acts
		}
	}
	return nil
}

// TaskCompleted reacts to a free agent bound to c finishing its task: it
// deactivates and releases the cpu unless it's wanted for a parallel
// region or has been reclaimed.
func (a *Adapter) TaskCompleted(c int, hasPendingTasks bool, inProcessMask, lendPolicy bool) action.List {
	a.mu.Lock()
	wanted := a.wantedParallel[c]
	a.mu.Unlock()

	if wanted || a.get(c)&Reclaimed != 0 {
		a.clearBit(c, FreeAgentEnabled)
		return nil
	}
	if !hasPendingTasks && (!inProcessMask || lendPolicy) {
		a.clearBit(c, FreeAgentEnabled)
		a.mu.Lock()
		delete(a.freeAgentBound, c)
		a.mu.Unlock()
		if inProcessMask {
			_, acts := a.cpus.Lend(a.pid, c)
			return acts
		}
		_, acts := a.cpus.ReturnCPU(a.pid, c)
		return acts
	}
	return nil
}

// EnterBlockingCall lends every currently-IDLE worker/free-agent cpu; the
// primary cpu is handled separately by the caller.
func (a *Adapter) EnterBlockingCall() action.List {
	a.mu.Lock()
	cpus := a.workerMask.Union(mask.Of(a.freeAgentOrder...)).Cpus()
	a.mu.Unlock()

	var acts action.List
	for _, c := range cpus {
		if a.get(c)&Idle != 0 {
			st, la := a.cpus.Lend(a.pid, c)
			if st.OK() {
				a.setBit(c, Lent)
			}
			acts = append(acts, la...)
		}
	}
	return acts.Coalesce()
}

// LeaveBlockingCall reacts to leaving a blocking call: under the LEND
// policy it does nothing (cpus are pulled back on demand); otherwise it
// reclaims every worker/free-agent cpu currently LENT.
func (a *Adapter) LeaveBlockingCall(lendPolicy bool) action.List {
	if lendPolicy {
		return nil
	}
	a.mu.Lock()
	cpus := a.workerMask.Union(mask.Of(a.freeAgentOrder...)).Cpus()
	a.mu.Unlock()

	var acts action.List
	for _, c := range cpus {
		if a.get(c)&Lent != 0 {
			a.clearBit(c, Lent)
			_, la := a.cpus.Reclaim(a.pid, c)
			acts = append(acts, la...)
		}
	}
	return acts.Coalesce()
}
