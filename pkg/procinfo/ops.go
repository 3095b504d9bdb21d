package procinfo

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/errs"
	"github.com/nodeshare/cpumgr/pkg/mask"
)

// Register claims mask for pid. If steal is true, cpus owned
// by another live pid are taken from them and recorded in this pid's
// stolen_mask (recoverable later via Deregister's returnStolen path);
// otherwise any foreign-owned cpu fails the whole call with PERM.
//
// Validation runs to completion before any mutation (a two-phase
// validate-then-apply design), so a partial failure never needs to revert
// earlier successes — the rollback requirement reduces to "don't
// apply anything." Multiple simultaneous ownership conflicts are
// aggregated with go-multierror and logged for diagnostics even though the
// public return value is still a single errs.Status.
func (t *Table) Register(pid int, m mask.Set, steal bool, cpus *cpuinfo.Table) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = registerLocked(t.entries(), int32(pid), m, steal, cpus)
		return nil
	})
	return st, acts
}

func registerLocked(entries []entry, pid int32, m mask.Set, steal bool, cpus *cpuinfo.Table) (errs.Status, action.List) {
	if find(entries, pid) >= 0 {
		return errs.ALREADY_REGISTERED, nil
	}
	slot := freeSlot(entries)
	if slot < 0 {
		return errs.NOMEM, nil
	}

	// Phase 1: validate. Collect every conflicting cpu so the caller's
	// diagnostic reflects the whole attempted mask, not just the first hit.
	var conflicts *multierror.Error
	for _, c := range m.Cpus() {
		owner, _, _, _ := cpus.Get(c)
		if owner != cpuinfo.None && owner != int(pid) && !steal {
			conflicts = multierror.Append(conflicts, fmt.Errorf("cpu %d owned by pid %d", c, owner))
		}
	}
	if conflicts != nil {
		slog.Warn("procinfo: register rejected", "pid", pid, "errors", conflicts.Error())
		return errs.PERM, nil
	}

	// Phase 2: apply.
	var acts action.List
	var stolenMask mask.Set
	e := &entries[slot]
	e.StolenMask = [maskWords]uint64{}
	for _, c := range m.Cpus() {
		owner, _, _, _ := cpus.Get(c)
		if owner != cpuinfo.None && owner != int(pid) {
			stolenMask = stolenMask.Add(c)
			e.StolenFromOwner[c] = int32(owner)
			if prevIdx := find(entries, int32(owner)); prevIdx >= 0 {
				prevMask := maskFromWords(entries[prevIdx].RegisteredMask)
				setFromMask(&entries[prevIdx].RegisteredMask, prevMask.Remove(c))
			}
		}
		acts = append(acts, cpus.ClaimOwnership(int(pid), c)...)
	}

	e.Pid = pid
	setFromMask(&e.RegisteredMask, m)
	setFromMask(&e.FutureMask, m)
	setFromMask(&e.StolenMask, stolenMask)
	e.Dirty = 0

	return errs.SUCCESS, acts.Coalesce()
}

// Deregister releases every cpu pid owns. If returnStolen,
// cpus recorded in pid's stolen_mask are handed back to the owner they
// were taken from.
func (t *Table) Deregister(pid int, returnStolen bool, cpus *cpuinfo.Table) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = deregisterLocked(t.entries(), int32(pid), returnStolen, cpus)
		return nil
	})
	return st, acts
}

func deregisterLocked(entries []entry, pid int32, returnStolen bool, cpus *cpuinfo.Table) (errs.Status, action.List) {
	idx := find(entries, pid)
	if idx < 0 {
		return errs.NOINIT, nil
	}
	e := &entries[idx]

	var acts action.List
	for _, c := range maskFromWords(e.RegisteredMask).Cpus() {
		acts = append(acts, cpus.ReleaseOwnership(int(pid), c)...)
	}

	if returnStolen {
		stolen := maskFromWords(e.StolenMask)
		for _, c := range stolen.Cpus() {
			prevOwner := e.StolenFromOwner[c]
			acts = append(acts, cpus.ClaimOwnership(int(prevOwner), c)...)
			if prevIdx := find(entries, prevOwner); prevIdx >= 0 {
				prevMask := maskFromWords(entries[prevIdx].RegisteredMask)
				setFromMask(&entries[prevIdx].RegisteredMask, prevMask.Add(c))
			}
		}
	}

	*e = entry{} // Pid=0 marks the slot free again.
	return errs.SUCCESS, acts.Coalesce()
}

// GetProcessMask returns pid's current registered mask.
func (t *Table) GetProcessMask(pid int) (mask.Set, errs.Status) {
	var m mask.Set
	var st errs.Status
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			st = errs.NOINIT
			return nil
		}
		m = maskFromWords(t.entries()[idx].RegisteredMask)
		st = errs.SUCCESS
		return nil
	})
	return m, st
}

// GetPidList returns every currently registered pid.
func (t *Table) GetPidList() []int {
	var out []int
	_ = t.seg.WithLock(func() error {
		for _, e := range t.entries() {
			if e.Pid != 0 {
				out = append(out, int(e.Pid))
			}
		}
		return nil
	})
	return out
}

// SetProcessMask is the DROM controller's entry point: it
// overwrites pid's future_mask. The caller (the manager layer) decides
// sync vs async semantics; this call itself only ever writes the pending
// mask and marks the entry dirty — Poll is what pid observes and applies.
func (t *Table) SetProcessMask(pid int, m mask.Set) errs.Status {
	var st errs.Status
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			st = errs.NOINIT
			return nil
		}
		e := &t.entries()[idx]
		setFromMask(&e.FutureMask, m)
		e.Dirty = 1
		st = errs.SUCCESS
		return nil
	})
	return st
}

// Poll reconciles pid's registered_mask with any pending future_mask: if
// dirty, it swaps registered_mask <- future_mask, reconciles cpuinfo
// ownership for every added/removed cpu, and returns the deltas. NOUPDT
// (with empty deltas) is returned when nothing was pending.
func (t *Table) Poll(pid int, cpus *cpuinfo.Table) (added, removed []int, newMask mask.Set, st errs.Status, acts action.List) {
	_ = t.seg.WithLock(func() error {
		entries := t.entries()
		idx := find(entries, int32(pid))
		if idx < 0 {
			st = errs.NOINIT
			return nil
		}
		e := &entries[idx]
		if e.Dirty == 0 {
			st = errs.NOUPDT
			return nil
		}

		oldMask := maskFromWords(e.RegisteredMask)
		future := maskFromWords(e.FutureMask)
		added = future.Diff(oldMask).Cpus()
		removed = oldMask.Diff(future).Cpus()

		// A cpu gained here may still be sitting in some other live pid's
		// registered_mask from before this swap (e.g. a DROM controller
		// handed it to pid without first clearing the prior holder's mask).
		// Strip it there too, the same way registerLocked's steal path does,
		// so registered masks stay pairwise disjoint once cpuinfo ownership
		// actually moves.
		for _, c := range added {
			for i := range entries {
				if i == idx || entries[i].Pid == 0 {
					continue
				}
				other := &entries[i]
				otherMask := maskFromWords(other.RegisteredMask)
				if otherMask.IsSet(c) {
					setFromMask(&other.RegisteredMask, otherMask.Remove(c))
				}
			}
		}

		acts = cpus.UpdateOwnership(int(pid), added, removed)

		setFromMask(&e.RegisteredMask, future)
		e.Dirty = 0
		newMask = future
		acts = acts.SetProcessMask(int(pid), added, removed, newMask.Cpus())
		st = errs.SUCCESS
		return nil
	})
	return
}

// UpdateCPUUsage adds ns of observed CPU time to pid's running usage
// counters.
func (t *Table) UpdateCPUUsage(pid int, ns uint64) {
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			return nil
		}
		e := &t.entries()[idx]
		e.UsageNS += ns
		e.AvgUsageNS = (e.AvgUsageNS + e.UsageNS) / 2
		return nil
	})
}

// CPUUsage returns pid's cumulative and running-average observed CPU time.
func (t *Table) CPUUsage(pid int) (usageNS, avgUsageNS uint64, st errs.Status) {
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			st = errs.NOINIT
			return nil
		}
		e := &t.entries()[idx]
		usageNS, avgUsageNS = e.UsageNS, e.AvgUsageNS
		st = errs.SUCCESS
		return nil
	})
	return
}

// LoadAvg returns pid's best-effort 1/5/15-equivalent load averages.
func (t *Table) LoadAvg(pid int) (load [3]float64, st errs.Status) {
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			st = errs.NOINIT
			return nil
		}
		load = t.entries()[idx].LoadAvg
		st = errs.SUCCESS
		return nil
	})
	return
}

// SetLoadAvg overwrites pid's tracked load averages; used by the manager's
// periodic sampler.
func (t *Table) SetLoadAvg(pid int, load [3]float64) {
	_ = t.seg.WithLock(func() error {
		idx := find(t.entries(), int32(pid))
		if idx < 0 {
			return nil
		}
		t.entries()[idx].LoadAvg = load
		return nil
	})
}
