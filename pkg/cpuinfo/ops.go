package cpuinfo

import (
	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/errs"
)

// Lend releases pid's claim on cpu c back to the pool, possibly handing it
// straight to the highest-priority waiter.
func (t *Table) Lend(pid, c int) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = lendLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return st, acts
}

func lendLocked(e *entry, pid int32, c int) (errs.Status, action.List) {
	if e.Owner != pid {
		return errs.PERM, nil
	}
	if e.Guest != pid {
		// Already lent (someone else is already the guest, or nobody is).
		return errs.NOUPDT, nil
	}

	var acts action.List
	if waiter, ok := popNext(e, pid); ok {
		setOwnerGuest(e, pid, waiter)
		acts = acts.Enable(int(waiter), c)
	} else {
		setOwnerGuest(e, pid, None)
	}
	return errs.SUCCESS, acts
}

// LendMask applies Lend pointwise over cpus, accumulating actions. Per-cpu
// failures don't roll back sibling successes: each cpu's lend is already
// atomic and side-effect-free on failure.
func (t *Table) LendMask(pid int, cpus []int) (errs.Status, action.List) {
	return t.maskVariant(cpus, func(c int) (errs.Status, action.List) {
		return t.Lend(pid, c)
	})
}

// Reclaim takes cpu c back from whoever currently holds it, preempting a
// third-party guest if necessary.
func (t *Table) Reclaim(pid, c int) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = reclaimLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return st, acts
}

func reclaimLocked(e *entry, pid int32, c int) (errs.Status, action.List) {
	if e.Owner != pid {
		return errs.PERM, nil
	}
	switch {
	case e.Guest == pid:
		return errs.NOUPDT, nil
	case e.Guest == None:
		setOwnerGuest(e, pid, pid)
		return errs.SUCCESS, action.List{}.Enable(int(pid), c)
	default:
		victim := e.Guest
		setOwnerGuest(e, pid, pid)
		acts := action.List{}.Disable(int(victim), c).Enable(int(pid), c)
		return errs.NOTED, acts
	}
}

// ReclaimMask applies Reclaim pointwise over cpus.
func (t *Table) ReclaimMask(pid int, cpus []int) (errs.Status, action.List) {
	return t.maskVariant(cpus, func(c int) (errs.Status, action.List) {
		return t.Reclaim(pid, c)
	})
}

// Acquire requests cpu c for a non-owner pid: granted immediately if free,
// otherwise enqueued.
func (t *Table) Acquire(pid, c int) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = acquireLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return st, acts
}

func acquireLocked(e *entry, pid int32, c int) (errs.Status, action.List) {
	if e.Owner == pid {
		return reclaimLocked(e, pid, c)
	}
	if e.Owner == None {
		return errs.DISABLED, nil
	}
	if e.Guest == None {
		setOwnerGuest(e, e.Owner, pid)
		return errs.SUCCESS, action.List{}.Enable(int(pid), c)
	}
	switch st := pushRequest(e, pid, 1); st {
	case errs.SUCCESS:
		return errs.NOTED, nil
	case errs.NOUPDT:
		// Already queued for this pid.
		return errs.NOTED, nil
	default:
		return st, nil // NOMEM
	}
}

// AcquireMask applies Acquire pointwise over cpus.
func (t *Table) AcquireMask(pid int, cpus []int) (errs.Status, action.List) {
	return t.maskVariant(cpus, func(c int) (errs.Status, action.List) {
		return t.Acquire(pid, c)
	})
}

// Borrow is the non-blocking, non-queueing variant of Acquire: it succeeds
// only if the cpu is currently idle with no guest, and never enqueues.
func (t *Table) Borrow(pid, c int) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = borrowLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return st, acts
}

func borrowLocked(e *entry, pid int32, c int) (errs.Status, action.List) {
	if e.Owner == None || e.Owner == pid || e.Guest != None {
		return errs.NOUPDT, nil
	}
	setOwnerGuest(e, e.Owner, pid)
	return errs.SUCCESS, action.List{}.Enable(int(pid), c)
}

// BorrowNCPUsFromSubset walks priorityList in order attempting Borrow until
// ncpus are granted or the list is exhausted.
// lastBorrowTS is an opaque starvation-avoidance token: entries whose index
// in priorityList is <= lastBorrowTS are skipped on this call (so a caller
// that never got past index k last time starts from k+1 this time), then
// the walk wraps to the beginning if more are still needed.
func (t *Table) BorrowNCPUsFromSubset(pid int, ncpus int, priorityList []int, lastBorrowTS int) (granted int, nextTS int, acts action.List) {
	n := len(priorityList)
	if n == 0 || ncpus <= 0 {
		return 0, lastBorrowTS, nil
	}
	start := (lastBorrowTS + 1) % n
	for i := 0; i < n && granted < ncpus; i++ {
		idx := (start + i) % n
		c := priorityList[idx]
		st, a := t.Borrow(pid, c)
		if st == errs.SUCCESS {
			granted++
			acts = append(acts, a...)
			nextTS = idx
		}
	}
	return granted, nextTS, acts
}

// ReturnCPU is the inverse of Acquire/Reclaim from the guest's side: the
// current non-owner guest gives cpu c back.
func (t *Table) ReturnCPU(pid, c int) (errs.Status, action.List) {
	var st errs.Status
	var acts action.List
	_ = t.seg.WithLock(func() error {
		st, acts = returnLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return st, acts
}

func returnLocked(e *entry, pid int32, c int) (errs.Status, action.List) {
	if e.Owner == pid || e.Guest != pid {
		return errs.NOUPDT, nil
	}
	acts := action.List{}.Disable(int(pid), c)
	if waiter, ok := popNext(e, e.Owner); ok {
		setOwnerGuest(e, e.Owner, waiter)
		acts = acts.Enable(int(waiter), c)
	} else {
		setOwnerGuest(e, e.Owner, None)
	}
	return errs.SUCCESS, acts
}

// ReturnMask applies ReturnCPU pointwise over cpus.
func (t *Table) ReturnMask(pid int, cpus []int) (errs.Status, action.List) {
	return t.maskVariant(cpus, func(c int) (errs.Status, action.List) {
		return t.ReturnCPU(pid, c)
	})
}

// maskVariant applies op to each cpu pointwise, returning NOUPDT only if
// every call was NOUPDT, SUCCESS if every call was SUCCESS/NOUPDT, and
// otherwise the last non-trivial status observed.
func (t *Table) maskVariant(cpus []int, op func(c int) (errs.Status, action.List)) (errs.Status, action.List) {
	agg := errs.NOUPDT
	var acts action.List
	for _, c := range cpus {
		st, a := op(c)
		acts = append(acts, a...)
		switch {
		case st == errs.SUCCESS && agg == errs.NOUPDT:
			agg = errs.SUCCESS
		case st != errs.SUCCESS && st != errs.NOUPDT:
			agg = st
		}
	}
	return agg, acts.Coalesce()
}

// ClaimOwnership registers pid as the new owner of cpu c. If the cpu is
// currently unguested (or guested by its previous owner, who is being
// displaced), the new owner starts running immediately (state -> BUSY) and
// the previous occupant, if any, is disabled. If a third-party borrower is
// currently guesting it, ownership changes hands but the borrower keeps
// running until the new owner reclaims.
func (t *Table) ClaimOwnership(pid, c int) action.List {
	var acts action.List
	_ = t.seg.WithLock(func() error {
		acts = claimOwnershipLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return acts
}

func claimOwnershipLocked(e *entry, pid int32, c int) action.List {
	oldOwner, oldGuest := e.Owner, e.Guest
	if oldGuest == None || oldGuest == oldOwner {
		setOwnerGuest(e, pid, pid)
		if oldGuest == None {
			return nil
		}
		return action.List{}.Disable(int(oldGuest), c).Enable(int(pid), c)
	}
	if oldGuest == pid {
		// The new owner was already borrowing it: it now runs on its own cpu.
		setOwnerGuest(e, pid, pid)
		return nil
	}
	// A third party is guesting; leave it running, just change owner.
	e.Owner = pid
	return nil
}

// ReleaseOwnership relinquishes pid's ownership of cpu c: the entry becomes
// DISABLED (unless stolen away and immediately re-owned by the caller, see
// ClaimOwnership). The current guest, if a third party, gets exactly one
// DISABLE, and every other queued waiter is dropped outright — with no
// owner left to grant the cpu, none of them can ever be served.
func (t *Table) ReleaseOwnership(pid, c int) action.List {
	var acts action.List
	_ = t.seg.WithLock(func() error {
		acts = releaseOwnershipLocked(&t.entries()[c], int32(pid), c)
		return nil
	})
	return acts
}

func releaseOwnershipLocked(e *entry, pid int32, c int) action.List {
	if e.Owner != pid {
		return nil
	}
	guest := e.Guest
	clearAllRequests(e)
	setOwnerGuest(e, None, None)
	if guest != None && guest != pid {
		return action.List{}.Disable(int(guest), c)
	}
	return nil
}

// UpdateOwnership reconciles pid's per-cpu ownership after its registered
// mask changes out from under it (a DROM swap observed through
// procinfo.Poll): every cpu in removed is released first, then every cpu in
// added is claimed. Cross-pid bookkeeping (stripping a claimed cpu out of
// whichever other pid's registered mask used to cover it) is procinfo's
// job, since that state lives in the procinfo table, not here.
func (t *Table) UpdateOwnership(pid int, added, removed []int) action.List {
	var acts action.List
	for _, c := range removed {
		acts = append(acts, t.ReleaseOwnership(pid, c)...)
	}
	for _, c := range added {
		acts = append(acts, t.ClaimOwnership(pid, c)...)
	}
	return acts.Coalesce()
}

// DropAllRequests removes every queued wish for pid on cpu c.
func (t *Table) DropAllRequests(pid, c int) {
	_ = t.seg.WithLock(func() error {
		dropAll(&t.entries()[c], int32(pid))
		return nil
	})
}
