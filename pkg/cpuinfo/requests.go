package cpuinfo

import "github.com/nodeshare/cpumgr/pkg/errs"

// pushRequest appends (pid, credits) to e's FIFO. Returns
// NOMEM if the bounded queue is already full. Duplicates for the same pid
// are rejected outright.
func pushRequest(e *entry, pid int32, credits uint16) errs.Status {
	for i := 0; i < int(e.ReqCount); i++ {
		if e.ReqPid[i] == pid {
			return errs.NOUPDT
		}
	}
	if int(e.ReqCount) >= RequestQueueCapacity {
		return errs.NOMEM
	}
	e.ReqPid[e.ReqCount] = pid
	e.ReqCredits[e.ReqCount] = credits
	e.ReqCount++
	return errs.SUCCESS
}

// popNext removes and returns the next waiter to serve: the
// owner's own pending request is always served first if present, otherwise
// plain FIFO order. ok is false if the queue is empty.
func popNext(e *entry, owner int32) (pid int32, ok bool) {
	if e.ReqCount == 0 {
		return 0, false
	}
	idx := 0
	for i := 0; i < int(e.ReqCount); i++ {
		if e.ReqPid[i] == owner {
			idx = i
			break
		}
	}
	pid = e.ReqPid[idx]
	removeAt(e, idx)
	return pid, true
}

// dropAll removes every queued entry for pid. It is reached only through
// Table.DropAllRequests: deregistering pid, or granting it the cpu without
// queueing, does not remove its queued entries.
func dropAll(e *entry, pid int32) {
	i := 0
	for i < int(e.ReqCount) {
		if e.ReqPid[i] == pid {
			removeAt(e, i)
			continue
		}
		i++
	}
}

// clearAllRequests discards every queued waiter on e, used when a cpu
// transitions to DISABLED and no owner remains to serve any of them.
func clearAllRequests(e *entry) {
	e.ReqCount = 0
}

func removeAt(e *entry, idx int) {
	n := int(e.ReqCount)
	for i := idx; i < n-1; i++ {
		e.ReqPid[i] = e.ReqPid[i+1]
		e.ReqCredits[i] = e.ReqCredits[i+1]
	}
	e.ReqCount--
}
