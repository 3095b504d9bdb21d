// Package cpuinfo implements the cpuinfo shared-memory table: per-cpu
// ownership/guest/state, the embedded request queue, and per-state
// statistics. Every mutating method locks the backing shmem.Segment for
// its own duration and returns an errs.Status plus an action.List for the
// caller to run after the lock is released.
package cpuinfo

import (
	"time"
	"unsafe"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/errs"
	"github.com/nodeshare/cpumgr/pkg/shmem"
)

// State is a cpuinfo entry's derived state.
type State uint8

const (
	Disabled State = iota
	Lent
	Busy
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "DISABLED"
	case Lent:
		return "LENT"
	case Busy:
		return "BUSY"
	default:
		return "UNKNOWN"
	}
}

// None is the sentinel pid value meaning "no owner"/"no guest".
const None = 0

// RequestQueueCapacity is the compile-time bound on a cpu's pending-wish
// FIFO.
const RequestQueueCapacity = 8

// entry is the fixed, pointer-free, position-independent on-disk layout of
// one cpuinfo record. No field here may contain a pointer or a
// Go slice header; cross-references are plain indices/pids so the segment
// can be mapped at different addresses in different processes.
type entry struct {
	Owner       int32
	Guest       int32
	State       uint8
	_pad        [3]byte
	StatsAccum  [3]uint64 // indexed by State
	StatsLastTS uint64    // unix nanos of last transition

	ReqCount   uint8
	_pad2      [7]byte
	ReqPid     [RequestQueueCapacity]int32
	ReqCredits [RequestQueueCapacity]uint16
}

const entrySize = int(unsafe.Sizeof(entry{}))

// Now is the shared monotonic-ish clock source. Overridable in tests.
var Now = func() int64 { return time.Now().UnixNano() }

// Table is an attached view of the cpuinfo segment.
type Table struct {
	seg        *shmem.Segment
	systemSize int
}

const wireVersion = 1

// Open attaches to (or creates) the cpuinfo segment for key, sized for
// systemSize cpus, all initially DISABLED/unowned.
func Open(key string, systemSize int) (*Table, error) {
	payloadSize := systemSize * entrySize
	seg, err := shmem.Open(key, shmem.RoleCPUInfo, payloadSize, wireVersion, func(payload []byte) {
		entries := asEntries(payload, systemSize)
		now := uint64(Now())
		for i := range entries {
			entries[i].Owner = None
			entries[i].Guest = None
			entries[i].State = uint8(Disabled)
			entries[i].StatsLastTS = now
		}
	})
	if err != nil {
		return nil, err
	}
	return &Table{seg: seg, systemSize: systemSize}, nil
}

func asEntries(payload []byte, n int) []entry {
	if len(payload) < n*entrySize {
		panic("cpuinfo: payload too small for systemSize")
	}
	return unsafe.Slice((*entry)(unsafe.Pointer(&payload[0])), n)
}

func (t *Table) entries() []entry {
	return asEntries(t.seg.Payload(), t.systemSize)
}

// Detach releases this process's attachment.
func (t *Table) Detach() error { return t.seg.Detach() }

// SystemSize returns the fixed number of cpus this segment manages.
func (t *Table) SystemSize() int { return t.systemSize }

// transition records a state change's effect on the statistics accumulator:
// the OLD state's bucket is charged for the time just spent in it, then
// the clock resets.
func transition(e *entry, newState State) {
	now := uint64(Now())
	old := State(e.State)
	if now >= e.StatsLastTS {
		e.StatsAccum[old] += now - e.StatsLastTS
	}
	e.StatsLastTS = now
	e.State = uint8(newState)
}

func deriveState(owner, guest int32) State {
	switch {
	case owner == None:
		return Disabled
	case guest == owner:
		return Busy
	case guest == None || guest != owner:
		return Lent
	default:
		return Disabled
	}
}

// setOwnerGuest applies an (owner, guest) pair and recomputes/records state.
func setOwnerGuest(e *entry, owner, guest int32) {
	transition(e, deriveState(owner, guest))
	e.Owner = owner
	e.Guest = guest
}

// --- queries ---

// Get returns a snapshot of entry c: (owner, guest, state). Locks the
// segment for the read.
func (t *Table) Get(c int) (owner, guest int, state State, status errs.Status) {
	status = errs.SUCCESS
	_ = t.seg.WithLock(func() error {
		e := &t.entries()[c]
		owner, guest, state = int(e.Owner), int(e.Guest), State(e.State)
		return nil
	})
	return
}

// GetCPUStatePercentage returns accum[state]/total_elapsed for cpu c.
func (t *Table) GetCPUStatePercentage(c int, s State) float64 {
	var pct float64
	_ = t.seg.WithLock(func() error {
		e := &t.entries()[c]
		now := uint64(Now())
		accum := e.StatsAccum
		if now >= e.StatsLastTS {
			accum[e.State] += now - e.StatsLastTS
		}
		var total uint64
		for _, v := range accum {
			total += v
		}
		if total == 0 {
			pct = 0
			return nil
		}
		pct = float64(accum[s]) / float64(total)
		return nil
	})
	return pct
}
