// Package procinfo implements the procinfo shared-memory table: one record
// per registered pid carrying its registered mask, the DROM future mask,
// stolen-cpu bookkeeping, and best-effort usage counters.
package procinfo

import (
	"unsafe"

	"github.com/nodeshare/cpumgr/pkg/mask"
	"github.com/nodeshare/cpumgr/pkg/shmem"
)

// MaxSystemSize bounds the fixed-size per-entry bitset/owner arrays so the
// on-disk entry layout stays a compile-time constant regardless of the
// systemSize a particular segment was opened with.
const MaxSystemSize = 256

const maskWords = MaxSystemSize / 64

// entry is the fixed, pointer-free, position-independent on-disk layout of
// one procinfo record.
type entry struct {
	Pid             int32
	Dirty           uint8
	_pad            [3]byte
	RegisteredMask  [maskWords]uint64
	FutureMask      [maskWords]uint64
	StolenMask      [maskWords]uint64
	StolenFromOwner [MaxSystemSize]int32 // indexed by cpuid, valid where StolenMask bit is set

	UsageNS    uint64
	AvgUsageNS uint64
	LoadAvg    [3]float64
}

const entrySize = int(unsafe.Sizeof(entry{}))

// Table is an attached view of the procinfo segment.
type Table struct {
	seg        *shmem.Segment
	systemSize int
	maxProcs   int
	multiplier uint32
}

const wireVersion = 1

// Open attaches to (or creates) the procinfo segment for key, sized to hold
// up to systemSize*multiplier concurrent registrations.
func Open(key string, systemSize int, multiplier uint32) (*Table, error) {
	if systemSize > MaxSystemSize {
		panic("procinfo: systemSize exceeds MaxSystemSize")
	}
	if multiplier == 0 {
		multiplier = 1
	}
	maxProcs := systemSize * int(multiplier)
	payloadSize := maxProcs * entrySize

	seg, err := shmem.Open(key, shmem.RoleProcInfo, payloadSize, wireVersion, func(payload []byte) {
		entries := asEntries(payload, maxProcs)
		for i := range entries {
			entries[i].Pid = 0
		}
	})
	if err != nil {
		return nil, err
	}
	return &Table{seg: seg, systemSize: systemSize, maxProcs: maxProcs, multiplier: multiplier}, nil
}

func asEntries(payload []byte, n int) []entry {
	if len(payload) < n*entrySize {
		panic("procinfo: payload too small for maxProcs")
	}
	return unsafe.Slice((*entry)(unsafe.Pointer(&payload[0])), n)
}

func (t *Table) entries() []entry {
	return asEntries(t.seg.Payload(), t.maxProcs)
}

// Detach releases this process's attachment.
func (t *Table) Detach() error { return t.seg.Detach() }

// SystemSize returns the fixed number of cpus this segment was sized for.
func (t *Table) SystemSize() int { return t.systemSize }

// find returns the index of pid's entry, or -1 if pid is not registered.
// Callers must already hold the segment lock.
func find(entries []entry, pid int32) int {
	for i := range entries {
		if entries[i].Pid == pid {
			return i
		}
	}
	return -1
}

// freeSlot returns the index of an unused entry, or -1 if the table is full.
func freeSlot(entries []entry) int {
	return find(entries, 0)
}

func setFromMask(words *[maskWords]uint64, m mask.Set) {
	for i := range words {
		words[i] = 0
	}
	for i, w := range m {
		if i >= maskWords {
			break
		}
		words[i] = w
	}
}

func maskFromWords(words [maskWords]uint64) mask.Set {
	return mask.Set(append([]uint64(nil), words[:]...))
}
