// Package action implements the action list: the side-effect plan emitted
// by every cpuinfo/procinfo operation and executed by the caller after the
// segment mutex has been released. Core code never invokes a callback
// directly while holding the lock.
package action

// Kind identifies what the target process should do.
type Kind int

const (
	// EnableCPU: target should start running on CPUID.
	EnableCPU Kind = iota
	// DisableCPU: target should stop running on CPUID.
	DisableCPU
	// SetMask: target's registered mask changed; CPUID is unused, NewMask
	// carries the replacement.
	SetMask
)

func (k Kind) String() string {
	switch k {
	case EnableCPU:
		return "ENABLE_CPU"
	case DisableCPU:
		return "DISABLE_CPU"
	case SetMask:
		return "SET_MASK"
	default:
		return "UNKNOWN"
	}
}

// Item is a single `{pid, cpuid, action}` entry.
//
// For SetMask items CPUID is meaningless; Added/Removed carry the delta
// computed by procinfo.Poll and NewMask carries the post-swap registered
// mask, so SET_MASK callbacks receive the same information
// set_process_mask(mask) expects.
type Item struct {
	Pid     int
	CPUID   int
	Kind    Kind
	Added   []int
	Removed []int
	NewMask []int
}

// List is an ordered action list. Items for the same target pid must be
// observed in the order they were appended.
type List []Item

// Enable appends an ENABLE_CPU item.
func (l List) Enable(pid, cpu int) List {
	return append(l, Item{Pid: pid, CPUID: cpu, Kind: EnableCPU})
}

// Disable appends a DISABLE_CPU item.
func (l List) Disable(pid, cpu int) List {
	return append(l, Item{Pid: pid, CPUID: cpu, Kind: DisableCPU})
}

// SetProcessMask appends a SET_MASK item.
func (l List) SetProcessMask(pid int, added, removed, newMask []int) List {
	return append(l, Item{Pid: pid, Kind: SetMask, Added: added, Removed: removed, NewMask: newMask})
}

// For returns the sub-list of items addressed to pid, preserving order.
func (l List) For(pid int) List {
	var out List
	for _, it := range l {
		if it.Pid == pid {
			out = append(out, it)
		}
	}
	return out
}

// Coalesce removes duplicate DISABLE_CPU items for the same (pid, cpuid)
// pair: a reclaim emitted while the victim already holds a pending DISABLE
// must not produce two DISABLE items for the same cpu.
func (l List) Coalesce() List {
	seen := make(map[[2]int]bool, len(l))
	out := make(List, 0, len(l))
	for _, it := range l {
		if it.Kind == DisableCPU {
			key := [2]int{it.Pid, it.CPUID}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, it)
	}
	return out
}
