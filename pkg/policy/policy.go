// Package policy implements the tagged dispatch table selecting how a
// sub-process descriptor reacts to CPU demand: NONE leaves the ownership
// state machine untouched, LEWI and LEWI_MASK both lend/borrow but differ
// in which CPUs are eligible borrow targets.
package policy

import "github.com/nodeshare/cpumgr/pkg/mask"

// Kind names a scheduling policy.
type Kind int

const (
	None Kind = iota
	Lewi
	LewiMask
)

func (k Kind) String() string {
	switch k {
	case None:
		return "NONE"
	case Lewi:
		return "LEWI"
	case LewiMask:
		return "LEWI_MASK"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a config string to a Kind, defaulting to None on no match.
func ParseKind(s string) Kind {
	switch s {
	case "lewi":
		return Lewi
	case "lewi_mask", "lewi-mask":
		return LewiMask
	default:
		return None
	}
}

// Ops is the set of behaviors a policy customizes. BorrowTargets narrows
// processMask down to the CPUs this policy permits borrowing from;
// LendsIdleWorkers reports whether parallel_end at level 1 should lend
// idle worker CPUs back to the pool.
type Ops struct {
	BorrowTargets    func(processMask, systemMask mask.Set) mask.Set
	LendsIdleWorkers bool
}

// table is the dispatch table keyed by Kind: a plain map of function
// values standing in for Go's lack of vtables, one entry per policy.
var table = map[Kind]Ops{
	None: {
		BorrowTargets:    func(processMask, systemMask mask.Set) mask.Set { return mask.Set{} },
		LendsIdleWorkers: false,
	},
	Lewi: {
		BorrowTargets:    func(processMask, systemMask mask.Set) mask.Set { return systemMask },
		LendsIdleWorkers: true,
	},
	LewiMask: {
		BorrowTargets:    func(processMask, systemMask mask.Set) mask.Set { return processMask },
		LendsIdleWorkers: true,
	},
}

// For returns k's dispatch table entry, falling back to None's if k is
// unrecognized.
func For(k Kind) Ops {
	if ops, ok := table[k]; ok {
		return ops
	}
	return table[None]
}
