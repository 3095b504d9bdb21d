// Package subprocess implements the per-process runtime descriptor: the
// current policy, interaction mode, callback registry, and borrow priority
// order. Multiple descriptors can coexist in one address space, one per
// locally-managed pid.
package subprocess

import (
	"sync"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/policy"
)

// Mode controls how remote action items are delivered.
type Mode int

const (
	Polling Mode = iota
	Async
)

// Callbacks is the registry of local reaction functions. A nil field is a
// no-op; Descriptor never panics on a missing callback.
type Callbacks struct {
	EnableCPU      func(cpuid int)
	DisableCPU     func(cpuid int)
	EnableCPUSet   func(cpus []int)
	DisableCPUSet  func(cpus []int)
	SetProcessMask func(cpus []int)
}

// Descriptor is one process's local view of the manager.
type Descriptor struct {
	Pid    int
	Policy policy.Kind
	Mode   Mode

	mu            sync.RWMutex
	callbacks     Callbacks
	priorityArray []int // cpus_priority_array: borrow attempt order
}

// New creates a descriptor for pid with the given policy/mode and an
// initial borrow priority order (typically own-core, same-core, same-numa,
// other, per the spec's affinity ordering — computed upstream by the
// caller and handed in here as a plain slice).
func New(pid int, p policy.Kind, mode Mode, priorityArray []int) *Descriptor {
	return &Descriptor{
		Pid:           pid,
		Policy:        p,
		Mode:          mode,
		priorityArray: append([]int(nil), priorityArray...),
	}
}

// SetCallbacks installs the callback registry.
func (d *Descriptor) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = cb
}

// PriorityArray returns a copy of the current borrow priority order.
func (d *Descriptor) PriorityArray() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]int(nil), d.priorityArray...)
}

// SetPriorityArray replaces the borrow priority order, e.g. after a DROM
// mask change recomputes affinity.
func (d *Descriptor) SetPriorityArray(order []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priorityArray = append([]int(nil), order...)
}

// Dispatch runs the local callbacks for every item in items addressed to
// this descriptor's pid, in order, outside any segment mutex. Items
// addressed to other pids are ignored — callers deliver those via
// pkg/delivery.
func (d *Descriptor) Dispatch(items action.List) {
	d.mu.RLock()
	cb := d.callbacks
	d.mu.RUnlock()

	mine := items.For(d.Pid)
	var enabled, disabled []int
	for _, it := range mine {
		switch it.Kind {
		case action.EnableCPU:
			enabled = append(enabled, it.CPUID)
			if cb.EnableCPU != nil {
				cb.EnableCPU(it.CPUID)
			}
		case action.DisableCPU:
			disabled = append(disabled, it.CPUID)
			if cb.DisableCPU != nil {
				cb.DisableCPU(it.CPUID)
			}
		case action.SetMask:
			if cb.SetProcessMask != nil {
				cb.SetProcessMask(it.NewMask)
			}
		}
	}
	if len(enabled) > 0 && cb.EnableCPUSet != nil {
		cb.EnableCPUSet(enabled)
	}
	if len(disabled) > 0 && cb.DisableCPUSet != nil {
		cb.DisableCPUSet(disabled)
	}
}
