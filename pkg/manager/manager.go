// Package manager wires the core cpuinfo/procinfo state machine, the
// sub-process descriptor, the thread-manager adapter, delivery and metrics
// together into the entry points a real process calls: lifecycle, ownership
// queries, state mutations, and DROM.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/delivery"
	"github.com/nodeshare/cpumgr/pkg/errs"
	"github.com/nodeshare/cpumgr/pkg/mask"
	"github.com/nodeshare/cpumgr/pkg/metrics"
	"github.com/nodeshare/cpumgr/pkg/policy"
	"github.com/nodeshare/cpumgr/pkg/procfs"
	"github.com/nodeshare/cpumgr/pkg/procinfo"
	"github.com/nodeshare/cpumgr/pkg/shmem"
	"github.com/nodeshare/cpumgr/pkg/subprocess"
	"github.com/nodeshare/cpumgr/pkg/threadmgr"
)

// deliverConcurrency bounds how many remote deliveries run at once; the
// request-queue capacity per cpu is the natural upper bound on how many
// distinct pids a single action list can address.
const deliverConcurrency = cpuinfo.RequestQueueCapacity

// Manager is the entry point a single local process uses to join and
// interact with the node-local ownership state. It owns one
// subprocess.Descriptor (this process's pid) over tables shared with every
// other attached process.
type Manager struct {
	cfg Config
	pid int

	cpus *cpuinfo.Table
	proc *procinfo.Table

	desc    *subprocess.Descriptor
	threads *threadmgr.Adapter
	deliver *delivery.Deliverer
	Metrics *metrics.Collector

	prevJiffies uint64
}

// Init attaches (creating on first use) the cpuinfo/procinfo segments for
// cfg.ShmKey, and registers a local descriptor for pid. Fatal configuration
// errors (a bad system size, a segment version mismatch) are returned for
// the caller to decide how to handle; nothing here exits the process. The
// only os.Exit in this package is inside Fatal, which runs only when a
// caller invokes it.
func Init(cfg Config, pid int) (*Manager, error) {
	if cfg.SystemSize <= 0 {
		return nil, fmt.Errorf("manager: system_size must be > 0")
	}

	cpus, err := cpuinfo.Open(cfg.ShmKey, cfg.SystemSize)
	if err != nil {
		return nil, fmt.Errorf("manager: open cpuinfo: %w", err)
	}
	proc, err := procinfo.Open(cfg.ShmKey, cfg.SystemSize, cfg.ShmSizeMultiplier)
	if err != nil {
		_ = cpus.Detach()
		return nil, fmt.Errorf("manager: open procinfo: %w", err)
	}

	deliverer, err := delivery.New(cfg.ShmKey, cfg.DeliveryMode(), deliverConcurrency)
	if err != nil {
		_ = cpus.Detach()
		_ = proc.Detach()
		return nil, fmt.Errorf("manager: build deliverer: %w", err)
	}

	polKind := cfg.PolicyKind()
	desc := subprocess.New(pid, polKind, cfg.DeliveryMode(), nil)
	threads := threadmgr.New(cpus, pid, cfg.SystemSize, policy.For(polKind).LendsIdleWorkers)

	m := &Manager{
		cfg:     cfg,
		pid:     pid,
		cpus:    cpus,
		proc:    proc,
		desc:    desc,
		threads: threads,
		deliver: deliverer,
		Metrics: metrics.New(cpus, proc),
	}
	return m, nil
}

// InitExt attaches as a read-only observer: it opens the existing segments
// (failing with errs.NOSHMEM if they don't exist yet) but never registers a
// pid or mutates core state. cmd/cpumgrctl uses this path exclusively.
func InitExt(cfg Config) (*Manager, error) {
	if !shmem.Exists(cfg.ShmKey, shmem.RoleCPUInfo) || !shmem.Exists(cfg.ShmKey, shmem.RoleProcInfo) {
		return nil, errs.NOSHMEM
	}
	cpus, err := cpuinfo.Open(cfg.ShmKey, cfg.SystemSize)
	if err != nil {
		return nil, fmt.Errorf("manager: attach cpuinfo ext: %w", err)
	}
	proc, err := procinfo.Open(cfg.ShmKey, cfg.SystemSize, cfg.ShmSizeMultiplier)
	if err != nil {
		_ = cpus.Detach()
		return nil, fmt.Errorf("manager: attach procinfo ext: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		cpus:    cpus,
		proc:    proc,
		Metrics: metrics.New(cpus, proc),
	}, nil
}

// Finalize detaches this process from both segments.
func (m *Manager) Finalize() error {
	var firstErr error
	if err := m.cpus.Detach(); err != nil {
		firstErr = err
	}
	if err := m.proc.Detach(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetCallbacks installs this process's local reaction callbacks.
func (m *Manager) SetCallbacks(cb subprocess.Callbacks) {
	m.desc.SetCallbacks(cb)
}

// ThreadManager exposes the OpenMP free-agent adapter so a runtime
// integration can wire parallel-region/task hooks directly.
func (m *Manager) ThreadManager() *threadmgr.Adapter { return m.threads }

// handle dispatches local items immediately and fans remote items out
// through the deliverer, logging (not failing) delivery errors — a
// best-effort wake never blocks the calling core operation.
func (m *Manager) handle(acts action.List) {
	if m.desc != nil {
		m.desc.Dispatch(acts)
	}
	var remote action.List
	for _, it := range acts {
		if it.Pid != m.pid {
			remote = append(remote, it)
		}
	}
	if len(remote) == 0 || m.deliver == nil {
		return
	}
	if err := m.deliver.Deliver(context.Background(), remote); err != nil {
		slog.Warn("manager: delivery failed", "error", err)
	}
}

// StartSignalWatcher installs a SIGURG handler that drains this process's
// delivery inbox whenever an async wake-up arrives, dispatching any pending
// items to the local callbacks registered via SetCallbacks. It is a no-op
// in Polling mode, since nothing ever writes this pid's signal file there.
// The returned stop func uninstalls the handler; call it during shutdown.
func (m *Manager) StartSignalWatcher() (stop func()) {
	if m.cfg.DeliveryMode() != subprocess.Async {
		return func() {}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGURG)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ch:
				m.drainSignal()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// drainSignal reads and clears this pid's pending signal-file items,
// dispatching them through the local descriptor. A failed read is logged,
// not fatal — the next wake-up (or the caller's own next poll) retries.
func (m *Manager) drainSignal() {
	items, err := delivery.Receive(m.cfg.ShmKey, m.pid)
	if err != nil {
		slog.Warn("manager: drain signal delivery failed", "error", err)
		return
	}
	if m.desc != nil {
		m.desc.Dispatch(items)
	}
}

// PreRegister claims mask m for this process without stealing any
// foreign-owned cpu.
func (m *Manager) PreRegister(set mask.Set) errs.Status {
	return m.Register(set, false)
}

// Register claims mask m for this process, optionally stealing
// foreign-owned cpus.
func (m *Manager) Register(set mask.Set, steal bool) errs.Status {
	st, acts := m.proc.Register(m.pid, set, steal, m.cpus)
	m.handle(acts)
	return st
}

// Deregister releases every cpu this process owns, applying the configured
// debug_opts.return_stolen behavior.
func (m *Manager) Deregister() errs.Status {
	st, acts := m.proc.Deregister(m.pid, m.cfg.ReturnStolen, m.cpus)
	m.handle(acts)
	return st
}

// PollDrom applies any pending DROM future_mask change for this process.
func (m *Manager) PollDrom() (added, removed []int, newMask mask.Set, st errs.Status) {
	if !m.cfg.Drom {
		return nil, nil, mask.Set{}, errs.NOCOMP
	}
	var acts action.List
	added, removed, newMask, st, acts = m.proc.Poll(m.pid, m.cpus)
	m.handle(acts)
	return
}

// SetProcessMask is the DROM controller's entry point for changing pid's
// future mask; pid need not be the local process.
func (m *Manager) SetProcessMask(pid int, set mask.Set) errs.Status {
	if !m.cfg.Drom {
		return errs.NOCOMP
	}
	return m.proc.SetProcessMask(pid, set)
}

// Lend releases this process's claim on cpu c back to the pool.
func (m *Manager) Lend(c int) errs.Status {
	st, acts := m.cpus.Lend(m.pid, c)
	m.handle(acts)
	return st
}

// Reclaim takes cpu c back, preempting a guest if necessary.
func (m *Manager) Reclaim(c int) errs.Status {
	st, acts := m.cpus.Reclaim(m.pid, c)
	m.handle(acts)
	return st
}

// Acquire requests cpu c as a non-owner, enqueueing if it's busy.
func (m *Manager) Acquire(c int) errs.Status {
	st, acts := m.cpus.Acquire(m.pid, c)
	m.handle(acts)
	return st
}

// Borrow requests cpu c only if it is immediately available.
func (m *Manager) Borrow(c int) errs.Status {
	st, acts := m.cpus.Borrow(m.pid, c)
	m.handle(acts)
	return st
}

// BorrowNCPUsFromSubset walks priorityList attempting to borrow ncpus. The
// configured policy is not consulted: every cpu in priorityList is tried.
func (m *Manager) BorrowNCPUsFromSubset(ncpus int, priorityList []int, lastBorrowTS int) (granted, nextTS int) {
	var acts action.List
	granted, nextTS, acts = m.cpus.BorrowNCPUsFromSubset(m.pid, ncpus, priorityList, lastBorrowTS)
	m.handle(acts)
	return
}

// ReturnCPU gives a borrowed cpu back to its owner.
func (m *Manager) ReturnCPU(c int) errs.Status {
	st, acts := m.cpus.ReturnCPU(m.pid, c)
	m.handle(acts)
	return st
}

// CPUOwnership returns cpu c's current (owner, guest, state) triple.
func (m *Manager) CPUOwnership(c int) (owner, guest int, state cpuinfo.State) {
	owner, guest, state, _ = m.cpus.Get(c)
	return
}

// CPUStatePercentage returns the observed fraction of time cpu c spent in
// state s.
func (m *Manager) CPUStatePercentage(c int, s cpuinfo.State) float64 {
	return m.cpus.GetCPUStatePercentage(c, s)
}

// ProcessUsage returns pid's cumulative and running-average CPU time.
func (m *Manager) ProcessUsage(pid int) (usageNS, avgUsageNS uint64, st errs.Status) {
	return m.proc.CPUUsage(pid)
}

// LoadAvg returns pid's tracked load averages.
func (m *Manager) LoadAvg(pid int) ([3]float64, errs.Status) {
	return m.proc.LoadAvg(pid)
}

// RegisteredPids returns every pid currently registered in procinfo.
func (m *Manager) RegisteredPids() []int {
	return m.proc.GetPidList()
}

// ProcessMask returns pid's current registered mask.
func (m *Manager) ProcessMask(pid int) (mask.Set, errs.Status) {
	return m.proc.GetProcessMask(pid)
}

// SampleUsage reads this process's current CPU jiffies from /proc, converts
// the delta since the last sample to nanoseconds, and folds it into
// procinfo's running usage counters. Call it periodically (e.g. from the
// same ticker that drives PollDrom).
func (m *Manager) SampleUsage() error {
	jiffies, err := procfs.CPUJiffies(m.pid)
	if err != nil {
		return fmt.Errorf("manager: sample cpu usage: %w", err)
	}
	delta := procfs.DeltaU64(jiffies, m.prevJiffies)
	m.prevJiffies = jiffies

	ns := delta * uint64(1e9) / uint64(procfs.ClockTicks())
	m.proc.UpdateCPUUsage(m.pid, ns)
	return nil
}

// ReapDeadPids scans every registered pid and forcibly deregisters the ones
// whose process no longer exists, returning the pids that were reaped. This
// is the domain-layer half of the segment's robust-mutex recovery story: a
// dead holder's flock releases automatically, but its procinfo/cpuinfo
// entries would otherwise linger forever.
func (m *Manager) ReapDeadPids() []int {
	var reaped []int
	for _, pid := range m.proc.GetPidList() {
		if pid == m.pid || procfs.Exists(pid) {
			continue
		}
		_, acts := m.proc.Deregister(pid, m.cfg.ReturnStolen, m.cpus)
		m.handle(acts)
		reaped = append(reaped, pid)
	}
	return reaped
}

// Fatal logs err at Error level and exits the process, matching the
// teacher's own main.go fatal-error handling.
func Fatal(err error) {
	slog.Error(err.Error())
	os.Exit(1)
}
