package manager

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/delivery"
	"github.com/nodeshare/cpumgr/pkg/errs"
	"github.com/nodeshare/cpumgr/pkg/mask"
	"github.com/nodeshare/cpumgr/pkg/shmem"
	"github.com/nodeshare/cpumgr/pkg/subprocess"
)

func newTestManager(t *testing.T, pid int) *Manager {
	t.Helper()
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	t.Cleanup(func() { shmem.BaseDir = old })

	cfg := DefaultConfig()
	cfg.ShmKey = t.Name()
	cfg.SystemSize = 4

	m, err := Init(cfg, pid)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Finalize() })
	return m
}

func TestInit_RequiresSystemSize(t *testing.T) {
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	defer func() { shmem.BaseDir = old }()

	cfg := DefaultConfig()
	_, err := Init(cfg, 111)
	assert.Error(t, err)
}

func TestRegisterAndDeregister(t *testing.T) {
	m := newTestManager(t, 111)

	st := m.Register(mask.Of(0, 1), false)
	require.Equal(t, errs.SUCCESS, st)

	got, st := m.ProcessMask(111)
	require.Equal(t, errs.SUCCESS, st)
	assert.Equal(t, []int{0, 1}, got.Cpus())

	st = m.Deregister()
	require.Equal(t, errs.SUCCESS, st)
	_, st = m.ProcessMask(111)
	assert.Equal(t, errs.NOINIT, st)
}

func TestLendAndReclaim(t *testing.T) {
	m := newTestManager(t, 111)
	require.Equal(t, errs.SUCCESS, m.Register(mask.Of(0), false))

	st := m.Lend(0)
	require.Equal(t, errs.SUCCESS, st)
	owner, _, state := m.CPUOwnership(0)
	assert.Equal(t, 111, owner)
	assert.Equal(t, cpuinfo.Lent, state)

	st = m.Reclaim(0)
	require.Equal(t, errs.SUCCESS, st)
	_, _, state = m.CPUOwnership(0)
	assert.Equal(t, cpuinfo.Busy, state)
}

func TestPollDrom_DisabledReturnsNOCOMP(t *testing.T) {
	m := newTestManager(t, 111)
	require.Equal(t, errs.SUCCESS, m.Register(mask.Of(0), false))

	_, _, _, st := m.PollDrom()
	assert.Equal(t, errs.NOCOMP, st)
}

func TestInitExt_FailsWithoutExistingSegment(t *testing.T) {
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	defer func() { shmem.BaseDir = old }()

	cfg := DefaultConfig()
	cfg.ShmKey = t.Name()
	cfg.SystemSize = 4
	_, err := InitExt(cfg)
	assert.Equal(t, errs.NOSHMEM, err)
}

func TestSampleUsage_AccumulatesRealProcessJiffies(t *testing.T) {
	m := newTestManager(t, os.Getpid())
	require.Equal(t, errs.SUCCESS, m.Register(mask.Of(0), false))

	require.NoError(t, m.SampleUsage())
	require.NoError(t, m.SampleUsage())

	usage, _, st := m.ProcessUsage(os.Getpid())
	require.Equal(t, errs.SUCCESS, st)
	assert.True(t, usage >= 0)
}

func TestReapDeadPids_RemovesUnreachablePid(t *testing.T) {
	m := newTestManager(t, 111)
	const deadPid = 1 << 30 // not a real pid
	_, acts := m.proc.Register(deadPid, mask.Of(1), false, m.cpus)
	assert.Empty(t, acts)

	reaped := m.ReapDeadPids()
	assert.Equal(t, []int{deadPid}, reaped)

	_, st := m.ProcessMask(deadPid)
	assert.Equal(t, errs.NOINIT, st)
}

func TestStartSignalWatcher_DrainsPendingDeliveryOnWake(t *testing.T) {
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	defer func() { shmem.BaseDir = old }()

	cfg := DefaultConfig()
	cfg.ShmKey = t.Name()
	cfg.SystemSize = 4
	cfg.Mode = "async"

	pid := os.Getpid()
	m, err := Init(cfg, pid)
	require.NoError(t, err)
	defer m.Finalize()

	var mu sync.Mutex
	var enabled []int
	m.SetCallbacks(subprocess.Callbacks{
		EnableCPU: func(c int) {
			mu.Lock()
			enabled = append(enabled, c)
			mu.Unlock()
		},
	})

	stop := m.StartSignalWatcher()
	defer stop()

	d, err := delivery.New(cfg.ShmKey, subprocess.Async, 1)
	require.NoError(t, err)
	require.NoError(t, d.Deliver(context.Background(), action.List{}.Enable(pid, 2)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(enabled) == 1
	}, time.Second, 10*time.Millisecond, "SIGURG wake should drain the signal file and dispatch locally")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, enabled)
}

func TestStartSignalWatcher_NoopUnderPollingMode(t *testing.T) {
	m := newTestManager(t, 111)
	stop := m.StartSignalWatcher()
	stop() // must not panic or block
}

func TestInitExt_AttachesReadOnly(t *testing.T) {
	m := newTestManager(t, 111)
	require.Equal(t, errs.SUCCESS, m.Register(mask.Of(0), false))

	cfg := m.cfg
	ext, err := InitExt(cfg)
	require.NoError(t, err)
	defer ext.Finalize()

	owner, _, _ := ext.CPUOwnership(0)
	assert.Equal(t, 111, owner)
}
