package cpuinfo

import (
	"testing"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/errs"
	"github.com/nodeshare/cpumgr/pkg/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, size int) *Table {
	t.Helper()
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	t.Cleanup(func() { shmem.BaseDir = old })

	tbl, err := Open(t.Name(), size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Detach() })
	return tbl
}

// Lend+borrow with no contention.
func TestScenario_LendThenBorrow(t *testing.T) {
	tbl := newTestTable(t, 4)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.ClaimOwnership(A, 1)
	tbl.ClaimOwnership(B, 2)
	tbl.ClaimOwnership(B, 3)

	st, acts := tbl.Lend(A, 1)
	assert.Equal(t, errs.SUCCESS, st)
	assert.Empty(t, acts)

	st, acts = tbl.Borrow(B, 1)
	assert.Equal(t, errs.SUCCESS, st)
	assert.Equal(t, action.List{{Pid: B, CPUID: 1, Kind: action.EnableCPU}}, acts)

	owner, guest, state, _ := tbl.Get(1)
	assert.Equal(t, A, owner)
	assert.Equal(t, B, guest)
	assert.Equal(t, Lent, state)
}

// Reclaim preempts a guest.
func TestScenario_ReclaimPreemptsGuest(t *testing.T) {
	tbl := newTestTable(t, 4)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.ClaimOwnership(A, 1)
	tbl.ClaimOwnership(B, 2)
	tbl.ClaimOwnership(B, 3)
	tbl.Lend(A, 1)
	tbl.Borrow(B, 1)

	st, acts := tbl.Reclaim(A, 1)
	assert.Equal(t, errs.NOTED, st)
	assert.Equal(t, action.List{
		{Pid: B, CPUID: 1, Kind: action.DisableCPU},
		{Pid: A, CPUID: 1, Kind: action.EnableCPU},
	}, acts)

	owner, guest, state, _ := tbl.Get(1)
	assert.Equal(t, A, owner)
	assert.Equal(t, A, guest)
	assert.Equal(t, Busy, state)
}

// A queued acquire is served on lend.
func TestScenario_QueuedAcquireServedOnLend(t *testing.T) {
	tbl := newTestTable(t, 4)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.ClaimOwnership(A, 1)
	tbl.ClaimOwnership(B, 2)
	tbl.ClaimOwnership(B, 3)

	st, _ := tbl.Reclaim(A, 1) // guest already A -> NOUPDT
	assert.Equal(t, errs.NOUPDT, st)

	st, acts := tbl.Acquire(B, 1)
	assert.Equal(t, errs.NOTED, st)
	assert.Empty(t, acts)

	st, acts = tbl.Lend(A, 1)
	assert.Equal(t, errs.SUCCESS, st)
	assert.Equal(t, action.List{{Pid: B, CPUID: 1, Kind: action.EnableCPU}}, acts)

	owner, guest, _, _ := tbl.Get(1)
	assert.Equal(t, A, owner)
	assert.Equal(t, B, guest)
}

// lend;reclaim round trip with no pending waiter restores the prior state.
func TestRoundTrip_LendReclaim(t *testing.T) {
	tbl := newTestTable(t, 2)
	const A = 111
	tbl.ClaimOwnership(A, 0)

	tbl.Lend(A, 0)
	st, _ := tbl.Reclaim(A, 0)
	assert.Equal(t, errs.SUCCESS, st)

	owner, guest, state, _ := tbl.Get(0)
	assert.Equal(t, A, owner)
	assert.Equal(t, A, guest)
	assert.Equal(t, Busy, state)
}

// acquire;return round trip restores the cpu to its prior value.
func TestRoundTrip_AcquireReturn(t *testing.T) {
	tbl := newTestTable(t, 2)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.Lend(A, 0)

	st, _ := tbl.Acquire(B, 0)
	require.Equal(t, errs.SUCCESS, st)

	st, _ = tbl.ReturnCPU(B, 0)
	require.Equal(t, errs.SUCCESS, st)

	owner, guest, state, _ := tbl.Get(0)
	assert.Equal(t, A, owner)
	assert.Equal(t, 0, guest)
	assert.Equal(t, Lent, state)
}

// Request queue at capacity: the next acquire is rejected with NOMEM.
func TestBoundary_QueueFull(t *testing.T) {
	tbl := newTestTable(t, 2)
	const A = 111
	tbl.ClaimOwnership(A, 0)
	tbl.Lend(A, 0)
	tbl.Borrow(200, 0) // occupy the cpu so further acquires must queue

	for i := 0; i < RequestQueueCapacity; i++ {
		st, _ := tbl.Acquire(300+i, 0)
		require.Equal(t, errs.NOTED, st)
	}
	st, _ := tbl.Acquire(999, 0)
	assert.Equal(t, errs.NOMEM, st)

	owner, guest, _, _ := tbl.Get(0)
	assert.Equal(t, A, owner)
	assert.Equal(t, 200, guest)
}

// ReclaimMask's coalescing only merges duplicate DISABLEs for the same
// (victim, cpu): one victim on two cpus still gets one DISABLE per cpu.
func TestBoundary_ReclaimMaskCoalescesDisable(t *testing.T) {
	tbl := newTestTable(t, 2)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.ClaimOwnership(A, 1)
	tbl.Lend(A, 0)
	tbl.Lend(A, 1)
	tbl.Borrow(B, 0)
	tbl.Borrow(B, 1)

	st, acts := tbl.ReclaimMask(A, []int{0, 1})
	assert.Equal(t, errs.NOTED, st)
	disables := 0
	for _, a := range acts {
		if a.Kind == action.DisableCPU && a.Pid == B {
			disables++
		}
	}
	assert.Equal(t, 2, disables, "one DISABLE per distinct cpu, not coalesced across different cpuids")
}

func TestAcquireOnDisabledCPU(t *testing.T) {
	tbl := newTestTable(t, 1)
	st, acts := tbl.Acquire(111, 0)
	assert.Equal(t, errs.DISABLED, st)
	assert.Empty(t, acts)
}

func TestBorrowNCPUsFromSubset(t *testing.T) {
	tbl := newTestTable(t, 4)
	const A, B = 111, 222
	tbl.ClaimOwnership(A, 0)
	tbl.ClaimOwnership(B, 1)
	tbl.ClaimOwnership(B, 2)
	tbl.ClaimOwnership(B, 3)
	tbl.LendMask(B, []int{1, 2, 3})

	granted, _, acts := tbl.BorrowNCPUsFromSubset(A, 2, []int{1, 2, 3}, -1)
	assert.Equal(t, 2, granted)
	assert.Len(t, acts, 2)
}

func TestGetCPUStatePercentage(t *testing.T) {
	tbl := newTestTable(t, 1)
	const A = 111
	tick := int64(1000)
	origNow := Now
	Now = func() int64 { return tick }
	t.Cleanup(func() { Now = origNow })

	tbl.ClaimOwnership(A, 0) // DISABLED -> BUSY at t=1000
	tick += 500
	tbl.Lend(A, 0) // BUSY -> LENT at t=1500

	pct := tbl.GetCPUStatePercentage(0, Busy)
	assert.InDelta(t, 1.0, pct, 1e-9, "all elapsed time so far was spent BUSY")
}
