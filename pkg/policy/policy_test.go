package policy

import (
	"testing"

	"github.com/nodeshare/cpumgr/pkg/mask"
	"github.com/stretchr/testify/assert"
)

func TestParseKind(t *testing.T) {
	assert.Equal(t, Lewi, ParseKind("lewi"))
	assert.Equal(t, LewiMask, ParseKind("lewi_mask"))
	assert.Equal(t, None, ParseKind("bogus"))
}

func TestFor_NoneBorrowsNothing(t *testing.T) {
	ops := For(None)
	got := ops.BorrowTargets(mask.Of(0, 1), mask.Of(0, 1, 2, 3))
	assert.True(t, got.Empty())
	assert.False(t, ops.LendsIdleWorkers)
}

func TestFor_LewiBorrowsSystemWide(t *testing.T) {
	ops := For(Lewi)
	sys := mask.Of(0, 1, 2, 3)
	got := ops.BorrowTargets(mask.Of(0), sys)
	assert.Equal(t, sys.Cpus(), got.Cpus())
	assert.True(t, ops.LendsIdleWorkers)
}

func TestFor_LewiMaskBorrowsOwnMaskOnly(t *testing.T) {
	ops := For(LewiMask)
	own := mask.Of(0, 1)
	got := ops.BorrowTargets(own, mask.Of(0, 1, 2, 3))
	assert.Equal(t, own.Cpus(), got.Cpus())
}

func TestFor_UnknownFallsBackToNone(t *testing.T) {
	ops := For(Kind(99))
	assert.False(t, ops.LendsIdleWorkers)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "LEWI_MASK", LewiMask.String())
}
