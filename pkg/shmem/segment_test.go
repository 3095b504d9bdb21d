package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTempBaseDir(t *testing.T) {
	t.Helper()
	old := BaseDir
	BaseDir = t.TempDir()
	t.Cleanup(func() { BaseDir = old })
}

func TestOpenFirstAttachRunsInit(t *testing.T) {
	withTempBaseDir(t)

	var initRan bool
	seg, err := Open("testkey", RoleCPUInfo, 64, 1, func(payload []byte) {
		initRan = true
		payload[0] = 0xAB
	})
	require.NoError(t, err)
	defer seg.Detach()

	assert.True(t, initRan)
	assert.Equal(t, byte(0xAB), seg.Payload()[0])
	assert.EqualValues(t, 1, seg.NumAttached())
}

func TestSecondAttachSkipsInitAndBumpsRefcount(t *testing.T) {
	withTempBaseDir(t)

	initCount := 0
	init := func(payload []byte) { initCount++ }

	seg1, err := Open("testkey", RoleCPUInfo, 64, 1, init)
	require.NoError(t, err)
	defer seg1.Detach()

	seg2, err := Open("testkey", RoleCPUInfo, 64, 1, init)
	require.NoError(t, err)
	defer seg2.Detach()

	assert.Equal(t, 1, initCount, "init must run only on first attach")
	assert.EqualValues(t, 2, seg1.NumAttached())
}

func TestVersionMismatchFails(t *testing.T) {
	withTempBaseDir(t)

	seg1, err := Open("vkey", RoleCPUInfo, 64, 1, nil)
	require.NoError(t, err)
	defer seg1.Detach()

	_, err = Open("vkey", RoleCPUInfo, 64, 2, nil)
	require.Error(t, err)
	var mismatch *ErrVersionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestDetachUnlinksWhenRefcountHitsZero(t *testing.T) {
	withTempBaseDir(t)

	seg, err := Open("ukey", RoleCPUInfo, 32, 1, nil)
	require.NoError(t, err)

	assert.True(t, Exists("ukey", RoleCPUInfo))
	require.NoError(t, seg.Detach())
	assert.False(t, Exists("ukey", RoleCPUInfo))
}

func TestWithLockRunsExclusively(t *testing.T) {
	withTempBaseDir(t)

	seg, err := Open("lkey", RoleCPUInfo, 32, 1, nil)
	require.NoError(t, err)
	defer seg.Detach()

	var ran bool
	err = seg.WithLock(func() error {
		ran = true
		seg.Payload()[0] = 7
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, byte(7), seg.Payload()[0])
}
