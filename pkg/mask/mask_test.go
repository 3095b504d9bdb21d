package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemoveIsSet(t *testing.T) {
	s := Of(0, 1, 4, 63, 64, 127)
	assert.True(t, s.IsSet(0))
	assert.True(t, s.IsSet(64))
	assert.True(t, s.IsSet(127))
	assert.False(t, s.IsSet(2))

	s = s.Remove(64)
	assert.False(t, s.IsSet(64))
	assert.True(t, s.IsSet(127), "removing one word's bit must not disturb another word")
}

func TestCpusSorted(t *testing.T) {
	s := Of(5, 1, 130, 3)
	assert.Equal(t, []int{1, 3, 5, 130}, s.Cpus())
}

func TestUnionIntersectDiff(t *testing.T) {
	a := Of(0, 1, 2, 3)
	b := Of(2, 3, 4, 5)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, a.Union(b).Cpus())
	assert.Equal(t, []int{2, 3}, a.Intersect(b).Cpus())
	assert.Equal(t, []int{0, 1}, a.Diff(b).Cpus())
}

func TestEqualAndOverlaps(t *testing.T) {
	a := Of(0, 1, 2)
	b := Of(2, 1, 0)
	assert.True(t, a.Equal(b))

	c := Of(5, 6)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Overlaps(c))
	assert.True(t, a.Overlaps(b))
}

func TestCountAndEmpty(t *testing.T) {
	var s Set
	assert.True(t, s.Empty())
	assert.Equal(t, 0, s.Count())

	s = s.Add(10)
	assert.False(t, s.Empty())
	assert.Equal(t, 1, s.Count())
}

func TestString(t *testing.T) {
	s := Of(1, 2, 3)
	assert.Equal(t, "{1,2,3}", s.String())
}

func TestCloneIsIndependent(t *testing.T) {
	a := Of(1, 2)
	b := a.Clone()
	b = b.Add(3)
	assert.False(t, a.IsSet(3))
	assert.True(t, b.IsSet(3))
}
