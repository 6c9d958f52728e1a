package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateLowestFirst(t *testing.T) {
	a := NewIDAllocator(1, 5)

	for want := 1; want <= 5; want++ {
		id, ok := a.Allocate()
		require.True(t, ok)
		assert.Equal(t, want, id)
	}

	_, ok := a.Allocate()
	assert.False(t, ok, "range exhausted")
	assert.Equal(t, 5, a.Allocated())
}

func TestReleaseAndReuse(t *testing.T) {
	a := NewIDAllocator(1, 3)
	a.Allocate() // 1
	a.Allocate() // 2
	a.Allocate() // 3

	require.True(t, a.Release(2))

	id, ok := a.Allocate()
	require.True(t, ok)
	assert.Equal(t, 2, id, "released id becomes the lowest free one")
}

func TestReleaseInvalid(t *testing.T) {
	a := NewIDAllocator(1, 3)

	assert.False(t, a.Release(0), "below range")
	assert.False(t, a.Release(4), "above range")
	assert.False(t, a.Release(2), "never allocated")
}

func TestReserve(t *testing.T) {
	a := NewIDAllocator(1, 5)

	require.True(t, a.Reserve(3))
	assert.False(t, a.Reserve(3), "already taken")
	assert.False(t, a.Reserve(9), "outside range")

	// allocation skips the reserved id
	id, ok := a.Allocate()
	require.True(t, ok)
	assert.Equal(t, 1, id)
	id, _ = a.Allocate()
	assert.Equal(t, 2, id)
	id, _ = a.Allocate()
	assert.Equal(t, 4, id)
}
