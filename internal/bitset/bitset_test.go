package bitset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/bitset"
)

func TestSetTestClear(t *testing.T) {
	s := bitset.New(4)
	assert.False(t, s.Test(0))
	s.Set(0)
	assert.True(t, s.Test(0))
	s.Clear(0)
	assert.False(t, s.Test(0))
}

func TestAllEmptyIsVacuouslyTrue(t *testing.T) {
	s := bitset.New(0)
	assert.True(t, s.All())
}

func TestAll(t *testing.T) {
	s := bitset.New(3)
	assert.False(t, s.All())
	s.Set(0)
	s.Set(1)
	s.Set(2)
	assert.True(t, s.All())
}

func TestIsSubsetOf(t *testing.T) {
	read := bitset.New(4)
	write := bitset.New(4)
	read.Set(0)
	read.Set(1)
	write.Set(0)
	assert.True(t, write.IsSubsetOf(read))
	write.Set(2)
	assert.False(t, write.IsSubsetOf(read))
}

func TestResizeGrowPreservesBits(t *testing.T) {
	s := bitset.New(2)
	s.Set(1)
	s.Resize(4)
	assert.Equal(t, uint(4), s.Len())
	assert.True(t, s.Test(1))
	assert.False(t, s.Test(3))
}

func TestResizeShrinkDropsTrailingBits(t *testing.T) {
	s := bitset.New(4)
	s.Set(3)
	s.Resize(2)
	assert.Equal(t, uint(2), s.Len())
}

func TestHexRoundTrip(t *testing.T) {
	s := bitset.New(10)
	s.Set(0)
	s.Set(9)
	hexStr := s.ToHex()

	restored, err := bitset.FromHex(10, hexStr)
	require.NoError(t, err)
	assert.True(t, restored.Test(0))
	assert.True(t, restored.Test(9))
	assert.False(t, restored.Test(5))
}

func TestFromHexEmpty(t *testing.T) {
	s, err := bitset.FromHex(0, "")
	require.NoError(t, err)
	assert.True(t, s.All())
}
