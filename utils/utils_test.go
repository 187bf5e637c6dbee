package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUp(t *testing.T) {
	tests := []struct {
		v, align, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4095, 4096, 4096},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, AlignUp(tc.v, tc.align), "AlignUp(%d, %d)", tc.v, tc.align)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.False(t, IsPowerOfTwo(0))
	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(32))
	assert.False(t, IsPowerOfTwo(48))
}

func TestRangeContains(t *testing.T) {
	assert.True(t, RangeContains(100, 0, 100))
	assert.True(t, RangeContains(100, 99, 1))
	assert.False(t, RangeContains(100, 99, 2))
	assert.False(t, RangeContains(100, 101, 0))
	assert.False(t, RangeContains(100, 50, math.MaxUint64))
}
