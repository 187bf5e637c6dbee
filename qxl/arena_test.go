// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAlloc(t *testing.T) {
	a := NewArena("test", make([]byte, 4096))

	tests := []struct {
		name string
		size uint64
		want uint64
	}{
		{"zero", 0, ArenaAlign},
		{"one", 1, 8},
		{"aligned", 64, 64},
		{"unaligned", 100, 104},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			off, err := a.Alloc(tc.size)
			require.NoError(t, err)

			size, ok := a.SizeOf(off)
			require.True(t, ok)
			assert.Equal(t, tc.want, size)
			assert.Zero(t, uint64(off)%ArenaAlign, "offset %#x not aligned", off)
		})
	}
}

func TestArenaDisjoint(t *testing.T) {
	a := NewArena("test", make([]byte, 8192))

	type region struct{ off, size uint64 }
	var regions []region
	for _, size := range []uint64{16, 160, 48, 1000, 8, 24, 512} {
		off, err := a.Alloc(size)
		require.NoError(t, err)
		regions = append(regions, region{uint64(off), size})
	}

	for i, r := range regions {
		assert.LessOrEqual(t, r.off+r.size, a.Size(), "region %d exceeds the arena", i)
		for j, o := range regions {
			if i == j {
				continue
			}
			overlap := r.off < o.off+o.size && o.off < r.off+r.size
			assert.False(t, overlap, "regions %d and %d overlap", i, j)
		}
	}
}

func TestArenaZeroes(t *testing.T) {
	mem := make([]byte, 256)
	a := NewArena("test", mem)

	off, err := a.Alloc(64)
	require.NoError(t, err)
	b := a.Bytes(off)
	for i := range b {
		b[i] = 0xff
	}
	a.Free(off)

	off, err = a.Alloc(64)
	require.NoError(t, err)
	for _, v := range a.Bytes(off) {
		require.Zero(t, v)
	}
}

func TestArenaExhausted(t *testing.T) {
	a := NewArena("test", make([]byte, 1024))

	_, err := a.Alloc(2048)
	assert.ErrorIs(t, err, ErrArenaExhausted)

	off, err := a.Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, ArenaOffset(0), off)

	_, err = a.Alloc(8)
	assert.ErrorIs(t, err, ErrArenaExhausted)
	assert.Equal(t, uint64(2), a.Stats().Failures)
}

func TestArenaCoalesce(t *testing.T) {
	a := NewArena("test", make([]byte, 1024))

	var offs []ArenaOffset
	for i := 0; i < 4; i++ {
		off, err := a.Alloc(256)
		require.NoError(t, err)
		offs = append(offs, off)
	}

	// Free out of order: the arena must end up as one region again
	for _, i := range []int{2, 0, 3, 1} {
		a.Free(offs[i])
	}

	st := a.Stats()
	assert.Equal(t, 1, st.FreeRegions)
	assert.Equal(t, uint64(1024), st.LargestFree)
	assert.Zero(t, st.Used)
	assert.Zero(t, st.Allocations)

	off, err := a.Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, ArenaOffset(0), off)
}

func TestArenaFreeUnknownPanics(t *testing.T) {
	a := NewArena("test", make([]byte, 1024))

	off, err := a.Alloc(32)
	require.NoError(t, err)
	a.Free(off)

	assert.Panics(t, func() { a.Free(off) }, "double free")
	assert.Panics(t, func() { a.Free(off + 8) }, "free of an interior offset")
	assert.Panics(t, func() { a.Bytes(off) })
}

func TestArenaResetAll(t *testing.T) {
	a := NewArena("test", make([]byte, 4096))

	for i := 0; i < 10; i++ {
		_, err := a.Alloc(100)
		require.NoError(t, err)
	}
	used := a.Stats().Used

	a.ResetAll()

	st := a.Stats()
	assert.Zero(t, st.Used)
	assert.Zero(t, st.Allocations)
	assert.Equal(t, uint64(1), st.Resets)
	assert.Equal(t, used, st.Discarded)

	// A full-length allocation must succeed right after a reset
	off, err := a.Alloc(a.Size())
	require.NoError(t, err)
	assert.Equal(t, ArenaOffset(0), off)
}

func TestArenaStats(t *testing.T) {
	a := NewArena("stats", make([]byte, 1000))
	assert.Equal(t, uint64(1000), a.Size())
	assert.Equal(t, "stats", a.Name())

	off, err := a.Alloc(10)
	require.NoError(t, err)
	a.Free(off)
	_, err = a.Alloc(20)
	require.NoError(t, err)

	st := a.Stats()
	assert.Equal(t, uint64(2), st.TotalAllocs)
	assert.Equal(t, uint64(1), st.TotalFrees)
	assert.Equal(t, int64(1), st.Allocations)
	assert.Equal(t, uint64(24), st.Used)
	assert.Equal(t, st.Size-st.Used, st.Free)

	a.DumpStats("test stats")
}

func TestArenaFirstFit(t *testing.T) {
	a := NewArena("test", make([]byte, 1024))

	first, err := a.Alloc(128)
	require.NoError(t, err)
	second, err := a.Alloc(128)
	require.NoError(t, err)
	_, err = a.Alloc(128)
	require.NoError(t, err)

	a.Free(first)
	a.Free(second)

	// The hole at the start now fits 256 bytes and is found first
	off, err := a.Alloc(200)
	require.NoError(t, err)
	assert.Equal(t, first, off)
}
