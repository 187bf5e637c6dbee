// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/mulgadc/qxlmem/utils"
)

// ArenaAlign is the alignment of every allocation handed out by an Arena
const ArenaAlign = 8

// ArenaOffset is an offset relative to the start of an arena's backing memory
type ArenaOffset uint64

// Arena is a first-fit free-list allocator over a fixed region of device
// memory. Allocator metadata lives outside the region so the device can never
// corrupt it. An Arena is not safe for concurrent use; only the statistics
// counters may be read from other goroutines.
type Arena struct {
	name string
	mem  []byte

	// free is sorted by offset and never holds two adjacent spans
	free []span
	live map[ArenaOffset]uint64

	// Stats
	used        atomic.Uint64
	allocations atomic.Int64
	totalAllocs atomic.Uint64
	totalFrees  atomic.Uint64
	failures    atomic.Uint64
	resets      atomic.Uint64
	discarded   atomic.Uint64
}

type span struct {
	off  ArenaOffset
	size uint64
}

// ArenaStats is a point in time view of an arena
type ArenaStats struct {
	Name        string
	Size        uint64
	Used        uint64
	Free        uint64
	LargestFree uint64
	Allocations int64
	FreeRegions int
	TotalAllocs uint64
	TotalFrees  uint64
	Failures    uint64
	Resets      uint64
	// Discarded is the number of bytes still allocated at the last ResetAll
	Discarded uint64
}

// NewArena creates an arena over mem. The usable size is len(mem) rounded
// down to ArenaAlign.
func NewArena(name string, mem []byte) *Arena {
	a := &Arena{
		name: name,
		mem:  mem,
	}

	slog.Info("memory space", "arena", name, "size", len(mem))

	a.reinit()
	return a
}

func (a *Arena) reinit() {
	size := uint64(len(a.mem)) &^ (ArenaAlign - 1)
	a.free = a.free[:0]
	if size > 0 {
		a.free = append(a.free, span{off: 0, size: size})
	}
	a.live = make(map[ArenaOffset]uint64)
	a.used.Store(0)
	a.allocations.Store(0)
}

// Name returns the arena name used in logs and metrics
func (a *Arena) Name() string {
	return a.name
}

// Size returns the number of usable bytes in the arena
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem)) &^ (ArenaAlign - 1)
}

// Alloc reserves size bytes and returns the offset of the region. The region
// is zeroed.
func (a *Arena) Alloc(size uint64) (ArenaOffset, error) {
	if size == 0 {
		size = ArenaAlign
	}
	if size > a.Size() {
		a.failures.Add(1)
		return 0, fmt.Errorf("%s: %d bytes: %w", a.name, size, ErrArenaExhausted)
	}
	need := utils.AlignUp(size, ArenaAlign)

	for i := range a.free {
		s := &a.free[i]
		if s.size < need {
			continue
		}

		off := s.off
		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			s.off += ArenaOffset(need)
			s.size -= need
		}

		a.live[off] = need
		clear(a.mem[off : uint64(off)+need])

		a.used.Add(need)
		a.allocations.Add(1)
		a.totalAllocs.Add(1)
		return off, nil
	}

	a.failures.Add(1)
	return 0, fmt.Errorf("%s: %d bytes: %w", a.name, size, ErrArenaExhausted)
}

// Free returns a region to the arena. Freeing an offset that is not live is
// a programming error and panics.
func (a *Arena) Free(off ArenaOffset) {
	size, ok := a.live[off]
	if !ok {
		panic(fmt.Sprintf("qxl: %s: free of unallocated offset %#x", a.name, uint64(off)))
	}
	delete(a.live, off)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })

	mergePrev := i > 0 && a.free[i-1].off+ArenaOffset(a.free[i-1].size) == off
	mergeNext := i < len(a.free) && off+ArenaOffset(size) == a.free[i].off

	switch {
	case mergePrev && mergeNext:
		a.free[i-1].size += size + a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	case mergePrev:
		a.free[i-1].size += size
	case mergeNext:
		a.free[i].off = off
		a.free[i].size += size
	default:
		a.free = append(a.free, span{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = span{off: off, size: size}
	}

	a.used.Add(^(size - 1))
	a.allocations.Add(-1)
	a.totalFrees.Add(1)
}

// ResetAll drops every outstanding allocation. Callers must guarantee that
// nothing referencing the old allocations will be read again, e.g. after the
// device has been reset.
func (a *Arena) ResetAll() {
	outstanding := a.used.Load()
	if outstanding > 0 {
		slog.Debug("arena reset with live allocations", "arena", a.name, "bytes", outstanding, "allocations", a.allocations.Load())
	}
	a.discarded.Store(outstanding)
	a.resets.Add(1)
	a.reinit()
}

// SizeOf returns the rounded size of a live allocation
func (a *Arena) SizeOf(off ArenaOffset) (uint64, bool) {
	size, ok := a.live[off]
	return size, ok
}

// Slice returns n bytes of the arena starting at off. It panics if the range
// is outside of the arena.
func (a *Arena) Slice(off ArenaOffset, n uint64) []byte {
	if !utils.RangeContains(uint64(len(a.mem)), uint64(off), n) {
		panic(fmt.Sprintf("qxl: %s: slice [%#x, +%d) outside of %d byte arena", a.name, uint64(off), n, len(a.mem)))
	}
	return a.mem[off : uint64(off)+n : uint64(off)+n]
}

// Bytes returns the whole of the live allocation at off
func (a *Arena) Bytes(off ArenaOffset) []byte {
	size, ok := a.live[off]
	if !ok {
		panic(fmt.Sprintf("qxl: %s: access to unallocated offset %#x", a.name, uint64(off)))
	}
	return a.Slice(off, size)
}

// Stats returns allocation statistics
func (a *Arena) Stats() ArenaStats {
	st := ArenaStats{
		Name:        a.name,
		Size:        a.Size(),
		Used:        a.used.Load(),
		Allocations: a.allocations.Load(),
		FreeRegions: len(a.free),
		TotalAllocs: a.totalAllocs.Load(),
		TotalFrees:  a.totalFrees.Load(),
		Failures:    a.failures.Load(),
		Resets:      a.resets.Load(),
		Discarded:   a.discarded.Load(),
	}
	for _, s := range a.free {
		st.Free += s.size
		if s.size > st.LargestFree {
			st.LargestFree = s.size
		}
	}
	return st
}

// DumpStats logs the arena statistics under header
func (a *Arena) DumpStats(header string) {
	st := a.Stats()
	slog.Error(header,
		"arena", st.Name,
		"size", st.Size,
		"used", st.Used,
		"free", st.Free,
		"largestFree", st.LargestFree,
		"allocations", st.Allocations,
		"freeRegions", st.FreeRegions,
		"totalAllocs", st.TotalAllocs,
		"totalFrees", st.TotalFrees,
		"failures", st.Failures,
	)
}
