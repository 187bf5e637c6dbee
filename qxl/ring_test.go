// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, n uint32, itemSize int, notify func()) (*Ring, []byte) {
	t.Helper()

	// Back the ring with uint64s so the header is aligned
	words := make([]uint64, (RingSize(int(n), itemSize)+7)/8)
	mem := unsafeBytes(words)
	InitRingHeader(mem, n)

	r, err := NewRing("test", mem, itemSize, notify)
	require.NoError(t, err)
	return r, mem
}

func TestRingFIFO(t *testing.T) {
	r, _ := newTestRing(t, 8, 8, nil)

	// Wrap around the ring a few times
	next := uint64(1)
	want := uint64(1)
	for round := 0; round < 5; round++ {
		for i := 0; i < 5; i++ {
			require.NoError(t, r.PushUint64(next))
			next++
		}
		for i := 0; i < 5; i++ {
			v, err := r.PopUint64()
			require.NoError(t, err)
			assert.Equal(t, want, v)
			want++
		}
	}
	assert.Zero(t, r.Len())
	assert.Equal(t, uint32(25), r.ProducerCount())
	assert.Equal(t, uint32(25), r.ConsumerCount())
}

func TestRingFullEmpty(t *testing.T) {
	r, _ := newTestRing(t, 4, 8, nil)

	_, err := r.PopUint64()
	assert.ErrorIs(t, err, ErrRingEmpty)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.PushUint64(uint64(i)))
	}
	assert.ErrorIs(t, r.PushUint64(99), ErrRingFull)
	assert.Equal(t, uint32(4), r.Len())

	v, err := r.PopUint64()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.NoError(t, r.PushUint64(4))

	st := r.State()
	assert.Equal(t, uint32(4), st.Capacity)
	assert.Equal(t, uint32(4), st.Pending)
	assert.Equal(t, uint32(5), st.Producer)
	assert.Equal(t, uint32(1), st.Consumer)
	assert.Equal(t, uint64(1), r.fulls.Load())
}

func TestRingCursorWrap(t *testing.T) {
	r, mem := newTestRing(t, 4, 8, nil)

	// Cursors are free running and wrap at 2^32
	binary.LittleEndian.PutUint32(mem[ringProdOff:], 0xfffffffe)
	binary.LittleEndian.PutUint32(mem[ringConsOff:], 0xfffffffe)

	for i := uint64(0); i < 4; i++ {
		require.NoError(t, r.PushUint64(i))
	}
	assert.ErrorIs(t, r.PushUint64(4), ErrRingFull)
	assert.Equal(t, uint32(2), r.ProducerCount())

	for i := uint64(0); i < 4; i++ {
		v, err := r.PopUint64()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestRingNotifyAfterPublish(t *testing.T) {
	var r *Ring
	var seen []Command

	// The notification must observe the item already published
	r, _ = newTestRing(t, 8, CommandSize, func() {
		cmd, err := r.PopCommand()
		require.NoError(t, err)
		seen = append(seen, cmd)
	})

	require.NoError(t, r.PushCommand(Command{Data: 0x1000, Type: CmdDraw}))
	require.NoError(t, r.PushCommand(Command{Data: 0x2000, Type: CmdSurface}))

	assert.Equal(t, []Command{{Data: 0x1000, Type: CmdDraw}, {Data: 0x2000, Type: CmdSurface}}, seen)
}

func TestRingNoNotifyWhenFull(t *testing.T) {
	calls := 0
	r, _ := newTestRing(t, 2, 8, func() { calls++ })

	require.NoError(t, r.PushUint64(1))
	require.NoError(t, r.PushUint64(2))
	assert.ErrorIs(t, r.PushUint64(3), ErrRingFull)
	assert.Equal(t, 2, calls)
}

func TestRingConcurrent(t *testing.T) {
	r, _ := newTestRing(t, 8, 8, nil)
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; {
			if r.PushUint64(i) == nil {
				i++
			}
		}
	}()

	for want := uint64(1); want <= n; {
		v, err := r.PopUint64()
		if err != nil {
			continue
		}
		require.Equal(t, want, v)
		want++
	}
	wg.Wait()
}

func TestNewRingInvalid(t *testing.T) {
	tests := []struct {
		name     string
		n        uint32
		size     int
		itemSize int
	}{
		{"not a power of two", 6, RingSize(6, 8), 8},
		{"zero items", 0, RingSize(0, 8), 8},
		{"too short", 8, RingSize(4, 8), 8},
		{"no header", 8, 8, 8},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := unsafeBytes(make([]uint64, (max(tc.size, RingHeaderSize)+7)/8))[:tc.size]
			if tc.size >= RingHeaderSize {
				InitRingHeader(mem, tc.n)
			}
			_, err := NewRing("bad", mem, tc.itemSize, nil)
			assert.ErrorIs(t, err, ErrInvalidRing)
		})
	}
}

func TestRingItemSizeMismatch(t *testing.T) {
	r, _ := newTestRing(t, 4, CommandSize, nil)
	assert.Error(t, r.Push(make([]byte, 8)))
	assert.Error(t, r.Pop(make([]byte, 8)))
	assert.Equal(t, CommandSize, r.ItemSize())
	assert.Equal(t, uint32(4), r.Capacity())
	assert.Equal(t, "test", r.Name())
}
