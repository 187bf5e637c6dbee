// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulgadc/qxlmem/qxl/backends/memory"
)

func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

// testHost plays the device: it acknowledges async I/O, resets the RAM header
// and bumps the slot generation on RESET. It never consumes the rings by
// itself; tests do that with take and release.
type testHost struct {
	t      *testing.T
	be     *memory.Backend
	rom    ROM
	hdrOff int
	noAck  bool
	onOOM  func()
}

type testConfig struct {
	ramSize     int
	vramSize    int
	numSurfaces uint32
	opts        Options
}

func newTestDevice(t *testing.T, cfg testConfig) (*Device, *testHost) {
	t.Helper()

	if cfg.ramSize == 0 {
		cfg.ramSize = 256 * 1024
	}
	if cfg.vramSize == 0 {
		cfg.vramSize = 256 * 1024
	}
	if cfg.numSurfaces == 0 {
		cfg.numSurfaces = 16
	}
	if cfg.opts.Exit == nil {
		cfg.opts.Exit = func(code int) { t.Fatalf("unexpected exit %d", code) }
	}
	if cfg.opts.Sleep == nil {
		cfg.opts.Sleep = func(time.Duration) {}
	}

	be := memory.New(memory.Config{RAMSize: cfg.ramSize, VRAMSize: cfg.vramSize, ROMSize: 4096})
	require.NoError(t, be.Init())

	rom, err := FormatDeviceMemory(be.ROM(), be.RAM(), Layout{NumSurfaces: cfg.numSurfaces, Modes: testModes})
	require.NoError(t, err)

	h := &testHost{t: t, be: be, rom: rom, hdrOff: int(rom.RAMHeaderOffset)}
	be.SetPortHandler(h.handle)

	d, err := Open(context.Background(), be, cfg.opts)
	require.NoError(t, err)
	return d, h
}

func (h *testHost) handle(port, value uint8) {
	switch port {
	case IOReset:
		require.NoError(h.t, FormatRAMHeader(h.be.RAM(), h.hdrOff))
		BumpSlotGeneration(h.be.ROM())
	case IONotifyOOM:
		if h.onOOM != nil {
			h.onOOM()
		}
	}
	if IsAsyncIO(port) && !h.noAck {
		RaiseInterrupt(h.be.RAM(), h.hdrOff, InterruptIOCmd)
	}
}

// take pops every command of ring and returns their records' local addresses
func (h *testHost) take(d *Device, ring *Ring) []LocalAddress {
	h.t.Helper()

	var locals []LocalAddress
	for {
		cmd, err := ring.PopCommand()
		if errors.Is(err, ErrRingEmpty) {
			return locals
		}
		require.NoError(h.t, err)

		local, err := d.translator.VirtualIn(d.mainSlot, cmd.Data)
		require.NoError(h.t, err)
		locals = append(locals, local)
	}
}

// release hands records back as one chain
func (h *testHost) release(locals ...LocalAddress) {
	h.t.Helper()
	if len(locals) == 0 {
		return
	}

	ram := h.be.RAM()
	for i := 0; i < len(locals)-1; i++ {
		next := binary.LittleEndian.Uint64(ram[locals[i+1]:])
		binary.LittleEndian.PutUint64(ram[locals[i]+8:], next)
	}

	ring, err := RAMHeaderRing(ram, h.hdrOff, "release")
	require.NoError(h.t, err)
	r, err := NewRing("host release", ring, 8, nil)
	require.NoError(h.t, err)
	require.NoError(h.t, r.PushUint64(binary.LittleEndian.Uint64(ram[locals[0]:])))
}

// releaseAll takes both command rings and releases everything
func (h *testHost) releaseAll(d *Device) int {
	locals := append(h.take(d, d.cmdRing), h.take(d, d.cursorRing)...)
	h.release(locals...)
	return len(locals)
}

func TestOpen(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	assert.Equal(t, uint8(1), d.MainSlot())
	assert.Equal(t, uint8(2), d.VRAMSlot())
	assert.Equal(t, testModes, d.Modes())
	assert.Equal(t, h.rom, d.ROM())
	assert.Equal(t, 2, h.be.CountPortWrites(IOMemslotAddAsync))

	assert.Equal(t, uint64(h.rom.NumPages)*PageSize, d.Arena().Size())
	assert.Equal(t, uint64(len(h.be.VRAM())), d.SurfaceArena().Size())

	// Interrupt acknowledged
	assert.Zero(t, binary.LittleEndian.Uint32(h.be.RAM()[h.hdrOff+ramIntPendingOff:])&InterruptIOCmd)

	main, err := d.Translator().Slot(d.MainSlot())
	require.NoError(t, err)
	assert.Equal(t, uint64(memory.DefaultRAMPhysical), main.PhysStart)
	assert.Equal(t, uint64(len(h.be.RAM())), main.Size())

	vram, err := d.Translator().Slot(d.VRAMSlot())
	require.NoError(t, err)
	assert.Equal(t, uint64(memory.DefaultVRAMPhysical), vram.PhysStart)
	assert.Equal(t, d.vramBase, vram.VirtStart)
}

func TestOpenErrors(t *testing.T) {
	newBackend := func(t *testing.T) *memory.Backend {
		be := memory.New(memory.Config{RAMSize: 64 * 1024, VRAMSize: 64 * 1024, ROMSize: 4096})
		require.NoError(t, be.Init())
		_, err := FormatDeviceMemory(be.ROM(), be.RAM(), Layout{NumSurfaces: 8})
		require.NoError(t, err)
		return be
	}

	tests := []struct {
		name    string
		corrupt func(be *memory.Backend)
		want    error
	}{
		{
			name:    "bad ROM magic",
			corrupt: func(be *memory.Backend) { be.ROM()[0] ^= 0xff },
			want:    ErrBadROMMagic,
		},
		{
			name: "bad RAM magic",
			corrupt: func(be *memory.Backend) {
				rom, _ := ParseROM(be.ROM())
				be.RAM()[rom.RAMHeaderOffset] = 0
			},
			want: ErrBadRAMMagic,
		},
		{
			name: "header outside RAM",
			corrupt: func(be *memory.Backend) {
				binary.LittleEndian.PutUint32(be.ROM()[44:], uint32(len(be.RAM())))
			},
			want: ErrBadLayout,
		},
		{
			name: "pages overlap the header",
			corrupt: func(be *memory.Backend) {
				binary.LittleEndian.PutUint32(be.ROM()[28:], 1000)
			},
			want: ErrBadLayout,
		},
		{
			name: "single slot",
			corrupt: func(be *memory.Backend) {
				be.ROM()[65] = 2
			},
			want: ErrUnknownSlot,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			be := newBackend(t)
			tc.corrupt(be)

			_, err := Open(context.Background(), be, Options{})
			require.ErrorIs(t, err, tc.want)

			var perr *ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestAsyncIOTimeout(t *testing.T) {
	d, h := newTestDevice(t, testConfig{opts: Options{AsyncTimeout: 20 * time.Millisecond}})
	h.noAck = true

	err := d.FlushSurfaces(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.FlushSurfaces(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResetInvalidatesAddresses(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	_, err := d.CreatePrimary(context.Background(), 64, 32, 256, SurfaceFormat32xRGB)
	require.NoError(t, err)
	require.NoError(t, d.SubmitFill(0, Rect{Right: 10, Bottom: 10}, 0xff))

	cmd, err := d.CommandRing().PopCommand()
	require.NoError(t, err)
	_, gen, _ := d.Translator().Split(cmd.Data)
	assert.Zero(t, gen)

	require.NoError(t, d.Reset(context.Background()))
	assert.Equal(t, uint8(1), SlotGeneration(h.be.ROM()))

	_, err = d.DeviceBytes(cmd.Data, 16)
	assert.ErrorIs(t, err, ErrStaleAddress)

	// Everything allocated before the reset is gone
	assert.Zero(t, d.Arena().Stats().Used)
	assert.Nil(t, d.Primary())
	assert.Zero(t, d.CommandRing().Len())

	// New records carry the new generation
	_, err = d.CreatePrimary(context.Background(), 64, 32, 256, SurfaceFormat32xRGB)
	require.NoError(t, err)
	require.NoError(t, d.SubmitFill(0, Rect{Right: 10, Bottom: 10}, 0xff))
	cmd, err = d.CommandRing().PopCommand()
	require.NoError(t, err)
	_, gen, _ = d.Translator().Split(cmd.Data)
	assert.Equal(t, uint8(1), gen)

	b, err := d.DeviceBytes(cmd.Data, DrawableSize)
	require.NoError(t, err)
	assert.Equal(t, uint8(DrawFill), b[drawTypeOff])
}

func TestSetMode(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	require.NoError(t, d.SetMode(context.Background(), 1))
	assert.Equal(t, &d.modes[1], d.mode)
	assert.Equal(t, 1, h.be.CountPortWrites(IOSetMode))
	assert.Equal(t, 1, h.be.CountPortWrites(IOReset))

	writes := h.be.PortWrites()
	for _, w := range writes {
		if w.Port == IOSetMode {
			assert.Equal(t, uint8(1), w.Value)
		}
	}

	assert.Error(t, d.SetMode(context.Background(), 7))
}

func TestCreatePrimary(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	_, err := d.CreatePrimary(context.Background(), 4096, 4096, 4096*4, SurfaceFormat32xRGB)
	assert.Error(t, err, "larger than the draw area")

	s, err := d.CreatePrimary(context.Background(), 64, 32, 256, SurfaceFormat32xRGB)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s.ID)
	assert.Same(t, s, d.Primary())

	sc := record(h.be.RAM()[h.hdrOff+ramCreateSurfaceOff:])
	assert.Equal(t, uint32(64), sc.u32(scWidthOff))
	assert.Equal(t, uint32(32), sc.u32(scHeightOff))
	assert.Equal(t, int32(256), sc.i32(scStrideOff))
	assert.Equal(t, uint32(SurfaceTypePrimary), sc.u32(scTypeOff))

	local, err := d.Translator().Virtual(sc.addr(scMemOff))
	require.NoError(t, err)
	assert.Equal(t, LocalAddress(h.rom.DrawAreaOffset), local)

	got, ok := d.Surfaces().Get(0)
	assert.True(t, ok)
	assert.Same(t, s, got)

	require.NoError(t, d.DestroyPrimary(context.Background()))
	assert.Nil(t, d.Primary())
	assert.Error(t, d.SubmitFill(0, Rect{Right: 1, Bottom: 1}, 0))
}

func TestUpdateArea(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	area := Rect{Top: 1, Left: 2, Bottom: 3, Right: 4}
	require.NoError(t, d.UpdateArea(context.Background(), 5, area))

	hdr := record(h.be.RAM()[h.hdrOff:])
	assert.Equal(t, area, hdr.rect(ramUpdateAreaOff))
	assert.Equal(t, uint32(5), hdr.u32(ramUpdateSurfaceOff))
	assert.Equal(t, 1, h.be.CountPortWrites(IOUpdateAreaAsync))
}

func TestLocalBytes(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})

	b, err := d.LocalBytes(0, 4)
	require.NoError(t, err)
	assert.Same(t, &h.be.RAM()[0], &b[0])

	b, err = d.LocalBytes(d.vramBase+16, 4)
	require.NoError(t, err)
	assert.Same(t, &h.be.VRAM()[16], &b[0])

	_, err = d.LocalBytes(d.vramBase+LocalAddress(len(h.be.VRAM())), 1)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
}
