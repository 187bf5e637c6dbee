// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/mulgadc/qxlmem/types"
	"github.com/mulgadc/qxlmem/utils"
)

const (
	DefaultRetryLimit      = 1000
	DefaultOOMBackoff      = 10 * time.Millisecond
	DefaultSurfacePoolSize = 64
	DefaultAsyncTimeout    = 5 * time.Second
	DefaultImageChunkSize  = 64 * 1024
)

// Options tune a Device. Zero values select the defaults.
type Options struct {
	// RetryLimit is the number of consecutive OOM rounds without progress
	// after which AllocNF gives up and terminates the process
	RetryLimit int
	// OOMBackoff is how long to wait for the device after a fruitless OOM notification
	OOMBackoff time.Duration

	SurfacePoolSize int
	AsyncTimeout    time.Duration
	ImageChunkSize  int

	// Exit terminates the process, os.Exit by default
	Exit func(code int)
	// Sleep is used for the OOM backoff, time.Sleep by default
	Sleep func(time.Duration)
}

func (o *Options) setDefaults() {
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.OOMBackoff <= 0 {
		o.OOMBackoff = DefaultOOMBackoff
	}
	if o.SurfacePoolSize <= 0 {
		o.SurfacePoolSize = DefaultSurfacePoolSize
	}
	if o.AsyncTimeout < 0 {
		o.AsyncTimeout = 0
	} else if o.AsyncTimeout == 0 {
		o.AsyncTimeout = DefaultAsyncTimeout
	}
	if o.ImageChunkSize <= 0 {
		o.ImageChunkSize = DefaultImageChunkSize
	}
	if o.Exit == nil {
		o.Exit = os.Exit
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// Device is the driver side of a QXL device: its arenas, rings, slot table
// and surfaces. All methods must be called from a single goroutine; the
// device on the other side of the shared memory is the only concurrent party.
type Device struct {
	backend types.Backend
	opts    Options

	rom    ROM
	modes  []Mode
	romMem []byte
	ram    []byte
	vram   []byte
	hdrOff int

	// mem holds every command record, memBase is its local address
	mem     *Arena
	memBase LocalAddress

	surfaceMem *Arena
	vramBase   LocalAddress

	cmdRing     *Ring
	cursorRing  *Ring
	releaseRing *Ring

	mainSlot   uint8
	vramSlot   uint8
	translator *Translator

	surfaces *SurfaceCache
	primary  *Surface
	mode     *Mode

	cursor  cursorState
	imageID uint64

	collecting      bool
	deferredDestroy []*Surface

	gcRecords atomic.Uint64
	gcPasses  atomic.Uint64
	oomRounds atomic.Uint64
}

type cursorState struct {
	x, y       int32
	hotX, hotY uint16
}

// Open validates the device memory exposed by backend and brings the device
// up: arenas, rings and memory slots.
func Open(ctx context.Context, backend types.Backend, opts Options) (*Device, error) {
	opts.setDefaults()

	d := &Device{
		backend: backend,
		opts:    opts,
		romMem:  backend.ROM(),
		ram:     backend.RAM(),
		vram:    backend.VRAM(),
	}

	rom, err := ParseROM(d.romMem)
	if err != nil {
		return nil, err
	}
	d.rom = rom

	slog.Info("qxl rom",
		"id", rom.ID,
		"mode", rom.Mode,
		"numPages", rom.NumPages,
		"pagesOffset", rom.PagesOffset,
		"drawAreaOffset", rom.DrawAreaOffset,
		"surface0AreaSize", rom.Surface0AreaSize,
		"ramHeaderOffset", rom.RAMHeaderOffset,
		"numSurfaces", rom.NumSurfaces,
		"slots", fmt.Sprintf("%d-%d", rom.SlotsStart, rom.SlotsEnd),
		"slotIDBits", rom.SlotIDBits,
		"slotGenBits", rom.SlotGenBits,
	)

	if d.modes, err = ParseModes(d.romMem, rom); err != nil {
		return nil, err
	}

	if err := d.checkLayout(); err != nil {
		return nil, err
	}

	pagesLen := uint64(rom.NumPages) * PageSize
	d.memBase = LocalAddress(rom.PagesOffset)
	d.mem = NewArena("ram", d.ram[rom.PagesOffset:uint64(rom.PagesOffset)+pagesLen])

	d.vramBase = LocalAddress(utils.AlignUp(uint64(len(d.ram)), PageSize))
	d.surfaceMem = NewArena("vram", d.vram)

	if err := d.attachRings(); err != nil {
		return nil, err
	}

	d.mainSlot = rom.SlotsStart
	d.vramSlot = rom.SlotsStart + 1
	if d.vramSlot >= rom.SlotsEnd {
		return nil, &ProtocolError{Op: fmt.Sprintf("device offers slots %d-%d, need two", rom.SlotsStart, rom.SlotsEnd), Err: ErrUnknownSlot}
	}

	d.surfaces = newSurfaceCache(d, rom.NumSurfaces, opts.SurfacePoolSize)

	if err := d.setupSlots(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) checkLayout() error {
	rom := d.rom

	d.hdrOff = int(rom.RAMHeaderOffset)
	if err := CheckRAMHeader(d.ram, d.hdrOff); err != nil {
		return err
	}

	pagesLen := uint64(rom.NumPages) * PageSize
	if pagesLen == 0 || !utils.RangeContains(uint64(rom.RAMHeaderOffset), uint64(rom.PagesOffset), pagesLen) {
		return &ProtocolError{Op: fmt.Sprintf("%d command pages at %#x", rom.NumPages, rom.PagesOffset), Err: ErrBadLayout}
	}
	if !utils.RangeContains(uint64(rom.RAMHeaderOffset), uint64(rom.DrawAreaOffset), uint64(rom.Surface0AreaSize)) {
		return &ProtocolError{Op: fmt.Sprintf("draw area at %#x", rom.DrawAreaOffset), Err: ErrBadLayout}
	}
	return nil
}

func (d *Device) attachRings() error {
	mem, err := RAMHeaderRing(d.ram, d.hdrOff, "command")
	if err != nil {
		return err
	}
	if d.cmdRing, err = NewRing("command", mem, CommandSize, d.notifyCommand); err != nil {
		return &ProtocolError{Op: "attach rings", Err: err}
	}

	mem, _ = RAMHeaderRing(d.ram, d.hdrOff, "cursor")
	if d.cursorRing, err = NewRing("cursor", mem, CommandSize, d.notifyCursor); err != nil {
		return &ProtocolError{Op: "attach rings", Err: err}
	}

	mem, _ = RAMHeaderRing(d.ram, d.hdrOff, "release")
	if d.releaseRing, err = NewRing("release", mem, 8, nil); err != nil {
		return &ProtocolError{Op: "attach rings", Err: err}
	}
	return nil
}

// setupSlots registers the RAM and VRAM slots with the device and builds a
// fresh slot table with the generation the device reports.
func (d *Device) setupSlots(ctx context.Context) error {
	t, err := NewTranslator(d.rom.SlotIDBits, d.rom.SlotGenBits, int(d.rom.SlotsEnd))
	if err != nil {
		return err
	}

	t, err = d.addMemSlot(ctx, t, d.mainSlot, d.backend.RAMPhysical(), 0, uint64(len(d.ram)))
	if err != nil {
		return err
	}
	t, err = d.addMemSlot(ctx, t, d.vramSlot, d.backend.VRAMPhysical(), d.vramBase, uint64(len(d.vram)))
	if err != nil {
		return err
	}

	d.translator = t
	return nil
}

func (d *Device) addMemSlot(ctx context.Context, t *Translator, index uint8, phys uint64, virt LocalAddress, size uint64) (*Translator, error) {
	hdr := record(d.ram[d.hdrOff : d.hdrOff+RAMHeaderSize])
	hdr.setU64(ramMemSlotOff, phys)
	hdr.setU64(ramMemSlotOff+8, phys+size)

	if err := d.asyncIO(ctx, IOMemslotAddAsync, index); err != nil {
		return nil, fmt.Errorf("add memory slot %d: %w", index, err)
	}

	gen := SlotGeneration(d.romMem)
	nt, err := t.WithSlot(Slot{
		Index:      index,
		Generation: gen,
		PhysStart:  phys,
		PhysEnd:    phys + size,
		VirtStart:  virt,
		VirtEnd:    virt + LocalAddress(size),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("memory slot", "index", index, "generation", gen, "phys", fmt.Sprintf("%#x", phys), "size", size)
	return nt, nil
}

// Reset resets the device. Every allocation, surface and device address
// handed out before the reset becomes invalid.
func (d *Device) Reset(ctx context.Context) error {
	if err := d.ioWrite(IOReset, 0); err != nil {
		return err
	}
	d.dropState()
	return d.setupSlots(ctx)
}

func (d *Device) dropState() {
	d.surfaces.reset(false)
	d.deferredDestroy = nil
	d.primary = nil
	d.mem.ResetAll()
	d.surfaceMem.ResetAll()
}

// SetMode resets the device and switches it to one of the ROM modes
func (d *Device) SetMode(ctx context.Context, id uint32) error {
	var mode *Mode
	for i := range d.modes {
		if d.modes[i].ID == id {
			mode = &d.modes[i]
			break
		}
	}
	if mode == nil || id > math.MaxUint8 {
		return fmt.Errorf("set mode %d: no such mode", id)
	}

	if err := d.ioWrite(IOReset, 0); err != nil {
		return err
	}
	d.dropState()

	if err := d.ioWrite(IOSetMode, uint8(id)); err != nil {
		return err
	}
	if err := d.setupSlots(ctx); err != nil {
		return err
	}

	d.mode = mode
	slog.Info("mode set", "id", mode.ID, "x", mode.XRes, "y", mode.YRes, "bits", mode.Bits)
	return nil
}

// CreatePrimary creates surface 0 in the draw area of RAM
func (d *Device) CreatePrimary(ctx context.Context, width, height uint32, stride int32, format uint32) (*Surface, error) {
	size := uint64(absInt32(stride)) * uint64(height)
	if size > uint64(d.rom.Surface0AreaSize) {
		return nil, fmt.Errorf("primary %dx%d stride %d: %d bytes exceed the %d byte draw area", width, height, stride, size, d.rom.Surface0AreaSize)
	}

	addr, err := d.translator.Physical(d.mainSlot, LocalAddress(d.rom.DrawAreaOffset))
	if err != nil {
		return nil, err
	}

	sc := record(d.ram[d.hdrOff+ramCreateSurfaceOff : d.hdrOff+ramCreateSurfaceOff+surfaceCreateSize])
	sc.setU32(scWidthOff, width)
	sc.setU32(scHeightOff, height)
	sc.setI32(scStrideOff, stride)
	sc.setU32(scFormatOff, format)
	sc.setU32(scPositionOff, 0)
	sc.setU32(scMouseModeOff, 1)
	sc.setU32(scFlagsOff, 0)
	sc.setU32(scTypeOff, SurfaceTypePrimary)
	sc.setAddr(scMemOff, addr)

	if err := d.asyncIO(ctx, IOCreatePrimaryAsync, 0); err != nil {
		return nil, err
	}

	d.primary = &Surface{ID: 0, Width: width, Height: height, Stride: stride, Format: format, state: surfaceLive, refs: 1}
	return d.primary, nil
}

// DestroyPrimary destroys surface 0
func (d *Device) DestroyPrimary(ctx context.Context) error {
	if err := d.asyncIO(ctx, IODestroyPrimaryAsync, 0); err != nil {
		return err
	}
	d.primary = nil
	return nil
}

// Primary returns the primary surface, nil if none has been created
func (d *Device) Primary() *Surface {
	return d.primary
}

// UpdateArea asks the device to render everything queued for area of a surface
func (d *Device) UpdateArea(ctx context.Context, surfaceID uint32, area Rect) error {
	d.setUpdateArea(surfaceID, area)
	return d.asyncIO(ctx, IOUpdateAreaAsync, 0)
}

func (d *Device) setUpdateArea(surfaceID uint32, area Rect) {
	hdr := record(d.ram[d.hdrOff : d.hdrOff+RAMHeaderSize])
	hdr.setRect(ramUpdateAreaOff, area)
	hdr.setU32(ramUpdateSurfaceOff, surfaceID)
}

// DestroyAllSurfaces destroys every off-screen surface on the device and
// forgets the guest side copies.
func (d *Device) DestroyAllSurfaces(ctx context.Context) error {
	if err := d.asyncIO(ctx, IODestroyAllSurfacesAsync, 0); err != nil {
		return err
	}
	d.surfaces.reset(true)
	d.deferredDestroy = nil
	d.surfaceMem.ResetAll()
	return nil
}

// FlushSurfaces asks the device to render all pending work into the surfaces
func (d *Device) FlushSurfaces(ctx context.Context) error {
	return d.asyncIO(ctx, IOFlushSurfacesAsync, 0)
}

// FlushRelease asks the device to push out partially filled release chains
// and then collects them.
func (d *Device) FlushRelease() (int, error) {
	if err := d.ioWrite(IOFlushRelease, 0); err != nil {
		return 0, err
	}
	return d.GarbageCollect(), nil
}

func (d *Device) ROM() ROM {
	return d.rom
}

func (d *Device) Modes() []Mode {
	return d.modes
}

// Translator returns the live slot table
func (d *Device) Translator() *Translator {
	return d.translator
}

func (d *Device) MainSlot() uint8 {
	return d.mainSlot
}

func (d *Device) VRAMSlot() uint8 {
	return d.vramSlot
}

// Arena returns the arena holding command records
func (d *Device) Arena() *Arena {
	return d.mem
}

// SurfaceArena returns the VRAM arena holding off-screen surfaces
func (d *Device) SurfaceArena() *Arena {
	return d.surfaceMem
}

func (d *Device) Surfaces() *SurfaceCache {
	return d.surfaces
}

func (d *Device) CommandRing() *Ring {
	return d.cmdRing
}

func (d *Device) CursorRing() *Ring {
	return d.cursorRing
}

func (d *Device) ReleaseRing() *Ring {
	return d.releaseRing
}

// LocalBytes returns n bytes of RAM or VRAM at a local address
func (d *Device) LocalBytes(local LocalAddress, n uint64) ([]byte, error) {
	if utils.RangeContains(uint64(len(d.ram)), uint64(local), n) {
		return d.ram[local : uint64(local)+n], nil
	}
	if local >= d.vramBase {
		off := uint64(local - d.vramBase)
		if utils.RangeContains(uint64(len(d.vram)), off, n) {
			return d.vram[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("local %#x+%d: %w", uint64(local), n, ErrAddressOutOfRange)
}

// DeviceBytes decodes addr and returns n bytes behind it
func (d *Device) DeviceBytes(addr DeviceAddress, n uint64) ([]byte, error) {
	local, err := d.translator.Virtual(addr)
	if err != nil {
		return nil, err
	}
	return d.LocalBytes(local, n)
}

func (d *Device) rec(off ArenaOffset) record {
	return record(d.mem.Bytes(off))
}

func (d *Device) memAddress(off ArenaOffset) (DeviceAddress, error) {
	return d.translator.Physical(d.mainSlot, d.memBase+LocalAddress(off))
}

// memOffset converts a device address of a command record back to its arena offset
func (d *Device) memOffset(addr DeviceAddress) (ArenaOffset, error) {
	local, err := d.translator.VirtualIn(d.mainSlot, addr)
	if err != nil {
		return 0, err
	}
	if local < d.memBase || uint64(local-d.memBase) >= d.mem.Size() {
		return 0, &ProtocolError{Op: fmt.Sprintf("record at %#x", uint64(addr)), Err: ErrAddressOutOfRange}
	}
	return ArenaOffset(local - d.memBase), nil
}

func (d *Device) surfaceAddress(off ArenaOffset) (DeviceAddress, error) {
	return d.translator.Physical(d.vramSlot, d.vramBase+LocalAddress(off))
}

func absInt32(v int32) int64 {
	if v < 0 {
		return -int64(v)
	}
	return int64(v)
}
