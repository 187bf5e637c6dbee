// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

// Package loopback is a minimal device side for the memory backend. It
// consumes the command and cursor rings, acknowledges async I/O and hands
// every consumed record straight back on the release ring. Nothing is rendered.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mulgadc/qxlmem/qxl"
	"github.com/mulgadc/qxlmem/qxl/backends/memory"
	"github.com/mulgadc/qxlmem/utils"
)

const DefaultChainLength = 8

type Options struct {
	// ChainLength caps the number of records released in one chain. Chains
	// grow past it while the release ring is full.
	ChainLength int
	// HoldReleases keeps consumed records until NOTIFY_OOM or FLUSH_RELEASE
	HoldReleases bool
	// Stuck consumes commands but never releases them
	Stuck bool
	// NoIOAck leaves async I/O unacknowledged
	NoIOAck bool
}

// Stats counts what the device has seen
type Stats struct {
	Commands    uint64
	Cursors     uint64
	Released    uint64
	Chains      uint64
	Resets      uint64
	OOMs        uint64
	BadCommands uint64
	Surfaces    int
}

type Device struct {
	backend *memory.Backend
	opts    Options

	rom    []byte
	ram    []byte
	layout qxl.ROM
	hdrOff int

	cmdRing     *qxl.Ring
	cursorRing  *qxl.Ring
	releaseRing *qxl.Ring

	mu         sync.Mutex
	translator *qxl.Translator
	vramBase   qxl.LocalAddress
	async      bool
	kick       chan struct{}

	// Chain under construction: RAM offsets of its head and tail records
	chainHead int
	chainTail int
	chainLen  int
	held      []int

	surfaces map[uint32]struct{}
	mode     uint8
	stats    Stats
}

// New formats the memory of backend as a freshly reset device and starts
// answering its port writes. backend must have been initialized.
func New(backend *memory.Backend, layout qxl.Layout, opts Options) (*Device, error) {
	if opts.ChainLength <= 0 {
		opts.ChainLength = DefaultChainLength
	}

	d := &Device{
		backend:   backend,
		opts:      opts,
		rom:       backend.ROM(),
		ram:       backend.RAM(),
		vramBase:  qxl.LocalAddress(utils.AlignUp(uint64(len(backend.RAM())), qxl.PageSize)),
		kick:      make(chan struct{}, 1),
		chainHead: -1,
		chainTail: -1,
		surfaces:  make(map[uint32]struct{}),
	}

	rom, err := qxl.FormatDeviceMemory(d.rom, d.ram, layout)
	if err != nil {
		return nil, err
	}
	d.layout = rom
	d.hdrOff = int(rom.RAMHeaderOffset)

	if err := d.attachRings(); err != nil {
		return nil, err
	}
	if err := d.resetSlots(); err != nil {
		return nil, err
	}

	backend.SetPortHandler(d.handlePort)
	return d, nil
}

func (d *Device) attachRings() error {
	for _, r := range []struct {
		name string
		item int
		ring **qxl.Ring
	}{
		{"command", qxl.CommandSize, &d.cmdRing},
		{"cursor", qxl.CommandSize, &d.cursorRing},
		{"release", 8, &d.releaseRing},
	} {
		mem, err := qxl.RAMHeaderRing(d.ram, d.hdrOff, r.name)
		if err != nil {
			return err
		}
		if *r.ring, err = qxl.NewRing(r.name, mem, r.item, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) resetSlots() error {
	t, err := qxl.NewTranslator(d.layout.SlotIDBits, d.layout.SlotGenBits, int(d.layout.SlotsEnd))
	if err != nil {
		return err
	}
	d.translator = t
	return nil
}

// Run processes the rings on a separate goroutine until ctx is done. Without
// Run every notification is handled on the goroutine writing the port.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	d.async = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.async = false
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
			d.mu.Lock()
			d.process()
			d.mu.Unlock()
		}
	}
}

func (d *Device) handlePort(port, value uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port {
	case qxl.IONotifyCmd, qxl.IONotifyCursor:
		if d.async {
			select {
			case d.kick <- struct{}{}:
			default:
			}
			return
		}
		d.process()

	case qxl.IOUpdateArea, qxl.IOUpdateAreaAsync, qxl.IOFlushSurfacesAsync:
		d.process()

	case qxl.IONotifyOOM:
		d.stats.OOMs++
		d.process()
		d.flush()

	case qxl.IOFlushRelease:
		d.flush()

	case qxl.IOReset:
		d.reset()

	case qxl.IOSetMode:
		d.mode = value

	case qxl.IOMemslotAdd, qxl.IOMemslotAddAsync:
		if err := d.addSlot(value); err != nil {
			slog.Error("loopback memslot add", "slot", value, "err", err)
		}

	case qxl.IODestroyAllSurfacesAsync, qxl.IODestroyAllSurfaces:
		clear(d.surfaces)
	}

	if qxl.IsAsyncIO(port) && !d.opts.NoIOAck {
		qxl.RaiseInterrupt(d.ram, d.hdrOff, qxl.InterruptIOCmd)
	}
}

func (d *Device) addSlot(index uint8) error {
	start, end := qxl.MemSlotRange(d.ram, d.hdrOff)

	var virt qxl.LocalAddress
	switch start {
	case d.backend.RAMPhysical():
		virt = 0
	case d.backend.VRAMPhysical():
		virt = d.vramBase
	default:
		return fmt.Errorf("slot range %#x-%#x is not a BAR", start, end)
	}

	t, err := d.translator.WithSlot(qxl.Slot{
		Index:      index,
		Generation: qxl.SlotGeneration(d.rom),
		PhysStart:  start,
		PhysEnd:    end,
		VirtStart:  virt,
		VirtEnd:    virt + qxl.LocalAddress(end-start),
	})
	if err != nil {
		return err
	}
	d.translator = t
	return nil
}

func (d *Device) reset() {
	if err := qxl.FormatRAMHeader(d.ram, d.hdrOff); err != nil {
		slog.Error("loopback reset", "err", err)
	}
	gen := qxl.BumpSlotGeneration(d.rom)
	if err := d.resetSlots(); err != nil {
		slog.Error("loopback reset", "err", err)
	}

	d.chainHead, d.chainTail, d.chainLen = -1, -1, 0
	d.held = nil
	clear(d.surfaces)
	d.stats.Resets++

	slog.Debug("loopback reset", "generation", gen)
}

func (d *Device) process() {
	for {
		cmd, err := d.cmdRing.PopCommand()
		if err != nil {
			break
		}
		d.stats.Commands++
		d.consume(cmd)
	}
	for {
		cmd, err := d.cursorRing.PopCommand()
		if err != nil {
			break
		}
		d.stats.Cursors++
		d.consume(cmd)
	}

	if !d.opts.HoldReleases {
		d.flush()
	}
}

func (d *Device) consume(cmd qxl.Command) {
	off, err := d.recordOffset(cmd.Data)
	if err != nil {
		d.stats.BadCommands++
		slog.Warn("loopback bad command", "type", cmd.Type, "data", fmt.Sprintf("%#x", uint64(cmd.Data)), "err", err)
		return
	}

	if cmd.Type == qxl.CmdSurface {
		d.surfaceCommand(off)
	}

	if d.opts.Stuck {
		return
	}
	d.held = append(d.held, off)
}

// surfaceCommand tracks which surface ids exist on the device
func (d *Device) surfaceCommand(off int) {
	id := binary.LittleEndian.Uint32(d.ram[off+16:])
	switch d.ram[off+20] {
	case qxl.SurfaceCreate:
		d.surfaces[id] = struct{}{}
	case qxl.SurfaceDestroy:
		delete(d.surfaces, id)
	}
}

func (d *Device) recordOffset(addr qxl.DeviceAddress) (int, error) {
	local, err := d.translator.Virtual(addr)
	if err != nil {
		return 0, err
	}
	if !utils.RangeContains(uint64(d.hdrOff), uint64(local), qxl.ReleaseInfoSize) {
		return 0, fmt.Errorf("record at %#x: %w", uint64(local), qxl.ErrAddressOutOfRange)
	}
	return int(local), nil
}

// flush releases every held record
func (d *Device) flush() {
	for _, off := range d.held {
		d.release(off)
	}
	d.held = d.held[:0]
	d.pushChain()
}

func (d *Device) release(off int) {
	if d.chainHead < 0 {
		d.chainHead = off
	} else {
		id := binary.LittleEndian.Uint64(d.ram[off:])
		binary.LittleEndian.PutUint64(d.ram[d.chainTail+8:], id)
	}
	binary.LittleEndian.PutUint64(d.ram[off+8:], 0)
	d.chainTail = off
	d.chainLen++
	d.stats.Released++

	if d.chainLen >= d.opts.ChainLength {
		d.pushChain()
	}
}

func (d *Device) pushChain() {
	if d.chainHead < 0 {
		return
	}
	id := binary.LittleEndian.Uint64(d.ram[d.chainHead:])
	if err := d.releaseRing.PushUint64(id); err != nil {
		if !errors.Is(err, qxl.ErrRingFull) {
			slog.Error("loopback release", "err", err)
		}
		return
	}
	d.stats.Chains++
	d.chainHead, d.chainTail, d.chainLen = -1, -1, 0
}

// Stats returns a snapshot of the device counters
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.Surfaces = len(d.surfaces)
	return st
}

// Mode returns the last mode set through SET_MODE
func (d *Device) Mode() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetOptions replaces the device options, e.g. to let a stuck device recover
func (d *Device) SetOptions(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.ChainLength <= 0 {
		opts.ChainLength = DefaultChainLength
	}
	d.opts = opts
}

// ROM returns the ROM the device was formatted with
func (d *Device) ROM() qxl.ROM {
	return d.layout
}
