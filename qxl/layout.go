// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/mulgadc/qxlmem/utils"
)

// Device memory is little-endian. Ring cursors and int_pending are accessed
// with native atomics, which matches on the little-endian hosts QXL runs on.

const (
	// ROMMagic is "QXRO" read as a little-endian word
	ROMMagic = 0x4f525851
	// RAMMagic is "QXRA" read as a little-endian word
	RAMMagic = 0x41525851

	PageSize = 4096
)

// ROM is the device description found in the ROM BAR
type ROM struct {
	Magic            uint32
	ID               uint32
	UpdateID         uint32
	CompressionLevel uint32
	LogLevel         uint32
	Mode             uint32
	ModesOffset      uint32
	NumPages         uint32
	PagesOffset      uint32
	DrawAreaOffset   uint32
	Surface0AreaSize uint32
	RAMHeaderOffset  uint32
	MMClock          uint32
	NumSurfaces      uint32
	Flags            uint64
	SlotsStart       uint8
	SlotsEnd         uint8
	SlotGenBits      uint8
	SlotIDBits       uint8
	SlotGeneration   uint8
	ClientPresent    uint8
}

const (
	romMMClockOff        = 48
	romSlotGenerationOff = 68
)

// ROMSize is the encoded size of ROM
var ROMSize = binary.Size(ROM{})

// Mode is a display mode advertised in the ROM
type Mode struct {
	ID          uint32
	XRes        uint32
	YRes        uint32
	Bits        uint32
	Stride      uint32
	XMili       uint32
	YMili       uint32
	Orientation uint32
}

var modeSize = binary.Size(Mode{})

// ParseROM decodes and validates the ROM header
func ParseROM(mem []byte) (ROM, error) {
	var rom ROM
	if len(mem) < ROMSize {
		return rom, &ProtocolError{Op: "read ROM", Err: ErrBadLayout}
	}
	if err := binary.Read(bytes.NewReader(mem[:ROMSize]), binary.LittleEndian, &rom); err != nil {
		return rom, &ProtocolError{Op: "read ROM", Err: err}
	}
	if rom.Magic != ROMMagic {
		return rom, &ProtocolError{Op: fmt.Sprintf("ROM signature %#x", rom.Magic), Err: ErrBadROMMagic}
	}
	return rom, nil
}

// EncodeROM writes rom at the start of mem
func EncodeROM(mem []byte, rom ROM) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, rom); err != nil {
		return err
	}
	if len(mem) < buf.Len() {
		return fmt.Errorf("encode ROM: %w", ErrBadLayout)
	}
	copy(mem, buf.Bytes())
	return nil
}

// ParseModes reads the mode table at rom.ModesOffset: a count followed by Mode entries
func ParseModes(mem []byte, rom ROM) ([]Mode, error) {
	off := int(rom.ModesOffset)
	if off == 0 {
		return nil, nil
	}
	if off+4 > len(mem) {
		return nil, &ProtocolError{Op: "read modes", Err: ErrBadLayout}
	}
	n := int(binary.LittleEndian.Uint32(mem[off:]))
	if n < 0 || off+4+n*modeSize > len(mem) {
		return nil, &ProtocolError{Op: fmt.Sprintf("read %d modes", n), Err: ErrBadLayout}
	}
	modes := make([]Mode, n)
	if err := binary.Read(bytes.NewReader(mem[off+4:off+4+n*modeSize]), binary.LittleEndian, modes); err != nil {
		return nil, &ProtocolError{Op: "read modes", Err: err}
	}
	return modes, nil
}

// EncodeModes writes a mode table at offset
func EncodeModes(mem []byte, offset int, modes []Mode) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(modes))); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, modes); err != nil {
		return err
	}
	if offset+buf.Len() > len(mem) {
		return fmt.Errorf("encode modes: %w", ErrBadLayout)
	}
	copy(mem[offset:], buf.Bytes())
	return nil
}

// Ring sizes fixed by the device
const (
	CommandRingSize = 32
	CursorRingSize  = 32
	ReleaseRingSize = 8

	LogBufSize = 4096
)

// RAM header layout, relative to rom.RAMHeaderOffset
const (
	ramMagicOff      = 0
	ramIntPendingOff = 4
	ramIntMaskOff    = 8
	ramLogBufOff     = 12

	ramCmdRingOff     = ramLogBufOff + LogBufSize
	ramCursorRingOff  = ramCmdRingOff + RingHeaderSize + CommandRingSize*CommandSize
	ramReleaseRingOff = ramCursorRingOff + RingHeaderSize + CursorRingSize*CommandSize

	ramUpdateAreaOff    = ramReleaseRingOff + RingHeaderSize + ReleaseRingSize*8
	ramUpdateSurfaceOff = ramUpdateAreaOff + rectSize
	ramMemSlotOff       = ramUpdateSurfaceOff + 4
	ramCreateSurfaceOff = ramMemSlotOff + 16
	ramFlagsOff         = ramCreateSurfaceOff + surfaceCreateSize

	RAMHeaderSize = ramFlagsOff + 4
)

// QXLSurfaceCreate: width, height, stride, format, position, mouse_mode, flags, type, mem
const (
	scWidthOff     = 0
	scHeightOff    = 4
	scStrideOff    = 8
	scFormatOff    = 12
	scPositionOff  = 16
	scMouseModeOff = 20
	scFlagsOff     = 24
	scTypeOff      = 28
	scMemOff       = 32

	surfaceCreateSize = 40
)

// FormatRAMHeader writes an empty RAM header at off: magic and the three ring
// headers. Devices do this on reset; it is used to prepare memory for the
// memory backend.
func FormatRAMHeader(ram []byte, off int) error {
	if off < 0 || off+RAMHeaderSize > len(ram) {
		return fmt.Errorf("format RAM header at %d: %w", off, ErrBadLayout)
	}
	hdr := ram[off : off+RAMHeaderSize]
	clear(hdr)
	binary.LittleEndian.PutUint32(hdr[ramMagicOff:], RAMMagic)
	InitRingHeader(hdr[ramCmdRingOff:], CommandRingSize)
	InitRingHeader(hdr[ramCursorRingOff:], CursorRingSize)
	InitRingHeader(hdr[ramReleaseRingOff:], ReleaseRingSize)
	return nil
}

// Layout describes how to format device memory for an emulated device
type Layout struct {
	RAMSize     int
	VRAMSize    int
	NumSurfaces uint32
	Modes       []Mode
}

// FormatDeviceMemory lays out ROM and RAM the way a freshly reset device
// does: command pages first, then the primary surface area, then the RAM
// header at the end of RAM.
func FormatDeviceMemory(rom, ram []byte, l Layout) (ROM, error) {
	hdrOff := (len(ram) - RAMHeaderSize) &^ (PageSize - 1)
	if hdrOff <= 0 {
		return ROM{}, fmt.Errorf("format device memory: %d bytes of RAM: %w", len(ram), ErrBadLayout)
	}

	// Split what is left between the command pages and the primary surface.
	pages := hdrOff / PageSize / 2
	if pages == 0 {
		pages = 1
	}
	drawOff := pages * PageSize

	r := ROM{
		Magic:            ROMMagic,
		NumPages:         uint32(pages),
		PagesOffset:      0,
		DrawAreaOffset:   uint32(drawOff),
		Surface0AreaSize: uint32(hdrOff - drawOff),
		RAMHeaderOffset:  uint32(hdrOff),
		NumSurfaces:      l.NumSurfaces,
		SlotsStart:       1,
		SlotsEnd:         3,
		SlotGenBits:      8,
		SlotIDBits:       8,
		SlotGeneration:   0,
	}

	if len(l.Modes) > 0 {
		r.ModesOffset = uint32(ROMSize+7) &^ 7
		if err := EncodeModes(rom, int(r.ModesOffset), l.Modes); err != nil {
			return ROM{}, err
		}
	}

	if err := EncodeROM(rom, r); err != nil {
		return ROM{}, err
	}
	if err := FormatRAMHeader(ram, hdrOff); err != nil {
		return ROM{}, err
	}
	return r, nil
}

// BumpSlotGeneration advances the ROM slot generation the way a device reset
// does and returns the new value.
func BumpSlotGeneration(rom []byte) uint8 {
	rom[romSlotGenerationOff]++
	return rom[romSlotGenerationOff]
}

// SlotGeneration reads the live slot generation from ROM memory
func SlotGeneration(rom []byte) uint8 {
	return rom[romSlotGenerationOff]
}

// RaiseInterrupt sets bits in the RAM header int_pending word
func RaiseInterrupt(ram []byte, hdrOff int, bits uint32) {
	atomic.OrUint32((*uint32)(unsafe.Pointer(&ram[hdrOff+ramIntPendingOff])), bits)
}

// CheckRAMHeader verifies that a RAM header fits in ram at hdrOff and carries
// the RAM signature.
func CheckRAMHeader(ram []byte, hdrOff int) error {
	if hdrOff < 0 || hdrOff%8 != 0 || !utils.RangeContains(uint64(len(ram)), uint64(hdrOff), RAMHeaderSize) {
		return &ProtocolError{Op: fmt.Sprintf("RAM header at %#x", hdrOff), Err: ErrBadLayout}
	}
	if magic := binary.LittleEndian.Uint32(ram[hdrOff+ramMagicOff:]); magic != RAMMagic {
		return &ProtocolError{Op: fmt.Sprintf("RAM header signature %#x", magic), Err: ErrBadRAMMagic}
	}
	return nil
}

// RAMHeaderRing returns the memory of one of the RAM header rings. which is
// one of "command", "cursor" or "release".
func RAMHeaderRing(ram []byte, hdrOff int, which string) ([]byte, error) {
	if hdrOff < 0 || !utils.RangeContains(uint64(len(ram)), uint64(hdrOff), RAMHeaderSize) {
		return nil, fmt.Errorf("%s ring of RAM header at %#x: %w", which, hdrOff, ErrBadLayout)
	}
	switch which {
	case "command":
		return ram[hdrOff+ramCmdRingOff : hdrOff+ramCmdRingOff+RingSize(CommandRingSize, CommandSize)], nil
	case "cursor":
		return ram[hdrOff+ramCursorRingOff : hdrOff+ramCursorRingOff+RingSize(CursorRingSize, CommandSize)], nil
	case "release":
		return ram[hdrOff+ramReleaseRingOff : hdrOff+ramReleaseRingOff+RingSize(ReleaseRingSize, 8)], nil
	}
	return nil, fmt.Errorf("unknown ring %q", which)
}

// MemSlotRange reads the mem_slot field the driver fills in before MEMSLOT_ADD
func MemSlotRange(ram []byte, hdrOff int) (start, end uint64) {
	start = binary.LittleEndian.Uint64(ram[hdrOff+ramMemSlotOff:])
	end = binary.LittleEndian.Uint64(ram[hdrOff+ramMemSlotOff+8:])
	return start, end
}

// Rect is a QXL rectangle
type Rect struct {
	Top    int32
	Left   int32
	Bottom int32
	Right  int32
}

const rectSize = 16

// Empty reports whether the rectangle covers no pixels
func (r Rect) Empty() bool {
	return r.Left >= r.Right || r.Top >= r.Bottom
}

func (r Rect) Width() int32 {
	return r.Right - r.Left
}

func (r Rect) Height() int32 {
	return r.Bottom - r.Top
}

// record is a little-endian view of a structure in device memory
type record []byte

func (r record) u8(off int) uint8           { return r[off] }
func (r record) setU8(off int, v uint8)     { r[off] = v }
func (r record) u16(off int) uint16         { return binary.LittleEndian.Uint16(r[off:]) }
func (r record) setU16(off int, v uint16)   { binary.LittleEndian.PutUint16(r[off:], v) }
func (r record) u32(off int) uint32         { return binary.LittleEndian.Uint32(r[off:]) }
func (r record) setU32(off int, v uint32)   { binary.LittleEndian.PutUint32(r[off:], v) }
func (r record) i32(off int) int32          { return int32(r.u32(off)) }
func (r record) setI32(off int, v int32)    { r.setU32(off, uint32(v)) }
func (r record) setI16(off int, v int16)    { r.setU16(off, uint16(v)) }
func (r record) u64(off int) uint64         { return binary.LittleEndian.Uint64(r[off:]) }
func (r record) setU64(off int, v uint64)   { binary.LittleEndian.PutUint64(r[off:], v) }
func (r record) addr(off int) DeviceAddress { return DeviceAddress(r.u64(off)) }
func (r record) setAddr(off int, v DeviceAddress) {
	r.setU64(off, uint64(v))
}

func (r record) rect(off int) Rect {
	return Rect{Top: r.i32(off), Left: r.i32(off + 4), Bottom: r.i32(off + 8), Right: r.i32(off + 12)}
}

func (r record) setRect(off int, v Rect) {
	r.setI32(off, v.Top)
	r.setI32(off+4, v.Left)
	r.setI32(off+8, v.Bottom)
	r.setI32(off+12, v.Right)
}
