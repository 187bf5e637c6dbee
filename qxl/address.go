// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"fmt"
)

// DeviceAddress is an address as seen by the device: slot index and
// generation in the high bits, offset within the slot below them.
type DeviceAddress uint64

// LocalAddress is a guest side address. RAM occupies [0, len(RAM)) and VRAM
// follows it, see Device.vramBase.
type LocalAddress uint64

// Slot is a registered memory range. Slots are immutable; a device reset
// produces a new table.
type Slot struct {
	Index      uint8
	Generation uint8

	PhysStart uint64
	PhysEnd   uint64

	VirtStart LocalAddress
	VirtEnd   LocalAddress

	// HighBits is the precomputed (index, generation) tag
	HighBits uint64
}

// Size returns the length of the slot in bytes
func (s *Slot) Size() uint64 {
	return s.PhysEnd - s.PhysStart
}

// Translator converts between local and device addresses for a fixed slot table.
type Translator struct {
	idBits  uint8
	genBits uint8
	mask    uint64
	slots   []*Slot
}

// NewTranslator creates an empty slot table. idBits and genBits come from the
// ROM and numSlots is normally the ROM's slots_end.
func NewTranslator(idBits, genBits uint8, numSlots int) (*Translator, error) {
	if idBits == 0 || idBits > 8 || genBits > 8 {
		return nil, &ProtocolError{Op: "slot layout", Err: fmt.Errorf("unsupported slot bits id=%d gen=%d", idBits, genBits)}
	}
	if numSlots <= 0 || numSlots > 1<<idBits {
		return nil, &ProtocolError{Op: "slot layout", Err: fmt.Errorf("slot count %d does not fit %d id bits", numSlots, idBits)}
	}

	return &Translator{
		idBits:  idBits,
		genBits: genBits,
		mask:    ^uint64(0) >> (idBits + genBits),
		slots:   make([]*Slot, numSlots),
	}, nil
}

// VirtualAddressMask returns the mask selecting the offset bits of a device address
func (t *Translator) VirtualAddressMask() uint64 {
	return t.mask
}

// HighBits computes the tag stored in the top bits of addresses for a slot
func (t *Translator) HighBits(index, generation uint8) uint64 {
	tag := uint64(index)<<t.genBits | uint64(generation)
	return tag << (64 - uint64(t.idBits) - uint64(t.genBits))
}

// WithSlot returns a copy of the table with s registered. The receiver is not modified.
func (t *Translator) WithSlot(s Slot) (*Translator, error) {
	if int(s.Index) >= len(t.slots) {
		return nil, fmt.Errorf("register slot %d: %w", s.Index, ErrUnknownSlot)
	}
	if s.PhysEnd < s.PhysStart || uint64(s.VirtEnd-s.VirtStart) != s.PhysEnd-s.PhysStart {
		return nil, fmt.Errorf("register slot %d: physical and virtual ranges differ", s.Index)
	}
	if s.Size() > t.mask {
		return nil, fmt.Errorf("register slot %d: %d bytes exceed the offset bits", s.Index, s.Size())
	}
	if t.genBits < 8 && uint64(s.Generation) >= uint64(1)<<t.genBits {
		return nil, fmt.Errorf("register slot %d: generation %d exceeds %d bits", s.Index, s.Generation, t.genBits)
	}

	s.HighBits = t.HighBits(s.Index, s.Generation)

	nt := &Translator{
		idBits:  t.idBits,
		genBits: t.genBits,
		mask:    t.mask,
		slots:   make([]*Slot, len(t.slots)),
	}
	copy(nt.slots, t.slots)
	nt.slots[s.Index] = &s
	return nt, nil
}

// Slot returns the registered slot with the given index
func (t *Translator) Slot(index uint8) (*Slot, error) {
	if int(index) >= len(t.slots) || t.slots[index] == nil {
		return nil, ErrUnknownSlot
	}
	return t.slots[index], nil
}

// Split breaks a device address into its slot index, generation and offset bits
func (t *Translator) Split(addr DeviceAddress) (index, generation uint8, offset uint64) {
	tag := uint64(addr) >> (64 - uint64(t.idBits) - uint64(t.genBits))
	generation = uint8(tag & (1<<t.genBits - 1))
	index = uint8(tag >> t.genBits)
	return index, generation, uint64(addr) & t.mask
}

// Physical encodes a local address within the given slot
func (t *Translator) Physical(index uint8, local LocalAddress) (DeviceAddress, error) {
	s, err := t.Slot(index)
	if err != nil {
		return 0, err
	}
	if local < s.VirtStart || local >= s.VirtEnd {
		return 0, fmt.Errorf("encode %#x in slot %d: %w", local, index, ErrAddressOutOfRange)
	}

	phys := s.PhysStart + uint64(local-s.VirtStart)
	return DeviceAddress(phys&t.mask | s.HighBits), nil
}

// Virtual decodes a device address using the slot named in its tag
func (t *Translator) Virtual(addr DeviceAddress) (LocalAddress, error) {
	index, _, _ := t.Split(addr)
	return t.VirtualIn(index, addr)
}

// VirtualIn decodes a device address expected to belong to slot index. The
// embedded slot index and generation must both match the live slot.
func (t *Translator) VirtualIn(index uint8, addr DeviceAddress) (LocalAddress, error) {
	s, err := t.Slot(index)
	if err != nil {
		return 0, &ProtocolError{Op: fmt.Sprintf("decode %#x", uint64(addr)), Err: err}
	}

	gotIndex, gotGen, low := t.Split(addr)
	if gotIndex != index {
		return 0, &ProtocolError{Op: fmt.Sprintf("decode %#x: tagged slot %d, want %d", uint64(addr), gotIndex, index), Err: ErrUnknownSlot}
	}
	if gotGen != s.Generation {
		return 0, &ProtocolError{Op: fmt.Sprintf("decode %#x: generation %d, live %d", uint64(addr), gotGen, s.Generation), Err: ErrStaleAddress}
	}

	base := s.PhysStart & t.mask
	if low < base || low-base >= s.Size() {
		return 0, &ProtocolError{Op: fmt.Sprintf("decode %#x", uint64(addr)), Err: ErrAddressOutOfRange}
	}
	return s.VirtStart + LocalAddress(low-base), nil
}
