// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/mulgadc/qxlmem/utils"
)

// Ring header layout, shared with the device:
// [num_items u32][prod u32][notify_on_prod u32][cons u32][notify_on_cons u32][items...]
const (
	ringNumItemsOff     = 0
	ringProdOff         = 4
	ringNotifyOnProdOff = 8
	ringConsOff         = 12
	ringNotifyOnConsOff = 16

	RingHeaderSize = 20
)

// CommandSize is the size of a command or cursor ring item: [data u64][type u32][pad u32]
const CommandSize = 16

// Command is an item of the command and cursor rings
type Command struct {
	Data DeviceAddress
	Type uint32
}

// Ring is a single-producer single-consumer ring living in device memory.
// Cursor words are read atomically on every access since the device updates
// them concurrently. A Ring is not safe for concurrent use by more than one
// producer or more than one consumer.
type Ring struct {
	name     string
	mem      []byte
	itemSize int
	capacity uint32

	prod *uint32
	cons *uint32

	notify func()

	pushes atomic.Uint64
	pops   atomic.Uint64
	fulls  atomic.Uint64
}

// RingState is a snapshot of a ring for diagnostics
type RingState struct {
	Name         string
	Capacity     uint32
	Producer     uint32
	Consumer     uint32
	Pending      uint32
	NotifyOnProd uint32
	NotifyOnCons uint32
}

// RingSize returns the number of bytes a ring of n items of itemSize occupies
func RingSize(n, itemSize int) int {
	return RingHeaderSize + n*itemSize
}

// NewRing attaches to a ring whose header has been set up by the device.
// notify is called after every successful Push and may be nil.
func NewRing(name string, mem []byte, itemSize int, notify func()) (*Ring, error) {
	if len(mem) < RingHeaderSize || itemSize <= 0 {
		return nil, fmt.Errorf("ring %s: %w", name, ErrInvalidRing)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("ring %s: header not 4-byte aligned: %w", name, ErrInvalidRing)
	}

	capacity := binary.LittleEndian.Uint32(mem[ringNumItemsOff:])
	if !utils.IsPowerOfTwo(uint64(capacity)) {
		return nil, fmt.Errorf("ring %s: capacity %d is not a power of 2: %w", name, capacity, ErrInvalidRing)
	}
	need := RingSize(int(capacity), itemSize)
	if len(mem) < need {
		return nil, fmt.Errorf("ring %s: %d bytes, need %d: %w", name, len(mem), need, ErrInvalidRing)
	}

	return &Ring{
		name:     name,
		mem:      mem[:need:need],
		itemSize: itemSize,
		capacity: capacity,
		prod:     (*uint32)(unsafe.Pointer(&mem[ringProdOff])),
		cons:     (*uint32)(unsafe.Pointer(&mem[ringConsOff])),
		notify:   notify,
	}, nil
}

// InitRingHeader writes an empty ring header for n items. This is the device's
// job; it is used when formatting device memory for the memory backend.
func InitRingHeader(mem []byte, n uint32) {
	binary.LittleEndian.PutUint32(mem[ringNumItemsOff:], n)
	binary.LittleEndian.PutUint32(mem[ringProdOff:], 0)
	binary.LittleEndian.PutUint32(mem[ringNotifyOnProdOff:], 1)
	binary.LittleEndian.PutUint32(mem[ringConsOff:], 0)
	binary.LittleEndian.PutUint32(mem[ringNotifyOnConsOff:], 1)
}

func (r *Ring) Name() string {
	return r.name
}

func (r *Ring) Capacity() uint32 {
	return r.capacity
}

func (r *Ring) ItemSize() int {
	return r.itemSize
}

// ProducerCount returns the producer cursor
func (r *Ring) ProducerCount() uint32 {
	return atomic.LoadUint32(r.prod)
}

// ConsumerCount returns the consumer cursor
func (r *Ring) ConsumerCount() uint32 {
	return atomic.LoadUint32(r.cons)
}

// Len returns the number of items pushed but not yet popped
func (r *Ring) Len() uint32 {
	return r.ProducerCount() - r.ConsumerCount()
}

func (r *Ring) slot(idx uint32) []byte {
	off := RingHeaderSize + int(idx&(r.capacity-1))*r.itemSize
	return r.mem[off : off+r.itemSize]
}

// Push copies item into the next free slot, publishes it by advancing the
// producer cursor and then notifies the consumer. The payload store happens
// before the cursor store and the cursor store before the notification.
func (r *Ring) Push(item []byte) error {
	if len(item) != r.itemSize {
		return fmt.Errorf("ring %s: item of %d bytes, want %d", r.name, len(item), r.itemSize)
	}

	prod := atomic.LoadUint32(r.prod)
	if prod-atomic.LoadUint32(r.cons) >= r.capacity {
		r.fulls.Add(1)
		return ErrRingFull
	}

	copy(r.slot(prod), item)
	atomic.StoreUint32(r.prod, prod+1)
	r.pushes.Add(1)

	if r.notify != nil {
		r.notify()
	}
	return nil
}

// Pop copies the oldest item into out and advances the consumer cursor
func (r *Ring) Pop(out []byte) error {
	if len(out) != r.itemSize {
		return fmt.Errorf("ring %s: buffer of %d bytes, want %d", r.name, len(out), r.itemSize)
	}

	cons := atomic.LoadUint32(r.cons)
	if cons == atomic.LoadUint32(r.prod) {
		return ErrRingEmpty
	}

	copy(out, r.slot(cons))
	atomic.StoreUint32(r.cons, cons+1)
	r.pops.Add(1)
	return nil
}

// PushUint64 pushes a release ring item
func (r *Ring) PushUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return r.Push(b[:])
}

// PopUint64 pops a release ring item
func (r *Ring) PopUint64() (uint64, error) {
	var b [8]byte
	if err := r.Pop(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// PushCommand pushes a command or cursor ring item
func (r *Ring) PushCommand(cmd Command) error {
	var b [CommandSize]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(cmd.Data))
	binary.LittleEndian.PutUint32(b[8:], cmd.Type)
	return r.Push(b[:])
}

// PopCommand pops a command or cursor ring item
func (r *Ring) PopCommand() (Command, error) {
	var b [CommandSize]byte
	if err := r.Pop(b[:]); err != nil {
		return Command{}, err
	}
	return Command{
		Data: DeviceAddress(binary.LittleEndian.Uint64(b[0:])),
		Type: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

// State returns a snapshot of the ring header
func (r *Ring) State() RingState {
	prod := r.ProducerCount()
	cons := r.ConsumerCount()
	return RingState{
		Name:         r.name,
		Capacity:     r.capacity,
		Producer:     prod,
		Consumer:     cons,
		Pending:      prod - cons,
		NotifyOnProd: atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[ringNotifyOnProdOff]))),
		NotifyOnCons: atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[ringNotifyOnConsOff]))),
	}
}
