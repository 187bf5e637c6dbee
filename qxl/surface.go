// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mulgadc/qxlmem/utils"
)

type surfaceState uint8

const (
	surfaceLive surfaceState = iota
	// surfaceDestroying: DESTROY has been queued, waiting for its release
	surfaceDestroying
	// surfacePooled: destroyed on the device, memory kept for reuse
	surfacePooled
	surfaceDropped
)

func (s surfaceState) String() string {
	switch s {
	case surfaceLive:
		return "live"
	case surfaceDestroying:
		return "destroying"
	case surfacePooled:
		return "pooled"
	case surfaceDropped:
		return "dropped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Surface is an off-screen surface backed by VRAM, or the primary surface
type Surface struct {
	ID     uint32
	Width  uint32
	Height uint32
	Stride int32
	Format uint32

	off   ArenaOffset
	size  uint64
	refs  int
	state surfaceState
	// inflight counts pushed records naming this id that the device has
	// yet to release: surface images and the DESTROY command
	inflight int
}

// Refs returns the number of references held on the surface
func (s *Surface) Refs() int {
	return s.refs
}

// Live reports whether the surface can be drawn to and read from
func (s *Surface) Live() bool {
	return s.state == surfaceLive
}

// SurfaceCache hands out surface ids and VRAM. Destroyed surfaces are kept in
// an LRU pool and reused for surfaces of the same geometry; surfaces falling
// out of the pool give their memory and id back.
type SurfaceCache struct {
	d *Device

	numIDs   uint32
	freeIDs  []uint32
	surfaces map[uint32]*Surface
	pool     *lru.Cache[uint32, *Surface]

	// orphans holds ids forgotten by DestroyAllSurfaces while records naming
	// them were in flight. An id goes back on the free list when its count
	// reaches zero.
	orphans map[uint32]int

	// dropping is set while the whole cache is thrown away
	dropping bool

	created   atomic.Uint64
	reused    atomic.Uint64
	evictions atomic.Uint64
}

func newSurfaceCache(d *Device, numIDs uint32, poolSize int) *SurfaceCache {
	c := &SurfaceCache{
		d:        d,
		numIDs:   numIDs,
		surfaces: make(map[uint32]*Surface),
		orphans:  make(map[uint32]int),
	}

	pool, err := lru.NewWithEvict[uint32, *Surface](poolSize, c.onEvict)
	if err != nil {
		panic(fmt.Sprintf("failed to create surface pool: %v", err))
	}
	c.pool = pool
	c.resetIDs()

	return c
}

func (c *SurfaceCache) resetIDs() {
	c.freeIDs = c.freeIDs[:0]
	// Surface 0 is the primary. Pop from the end so low ids go first.
	for id := c.numIDs; id > 1; id-- {
		if _, ok := c.orphans[id-1]; ok {
			continue
		}
		c.freeIDs = append(c.freeIDs, id-1)
	}
}

func (c *SurfaceCache) onEvict(id uint32, s *Surface) {
	if c.dropping || s.state != surfacePooled {
		return
	}
	c.drop(s)
	c.evictions.Add(1)
}

func (c *SurfaceCache) drop(s *Surface) {
	s.state = surfaceDropped
	c.d.surfaceMem.Free(s.off)
	delete(c.surfaces, s.ID)
	c.freeIDs = append(c.freeIDs, s.ID)
}

// SurfaceStride returns the row pitch of a surface, 0 for unknown formats
func SurfaceStride(width, format uint32) int32 {
	var bits uint64
	switch format {
	case SurfaceFormat1A:
		bits = 1
	case SurfaceFormat8A:
		bits = 8
	case SurfaceFormat16x555, SurfaceFormat16x565:
		bits = 16
	case SurfaceFormat32xRGB, SurfaceFormat32ARGB:
		bits = 32
	default:
		return 0
	}
	return int32(utils.AlignUp((uint64(width)*bits+7)/8, 4))
}

// Create returns a live surface with one reference, reusing pooled memory
// when a destroyed surface of the same geometry is available.
func (c *SurfaceCache) Create(width, height, format uint32) (*Surface, error) {
	stride := SurfaceStride(width, format)
	if stride == 0 || height == 0 {
		return nil, fmt.Errorf("create surface %dx%d format %d: unsupported geometry", width, height, format)
	}

	s := c.takePooled(width, height, format)
	if s != nil {
		c.reused.Add(1)
	} else {
		var err error
		if s, err = c.allocate(width, height, stride, format); err != nil {
			return nil, err
		}
		c.created.Add(1)
	}

	if err := c.pushCommand(s, SurfaceCreate); err != nil {
		c.drop(s)
		return nil, err
	}
	return s, nil
}

func (c *SurfaceCache) takePooled(width, height, format uint32) *Surface {
	keys := c.pool.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		s, ok := c.pool.Peek(keys[i])
		if !ok || s.Width != width || s.Height != height || s.Format != format {
			continue
		}
		// Mark live first so the eviction callback leaves it alone
		s.state = surfaceLive
		s.refs = 1
		c.pool.Remove(keys[i])
		return s
	}
	return nil
}

func (c *SurfaceCache) allocate(width, height uint32, stride int32, format uint32) (*Surface, error) {
	if len(c.freeIDs) == 0 {
		c.pool.RemoveOldest()
	}
	if len(c.freeIDs) == 0 {
		return nil, fmt.Errorf("create surface: %d surfaces in use: %w", len(c.surfaces), ErrNoSurfaceID)
	}

	size := uint64(stride) * uint64(height)
	var off ArenaOffset
	for {
		var err error
		off, err = c.d.surfaceMem.Alloc(size)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrArenaExhausted) {
			return nil, err
		}
		if _, _, ok := c.pool.RemoveOldest(); ok {
			continue
		}
		if c.d.GarbageCollect() > 0 && c.pool.Len() > 0 {
			continue
		}
		return nil, fmt.Errorf("create surface %dx%d: %w", width, height, err)
	}

	id := c.freeIDs[len(c.freeIDs)-1]
	c.freeIDs = c.freeIDs[:len(c.freeIDs)-1]

	s := &Surface{
		ID:     id,
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		off:    off,
		size:   size,
		refs:   1,
		state:  surfaceLive,
	}
	c.surfaces[id] = s
	return s, nil
}

func (c *SurfaceCache) pushCommand(s *Surface, typ uint8) error {
	d := c.d

	off := d.AllocNF(SurfaceCmdSize)
	r := d.rec(off)
	r.setU64(releaseIDOff, ReleaseID{Kind: KindSurface, Offset: off}.Encode())
	r.setU32(surfIDOff, s.ID)
	r.setU8(surfTypeOff, typ)

	if typ == SurfaceCreate {
		data, err := d.surfaceAddress(s.off)
		if err != nil {
			d.mem.Free(off)
			return err
		}
		r.setU32(surfFormatOff, s.Format)
		r.setU32(surfWidthOff, s.Width)
		r.setU32(surfHeightOff, s.Height)
		r.setI32(surfStrideOff, s.Stride)
		r.setAddr(surfDataOff, data)
	}

	addr, err := d.memAddress(off)
	if err == nil {
		err = d.cmdRing.PushCommand(Command{Data: addr, Type: CmdSurface})
	}
	if err != nil {
		d.mem.Free(off)
		return fmt.Errorf("push surface %d command %d: %w", s.ID, typ, err)
	}
	if typ == SurfaceDestroy {
		s.inflight++
	}
	return nil
}

// Get returns the surface holding id
func (c *SurfaceCache) Get(id uint32) (*Surface, bool) {
	if id == 0 && c.d.primary != nil {
		return c.d.primary, true
	}
	s, ok := c.surfaces[id]
	return s, ok
}

// Ref takes a reference on a live surface
func (c *SurfaceCache) Ref(s *Surface) {
	if s.ID == 0 {
		return
	}
	if s.state != surfaceLive {
		panic(fmt.Sprintf("qxl: ref of %s surface %d", s.state, s.ID))
	}
	s.refs++
}

// Unref drops a reference. The last reference destroys the surface on the
// device; its memory is pooled once the device releases the DESTROY command.
func (c *SurfaceCache) Unref(s *Surface) error {
	if s.ID == 0 {
		return nil
	}
	if s.state != surfaceLive || s.refs <= 0 {
		return fmt.Errorf("unref surface %d in state %s: %w", s.ID, s.state, ErrUnknownSurface)
	}

	s.refs--
	if s.refs > 0 {
		return nil
	}

	s.state = surfaceDestroying
	if c.d.collecting {
		c.d.deferredDestroy = append(c.d.deferredDestroy, s)
		return nil
	}
	if err := c.pushCommand(s, SurfaceDestroy); err != nil {
		if !errors.Is(err, ErrRingFull) {
			return err
		}
		// Queued again after the next collection pass
		c.d.deferredDestroy = append(c.d.deferredDestroy, s)
	}
	return nil
}

// refImage takes the reference held by a surface image until its release
func (c *SurfaceCache) refImage(s *Surface) {
	if s.ID == 0 {
		return
	}
	c.Ref(s)
	s.inflight++
}

// releaseOrphan reports whether id belonged to a forgotten surface and
// accounts for one of its released records.
func (c *SurfaceCache) releaseOrphan(id uint32) bool {
	n, ok := c.orphans[id]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(c.orphans, id)
		c.freeIDs = append(c.freeIDs, id)
	} else {
		c.orphans[id] = n - 1
	}
	return true
}

func (c *SurfaceCache) unrefID(id uint32) {
	if id == 0 || c.releaseOrphan(id) {
		return
	}
	s, ok := c.surfaces[id]
	if !ok {
		// Dropped by a reset or DestroyAllSurfaces while the device still held it
		slog.Debug("release of unknown surface", "id", id)
		return
	}
	s.inflight--
	if err := c.Unref(s); err != nil {
		slog.Error("surface unref", "err", err)
	}
}

// recycle pools a surface whose DESTROY command the device has released
func (c *SurfaceCache) recycle(id uint32) {
	if c.releaseOrphan(id) {
		return
	}
	s, ok := c.surfaces[id]
	if !ok {
		slog.Debug("recycle of unknown surface", "id", id)
		return
	}
	if s.state != surfaceDestroying {
		panic(&DecodeError{ID: uint64(id), Reason: fmt.Sprintf("surface %d released DESTROY while %s", id, s.state)})
	}
	s.inflight--
	s.state = surfacePooled
	s.refs = 0
	c.pool.Add(id, s)
}

// Len returns the number of surfaces holding an id, pooled ones included
func (c *SurfaceCache) Len() int {
	return len(c.surfaces)
}

// Pooled returns the number of destroyed surfaces kept for reuse
func (c *SurfaceCache) Pooled() int {
	return c.pool.Len()
}

// reset forgets every surface without touching VRAM; the caller resets the
// arena. With keepInflight the ids of surfaces still named by unreleased
// records stay reserved until the device releases them. A device reset
// discards those records, so it passes false.
func (c *SurfaceCache) reset(keepInflight bool) {
	c.dropping = true
	c.pool.Purge()
	c.dropping = false

	if !keepInflight {
		clear(c.orphans)
	}
	for id, s := range c.surfaces {
		if keepInflight && s.inflight > 0 {
			c.orphans[id] = s.inflight
		}
		s.state = surfaceDropped
		delete(c.surfaces, id)
	}
	c.resetIDs()
}

// Reserved returns the number of ids held back for records still in flight
func (c *SurfaceCache) Reserved() int {
	return len(c.orphans)
}
