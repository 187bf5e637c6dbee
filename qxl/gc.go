// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"errors"
	"fmt"
	"log/slog"
)

// GarbageCollect drains the release ring. Every released record is freed
// together with the allocations it owns, following release_info.next through
// chains. It returns the number of records freed.
//
// Records the collector cannot take apart panic with a *DecodeError, and
// device addresses that do not decode panic with a *ProtocolError: either
// means the driver and device disagree about memory the device can write.
func (d *Device) GarbageCollect() int {
	if d.collecting {
		return 0
	}
	d.collecting = true

	n := 0
	for {
		head, err := d.releaseRing.PopUint64()
		if err != nil {
			break
		}
		for v := head; v != 0; n++ {
			id, _ := DecodeReleaseID(v)
			v = d.releaseRecord(id)
		}
	}

	d.collecting = false
	d.gcPasses.Add(1)

	if n > 0 {
		d.gcRecords.Add(uint64(n))
		slog.Debug("garbage collected", "records", n, "used", d.mem.Stats().Used)
	}

	d.flushDeferredDestroys()
	return n
}

func (d *Device) flushDeferredDestroys() {
	pending := d.deferredDestroy
	d.deferredDestroy = nil

	for i, s := range pending {
		if s.state != surfaceDestroying {
			continue
		}
		if err := d.surfaces.pushCommand(s, SurfaceDestroy); err != nil {
			if errors.Is(err, ErrRingFull) {
				d.deferredDestroy = append(d.deferredDestroy, pending[i:]...)
				return
			}
			slog.Error("destroy surface", "id", s.ID, "err", err)
		}
	}
}

// releaseRecord frees one record and everything it owns and returns the
// encoded id of the next record in its chain.
func (d *Device) releaseRecord(id ReleaseID) uint64 {
	size, ok := d.mem.SizeOf(id.Offset)
	if !ok {
		panic(&DecodeError{ID: id.Encode(), Reason: "release of a record that is not allocated"})
	}
	r := d.rec(id.Offset)
	if got := r.u64(releaseIDOff); got != id.Encode() {
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("record carries id %#x", got)})
	}

	switch id.Kind {
	case KindDrawable:
		checkRecordSize(id, size, DrawableSize)
		d.releaseDrawable(id, r)
	case KindCursor:
		checkRecordSize(id, size, CursorCmdSize)
		d.releaseCursorCmd(id, r)
	case KindSurface:
		checkRecordSize(id, size, SurfaceCmdSize)
		d.releaseSurfaceCmd(id, r)
	default:
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("unknown record %s", id.Kind)})
	}

	next := r.u64(releaseNextOff)
	d.mem.Free(id.Offset)
	return next
}

func checkRecordSize(id ReleaseID, size uint64, want int) {
	if size < uint64(want) {
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("%s record of %d bytes, want %d", id.Kind, size, want)})
	}
}

func (d *Device) releaseDrawable(id ReleaseID, r record) {
	switch t := r.u8(drawTypeOff); t {
	case DrawFill, DrawCopyBits:
	case DrawCopy:
		d.destroyImage(id, r.addr(copySrcBitmapOff))
	case DrawComposite:
		d.freeNested(id, r.addr(compSrcOff))
		if a := r.addr(compSrcTransformOff); a != 0 {
			d.freeNested(id, a)
		}
		if mask := r.addr(compMaskOff); mask != 0 {
			if a := r.addr(compMaskTransformOff); a != 0 {
				d.freeNested(id, a)
			}
			d.freeNested(id, mask)
		}
	default:
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("drawable type %d", t)})
	}
}

func (d *Device) releaseCursorCmd(id ReleaseID, r record) {
	switch t := r.u8(curTypeOff); t {
	case CursorSet:
		d.freeNested(id, r.addr(curSetShapeOff))
	case CursorMove, CursorHide:
	default:
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("cursor command type %d", t)})
	}
}

func (d *Device) releaseSurfaceCmd(id ReleaseID, r record) {
	switch t := r.u8(surfTypeOff); t {
	case SurfaceCreate:
	case SurfaceDestroy:
		d.surfaces.recycle(r.u32(surfIDOff))
	default:
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("surface command type %d", t)})
	}
}

// destroyImage frees an image owned by a COPY. Surface images drop their
// surface reference, bitmaps free every data chunk.
func (d *Device) destroyImage(id ReleaseID, addr DeviceAddress) {
	d.destroyImageAt(id, d.nestedOffset(id, addr))
}

func (d *Device) destroyImageAt(id ReleaseID, off ArenaOffset) {
	img := d.rec(off)

	switch t := img.u8(imgTypeOff); t {
	case ImageSurface:
		d.surfaces.unrefID(img.u32(imgSurfaceIDOff))
	case ImageBitmap:
		for chunk := img.addr(imgBmpDataOff); chunk != 0; {
			coff := d.nestedOffset(id, chunk)
			chunk = d.rec(coff).addr(chunkNextOff)
			d.mem.Free(coff)
		}
	default:
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("image type %d", t)})
	}

	d.mem.Free(off)
}

func (d *Device) freeNested(id ReleaseID, addr DeviceAddress) {
	d.mem.Free(d.nestedOffset(id, addr))
}

func (d *Device) nestedOffset(id ReleaseID, addr DeviceAddress) ArenaOffset {
	off, err := d.memOffset(addr)
	if err != nil {
		panic(err)
	}
	if _, ok := d.mem.SizeOf(off); !ok {
		panic(&DecodeError{ID: id.Encode(), Reason: fmt.Sprintf("nested allocation %#x is not allocated", uint64(addr))})
	}
	return off
}
