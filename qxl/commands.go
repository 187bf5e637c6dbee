// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"fmt"
)

// push publishes the record at off on ring. A record that cannot be pushed is
// released on the spot, nested allocations included.
func (d *Device) push(ring *Ring, kind Kind, off ArenaOffset, cmdType uint32) error {
	addr, err := d.memAddress(off)
	if err == nil {
		err = ring.PushCommand(Command{Data: addr, Type: cmdType})
	}
	if err != nil {
		d.releaseRecord(ReleaseID{Kind: kind, Offset: off})
		return fmt.Errorf("push %s to %s ring: %w", kind, ring.Name(), err)
	}
	return nil
}

func (d *Device) checkTarget(surfaceID uint32) error {
	s, ok := d.surfaces.Get(surfaceID)
	if !ok || !s.Live() {
		return fmt.Errorf("draw to surface %d: %w", surfaceID, ErrUnknownSurface)
	}
	return nil
}

func (d *Device) newDrawable(typ uint8, surfaceID uint32, bbox Rect) (ArenaOffset, record) {
	off := d.AllocNF(DrawableSize)
	r := d.rec(off)
	r.setU64(releaseIDOff, ReleaseID{Kind: KindDrawable, Offset: off}.Encode())
	r.setU32(drawSurfaceIDOff, surfaceID)
	r.setU8(drawEffectOff, EffectBlend)
	r.setU8(drawTypeOff, typ)
	r.setRect(drawBBoxOff, bbox)
	r.setU32(drawClipTypeOff, ClipTypeNone)
	for i := 0; i < 3; i++ {
		r.setI32(drawSurfacesDestOff+4*i, -1)
	}
	return off, r
}

// SubmitFill fills area of a surface with a solid color
func (d *Device) SubmitFill(surfaceID uint32, area Rect, color uint32) error {
	if area.Empty() {
		return nil
	}
	if err := d.checkTarget(surfaceID); err != nil {
		return err
	}

	off, r := d.newDrawable(DrawFill, surfaceID, area)
	r.setU32(fillBrushTypeOff, BrushTypeSolid)
	r.setU32(fillBrushColorOff, color)
	r.setU16(fillRopOff, RopPut)

	return d.push(d.cmdRing, KindDrawable, off, CmdDraw)
}

// SubmitCopy uploads a bitmap and copies it to dst
func (d *Device) SubmitCopy(surfaceID uint32, dst Point, b Bitmap) error {
	if err := d.checkTarget(surfaceID); err != nil {
		return err
	}

	off, r := d.newDrawable(DrawCopy, surfaceID, Rect{
		Top:    dst.Y,
		Left:   dst.X,
		Bottom: dst.Y + int32(b.Height),
		Right:  dst.X + int32(b.Width),
	})

	img, err := d.createBitmapImage(b)
	if err != nil {
		d.mem.Free(off)
		return err
	}
	if err := d.setCopySource(r, img, Rect{Bottom: int32(b.Height), Right: int32(b.Width)}); err != nil {
		d.destroyImageAt(ReleaseID{Kind: KindDrawable, Offset: off}, img)
		d.mem.Free(off)
		return err
	}

	return d.push(d.cmdRing, KindDrawable, off, CmdDraw)
}

// SubmitCopyFromSurface copies area of src to dst on another surface. The
// source surface is referenced until the device releases the copy.
func (d *Device) SubmitCopyFromSurface(surfaceID uint32, dst Point, src *Surface, area Rect) error {
	if err := d.checkTarget(surfaceID); err != nil {
		return err
	}
	if !src.Live() {
		return fmt.Errorf("copy from surface %d: %w", src.ID, ErrUnknownSurface)
	}
	if area.Empty() {
		return nil
	}

	off, r := d.newDrawable(DrawCopy, surfaceID, Rect{
		Top:    dst.Y,
		Left:   dst.X,
		Bottom: dst.Y + area.Height(),
		Right:  dst.X + area.Width(),
	})
	img := d.createSurfaceImage(src)
	d.surfaces.refImage(src)

	if err := d.setCopySource(r, img, area); err != nil {
		d.destroyImageAt(ReleaseID{Kind: KindDrawable, Offset: off}, img)
		d.mem.Free(off)
		return err
	}
	r.setI32(drawSurfacesDestOff, int32(src.ID))
	r.setRect(drawSurfacesRectsOff, area)

	return d.push(d.cmdRing, KindDrawable, off, CmdDraw)
}

func (d *Device) setCopySource(r record, img ArenaOffset, area Rect) error {
	addr, err := d.memAddress(img)
	if err != nil {
		return err
	}
	r.setAddr(copySrcBitmapOff, addr)
	r.setRect(copySrcAreaOff, area)
	r.setU16(copyRopOff, RopPut)
	r.setU8(copyScaleModeOff, ScaleModeNearest)
	return nil
}

// SubmitCopyBits moves area of a surface so that its top left corner ends up at dst
func (d *Device) SubmitCopyBits(surfaceID uint32, src Point, area Rect) error {
	if area.Empty() {
		return nil
	}
	if err := d.checkTarget(surfaceID); err != nil {
		return err
	}

	off, r := d.newDrawable(DrawCopyBits, surfaceID, area)
	r.setI32(copyBitsSrcXOff, src.X)
	r.setI32(copyBitsSrcYOff, src.Y)

	return d.push(d.cmdRing, KindDrawable, off, CmdDraw)
}

// Composite describes a Render composite operation between surfaces. Mask
// and the transforms are optional.
type Composite struct {
	Op      uint8
	Surface uint32
	Area    Rect

	Src          *Surface
	SrcTransform *Transform
	SrcOrigin    Point

	Mask          *Surface
	MaskTransform *Transform
	MaskOrigin    Point
}

// SubmitComposite queues a composite. The source and mask images are plain
// wrappers; the caller keeps the surfaces alive until the work is flushed.
func (d *Device) SubmitComposite(c Composite) error {
	if c.Src == nil {
		return fmt.Errorf("composite without a source")
	}
	if err := d.checkTarget(c.Surface); err != nil {
		return err
	}
	if !c.Src.Live() || (c.Mask != nil && !c.Mask.Live()) {
		return fmt.Errorf("composite from a dead surface: %w", ErrUnknownSurface)
	}

	off, r := d.newDrawable(DrawComposite, c.Surface, c.Area)
	r.setU32(compFlagsOff, uint32(c.Op)&compositeOpMask)
	r.setI16(compSrcOriginXOff, int16(c.SrcOrigin.X))
	r.setI16(compSrcOriginYOff, int16(c.SrcOrigin.Y))

	// Every nested allocation is linked into the record as soon as it
	// exists, so a failure below releases them with the record.
	link := func(field int, nested ArenaOffset) error {
		addr, err := d.memAddress(nested)
		if err != nil {
			d.mem.Free(nested)
			return err
		}
		r.setAddr(field, addr)
		return nil
	}

	fail := func(err error) error {
		d.releaseRecord(ReleaseID{Kind: KindDrawable, Offset: off})
		return err
	}

	if err := link(compSrcOff, d.createSurfaceImage(c.Src)); err != nil {
		d.mem.Free(off)
		return err
	}
	if c.SrcTransform != nil {
		if err := link(compSrcTransformOff, d.createTransform(*c.SrcTransform)); err != nil {
			return fail(err)
		}
	}
	if c.Mask != nil {
		if err := link(compMaskOff, d.createSurfaceImage(c.Mask)); err != nil {
			return fail(err)
		}
		if c.MaskTransform != nil {
			if err := link(compMaskTransformOff, d.createTransform(*c.MaskTransform)); err != nil {
				return fail(err)
			}
		}
		r.setI16(compMaskOriginXOff, int16(c.MaskOrigin.X))
		r.setI16(compMaskOriginYOff, int16(c.MaskOrigin.Y))
	}

	return d.push(d.cmdRing, KindDrawable, off, CmdDraw)
}

// CursorImage is an ARGB cursor
type CursorImage struct {
	Width  uint16
	Height uint16
	HotX   uint16
	HotY   uint16
	Pixels []uint32
}

func (d *Device) newCursorCmd(typ uint8) (ArenaOffset, record) {
	off := d.AllocNF(CursorCmdSize)
	r := d.rec(off)
	r.setU64(releaseIDOff, ReleaseID{Kind: KindCursor, Offset: off}.Encode())
	r.setU8(curTypeOff, typ)
	return off, r
}

// SetCursor loads a new cursor shape and shows it at the current position
func (d *Device) SetCursor(img CursorImage) error {
	n := int(img.Width) * int(img.Height)
	if n == 0 || len(img.Pixels) != n {
		return fmt.Errorf("cursor %dx%d with %d pixels", img.Width, img.Height, len(img.Pixels))
	}
	size := uint64(n) * 4
	// Larger shapes would never fit, however much the device releases
	if CursorCmdSize+CursorShapeHeaderSize+size > d.mem.Size() {
		return fmt.Errorf("cursor %dx%d needs %d bytes: %w", img.Width, img.Height, CursorShapeHeaderSize+size, ErrArenaExhausted)
	}

	off, r := d.newCursorCmd(CursorSet)

	shapeOff := d.AllocNF(CursorShapeHeaderSize + size)
	shape := d.rec(shapeOff)
	shape.setU64(shapeUniqueOff, 0)
	shape.setU16(shapeTypeOff, CursorTypeAlpha)
	shape.setU16(shapeWidthOff, img.Width)
	shape.setU16(shapeHeightOff, img.Height)
	shape.setU16(shapeHotXOff, img.HotX)
	shape.setU16(shapeHotYOff, img.HotY)
	shape.setU32(shapeDataSizeOff, uint32(size))
	shape.setU32(shapeChunkOff+chunkDataSizeOff, uint32(size))
	for i, px := range img.Pixels {
		shape.setU32(shapeChunkDataOff+4*i, px)
	}

	addr, err := d.memAddress(shapeOff)
	if err != nil {
		d.mem.Free(shapeOff)
		d.mem.Free(off)
		return err
	}

	d.cursor.hotX, d.cursor.hotY = img.HotX, img.HotY
	r.setI16(curSetXOff, int16(d.cursor.x+int32(img.HotX)))
	r.setI16(curSetYOff, int16(d.cursor.y+int32(img.HotY)))
	r.setU8(curSetVisOff, 1)
	r.setAddr(curSetShapeOff, addr)

	return d.push(d.cursorRing, KindCursor, off, CmdCursor)
}

// MoveCursor moves the cursor so that its top left corner is at x, y
func (d *Device) MoveCursor(x, y int32) error {
	d.cursor.x, d.cursor.y = x, y

	off, r := d.newCursorCmd(CursorMove)
	r.setI16(curMoveXOff, int16(x+int32(d.cursor.hotX)))
	r.setI16(curMoveYOff, int16(y+int32(d.cursor.hotY)))

	return d.push(d.cursorRing, KindCursor, off, CmdCursor)
}

func (d *Device) HideCursor() error {
	off, _ := d.newCursorCmd(CursorHide)
	return d.push(d.cursorRing, KindCursor, off, CmdCursor)
}

// ShowCursor shows the cursor again. There is no show command; moving the
// cursor to where it already is makes the device display it.
func (d *Device) ShowCursor() error {
	return d.MoveCursor(d.cursor.x, d.cursor.y)
}
