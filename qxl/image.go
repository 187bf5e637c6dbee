// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"fmt"
)

// Bitmap is 32 bit pixel data in guest memory, rows Stride bytes apart
type Bitmap struct {
	Width  uint32
	Height uint32
	Stride int
	Pixels []byte
}

func (b Bitmap) validate() error {
	row := int(b.Width) * 4
	if b.Width == 0 || b.Height == 0 {
		return fmt.Errorf("bitmap %dx%d is empty", b.Width, b.Height)
	}
	if b.Stride < row {
		return fmt.Errorf("bitmap stride %d shorter than a %d byte row", b.Stride, row)
	}
	if need := b.Stride*(int(b.Height)-1) + row; len(b.Pixels) < need {
		return fmt.Errorf("bitmap %dx%d needs %d bytes, have %d", b.Width, b.Height, need, len(b.Pixels))
	}
	return nil
}

func (d *Device) nextImageID() uint64 {
	d.imageID++
	return d.imageID
}

// createBitmapImage copies b into an image whose pixels are split over data
// chunks of at most Options.ImageChunkSize bytes, each holding whole rows.
func (d *Device) createBitmapImage(b Bitmap) (ArenaOffset, error) {
	if err := b.validate(); err != nil {
		return 0, err
	}

	row := uint64(b.Width) * 4
	rowsPerChunk := uint64(d.opts.ImageChunkSize) / row
	if rowsPerChunk == 0 {
		rowsPerChunk = 1
	}

	off := d.AllocNF(ImageSize)
	allocated := []ArenaOffset{off}
	fail := func(err error) (ArenaOffset, error) {
		for _, o := range allocated {
			d.mem.Free(o)
		}
		return 0, err
	}

	img := d.rec(off)
	img.setU64(imgIDOff, d.nextImageID())
	img.setU8(imgTypeOff, ImageBitmap)
	img.setU32(imgWidthOff, b.Width)
	img.setU32(imgHeightOff, b.Height)
	img.setU8(imgBmpFormatOff, BitmapFormat32Bit)
	img.setU8(imgBmpFlagsOff, BitmapTopDown)
	img.setU32(imgBmpXOff, b.Width)
	img.setU32(imgBmpYOff, b.Height)
	img.setU32(imgBmpStrideOff, uint32(row))

	var prev DeviceAddress
	var prevOff ArenaOffset
	for y := uint64(0); y < uint64(b.Height); y += rowsPerChunk {
		n := min(rowsPerChunk, uint64(b.Height)-y)
		size := n * row

		coff := d.AllocNF(ChunkHeaderSize + size)
		allocated = append(allocated, coff)

		addr, err := d.memAddress(coff)
		if err != nil {
			return fail(err)
		}

		c := d.rec(coff)
		c.setU32(chunkDataSizeOff, uint32(size))
		c.setAddr(chunkPrevOff, prev)
		for i := uint64(0); i < n; i++ {
			src := int(y+i) * b.Stride
			copy(c[chunkDataOff+i*row:], b.Pixels[src:src+int(row)])
		}

		if y == 0 {
			img.setAddr(imgBmpDataOff, addr)
		} else {
			d.rec(prevOff).setAddr(chunkNextOff, addr)
		}
		prev, prevOff = addr, coff
	}

	return off, nil
}

// createSurfaceImage wraps a surface so it can be used as a drawing source
func (d *Device) createSurfaceImage(s *Surface) ArenaOffset {
	off := d.AllocNF(ImageSize)
	img := d.rec(off)
	img.setU64(imgIDOff, d.nextImageID())
	img.setU8(imgTypeOff, ImageSurface)
	img.setU32(imgWidthOff, s.Width)
	img.setU32(imgHeightOff, s.Height)
	img.setU32(imgSurfaceIDOff, s.ID)
	return off
}

func (d *Device) createTransform(t Transform) ArenaOffset {
	off := d.AllocNF(TransformSize)
	r := d.rec(off)
	for i, v := range t {
		r.setI32(4*i, v)
	}
	return off
}
