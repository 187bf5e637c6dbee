// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

// Command ring item types
const (
	CmdNop = iota
	CmdDraw
	CmdUpdate
	CmdCursor
	CmdMessage
	CmdSurface
)

// Drawable types
const (
	DrawNop = iota
	DrawFill
	DrawOpaque
	DrawCopy
	DrawTransparent
	DrawAlphaBlend
	DrawCopyBits
	DrawBlend
	DrawBlackness
	DrawWhiteness
	DrawInvers
	DrawRop3
	DrawStroke
	DrawText
	DrawComposite
)

// Cursor command types
const (
	CursorSet = iota
	CursorMove
	CursorHide
	CursorTrail
)

// Surface command types
const (
	SurfaceCreate = iota
	SurfaceDestroy
)

// Image types
const (
	ImageBitmap  = 0
	ImageSurface = 104
)

const (
	BitmapFormat32Bit = 8
	BitmapTopDown     = 1 << 2
)

// Surface formats
const (
	SurfaceFormat1A     = 1
	SurfaceFormat8A     = 8
	SurfaceFormat16x555 = 16
	SurfaceFormat32xRGB = 32
	SurfaceFormat16x565 = 80
	SurfaceFormat32ARGB = 96
)

const (
	SurfaceTypePrimary  = 0
	SurfaceFlagKeepData = 1

	CursorTypeAlpha = 0

	EffectBlend      = 0
	ClipTypeNone     = 0
	BrushTypeSolid   = 1
	RopPut           = 1 << 3
	ScaleModeNearest = 1

	compositeOpMask = 0xff
)

// Drawable: release_info, then the header, then a per type union
const (
	drawSurfaceIDOff     = 16
	drawEffectOff        = 20
	drawTypeOff          = 21
	drawSelfBitmapOff    = 22
	drawBBoxOff          = 24
	drawClipTypeOff      = 40
	drawClipDataOff      = 44
	drawMMTimeOff        = 52
	drawSurfacesDestOff  = 56
	drawSurfacesRectsOff = 68
	drawUnionOff         = 116

	DrawableSize = 160
)

// Fill
const (
	fillBrushTypeOff  = drawUnionOff + 0
	fillBrushColorOff = drawUnionOff + 4
	fillRopOff        = drawUnionOff + 8
	fillMaskFlagsOff  = drawUnionOff + 10
	fillMaskPosOff    = drawUnionOff + 11
	fillMaskBitmapOff = drawUnionOff + 19
)

// Copy
const (
	copySrcBitmapOff  = drawUnionOff + 0
	copySrcAreaOff    = drawUnionOff + 8
	copyRopOff        = drawUnionOff + 24
	copyScaleModeOff  = drawUnionOff + 26
	copyMaskFlagsOff  = drawUnionOff + 27
	copyMaskPosOff    = drawUnionOff + 28
	copyMaskBitmapOff = drawUnionOff + 36
)

// CopyBits
const (
	copyBitsSrcXOff = drawUnionOff + 0
	copyBitsSrcYOff = drawUnionOff + 4
)

// Composite
const (
	compFlagsOff         = drawUnionOff + 0
	compSrcOff           = drawUnionOff + 4
	compSrcTransformOff  = drawUnionOff + 12
	compMaskOff          = drawUnionOff + 20
	compMaskTransformOff = drawUnionOff + 28
	compSrcOriginXOff    = drawUnionOff + 36
	compSrcOriginYOff    = drawUnionOff + 38
	compMaskOriginXOff   = drawUnionOff + 40
	compMaskOriginYOff   = drawUnionOff + 42
)

// Cursor command
const (
	curTypeOff      = 16
	curSetXOff      = 17
	curSetYOff      = 19
	curSetVisOff    = 21
	curSetShapeOff  = 22
	curMoveXOff     = 17
	curMoveYOff     = 19
	curTrailLenOff  = 17
	curTrailFreqOff = 19

	CursorCmdSize = 32
)

// Cursor shape: header followed by a single data chunk
const (
	shapeUniqueOff    = 0
	shapeTypeOff      = 8
	shapeWidthOff     = 10
	shapeHeightOff    = 12
	shapeHotXOff      = 14
	shapeHotYOff      = 16
	shapeDataSizeOff  = 18
	shapeChunkOff     = 22
	shapeChunkDataOff = shapeChunkOff + chunkDataOff

	CursorShapeHeaderSize = shapeChunkDataOff
)

// Surface command
const (
	surfIDOff     = 16
	surfTypeOff   = 20
	surfFlagsOff  = 21
	surfFormatOff = 25
	surfWidthOff  = 29
	surfHeightOff = 33
	surfStrideOff = 37
	surfDataOff   = 41

	SurfaceCmdSize = 56
)

// Image descriptor followed by the bitmap or surface part
const (
	imgIDOff        = 0
	imgTypeOff      = 8
	imgFlagsOff     = 9
	imgWidthOff     = 10
	imgHeightOff    = 14
	imgBmpFormatOff = 18
	imgBmpFlagsOff  = 19
	imgBmpXOff      = 20
	imgBmpYOff      = 24
	imgBmpStrideOff = 28
	imgBmpPalOff    = 32
	imgBmpDataOff   = 40
	imgSurfaceIDOff = 18

	ImageSize = 48
)

// Data chunk
const (
	chunkDataSizeOff = 0
	chunkPrevOff     = 4
	chunkNextOff     = 12
	chunkDataOff     = 20

	ChunkHeaderSize = chunkDataOff
)

// TransformSize is the size of a 2x3 fixed point matrix
const TransformSize = 24

// Transform is a 2x3 matrix of 16.16 fixed point values
type Transform [6]int32

// IdentityTransform leaves coordinates unchanged
var IdentityTransform = Transform{1 << 16, 0, 0, 0, 1 << 16, 0}

// Point is a position on a surface
type Point struct {
	X int32
	Y int32
}
