// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import "fmt"

// Kind tells the release collector what sort of record a release id names
type Kind uint8

const (
	KindDrawable Kind = iota
	KindCursor
	KindSurface

	kindBits = 2
	kindMask = 1<<kindBits - 1
)

func (k Kind) String() string {
	switch k {
	case KindDrawable:
		return "drawable"
	case KindCursor:
		return "cursor"
	case KindSurface:
		return "surface"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ReleaseID identifies a record in the main arena. It is what the device hands
// back on the release ring and what chains records through release_info.next.
type ReleaseID struct {
	Kind   Kind
	Offset ArenaOffset
}

// Encode packs the id. Offsets are biased by one so that a record at offset 0
// never encodes to the chain terminator.
func (r ReleaseID) Encode() uint64 {
	return (uint64(r.Offset)+1)<<kindBits | uint64(r.Kind&kindMask)
}

// DecodeReleaseID unpacks an encoded id. ok is false for the chain terminator.
func DecodeReleaseID(v uint64) (id ReleaseID, ok bool) {
	if v == 0 {
		return ReleaseID{}, false
	}
	off := v >> kindBits
	if off == 0 {
		panic(&DecodeError{ID: v, Reason: "id carries no record offset"})
	}
	return ReleaseID{Kind: Kind(v & kindMask), Offset: ArenaOffset(off - 1)}, true
}

func (r ReleaseID) String() string {
	return fmt.Sprintf("%s@%#x", r.Kind, uint64(r.Offset))
}

// release_info {id u64, next u64} opens every released record
const (
	releaseIDOff   = 0
	releaseNextOff = 8

	ReleaseInfoSize = 16
)
