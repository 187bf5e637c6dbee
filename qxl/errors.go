// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"errors"
	"fmt"
)

var (
	// ErrArenaExhausted is returned when no free region can hold the request
	ErrArenaExhausted = errors.New("arena exhausted")

	ErrRingFull  = errors.New("ring full")
	ErrRingEmpty = errors.New("ring empty")
	// ErrInvalidRing is returned when a ring header does not describe a usable ring
	ErrInvalidRing = errors.New("invalid ring")

	ErrBadROMMagic       = errors.New("bad ROM signature")
	ErrBadRAMMagic       = errors.New("bad RAM header signature")
	ErrStaleAddress      = errors.New("stale device address")
	ErrUnknownSlot       = errors.New("unknown memory slot")
	ErrAddressOutOfRange = errors.New("address outside of memory slot")
	ErrBadLayout         = errors.New("device memory layout out of bounds")

	ErrNoSurfaceID    = errors.New("no free surface id")
	ErrUnknownSurface = errors.New("unknown surface")
)

// ProtocolError reports device state that cannot be trusted: bad signatures,
// stale or malformed device addresses. It is never retried.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("qxl protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeError is raised (as a panic value) when the release collector meets a
// record it does not know how to take apart.
type DecodeError struct {
	ID     uint64
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("qxl release decode error: id %#x: %s", e.ID, e.Reason)
}
