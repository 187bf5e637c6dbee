// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package types

// Backend provides access to the memory regions and I/O ports of a QXL device.
// RAM holds the command arena and the RAM header with the rings, VRAM backs
// surfaces and ROM is the read-only device description.
type Backend interface {
	Init() error
	RAM() []byte
	VRAM() []byte
	ROM() []byte
	RAMPhysical() uint64
	VRAMPhysical() uint64
	WritePort(port uint8, value uint8) error
	Close() error
	GetBackendType() string
	SetConfig(config any)
}
