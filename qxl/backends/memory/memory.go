// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package memory

import (
	"errors"
	"log/slog"
	"sync"
)

const (
	DefaultRAMSize      = 16 * 1024 * 1024
	DefaultVRAMSize     = 16 * 1024 * 1024
	DefaultROMSize      = 8 * 1024
	DefaultRAMPhysical  = 0xf4000000
	DefaultVRAMPhysical = 0xf8000000
)

var ErrNotInitialized = errors.New("memory backend not initialized")

type Config struct {
	RAMSize  int
	VRAMSize int
	ROMSize  int

	RAMPhysical  uint64
	VRAMPhysical uint64
}

// PortWrite is a recorded I/O port write
type PortWrite struct {
	Port  uint8
	Value uint8
}

// Backend keeps device memory on the heap. Nothing answers port writes
// unless a handler is installed with SetPortHandler.
type Backend struct {
	config Config

	ram  []byte
	vram []byte
	rom  []byte

	mu      sync.Mutex
	writes  []PortWrite
	handler func(port, value uint8)
}

func New(config any) (backend *Backend) {
	return &Backend{config: config.(Config)}
}

func (backend *Backend) Init() error {
	if backend.config.RAMSize <= 0 {
		backend.config.RAMSize = DefaultRAMSize
	}
	if backend.config.VRAMSize <= 0 {
		backend.config.VRAMSize = DefaultVRAMSize
	}
	if backend.config.ROMSize <= 0 {
		backend.config.ROMSize = DefaultROMSize
	}
	if backend.config.RAMPhysical == 0 {
		backend.config.RAMPhysical = DefaultRAMPhysical
	}
	if backend.config.VRAMPhysical == 0 {
		backend.config.VRAMPhysical = DefaultVRAMPhysical
	}

	backend.ram = make([]byte, backend.config.RAMSize)
	backend.vram = make([]byte, backend.config.VRAMSize)
	backend.rom = make([]byte, backend.config.ROMSize)

	slog.Info("Init for memory backend", "ram", backend.config.RAMSize, "vram", backend.config.VRAMSize, "rom", backend.config.ROMSize)
	return nil
}

func (backend *Backend) RAM() []byte          { return backend.ram }
func (backend *Backend) VRAM() []byte         { return backend.vram }
func (backend *Backend) ROM() []byte          { return backend.rom }
func (backend *Backend) RAMPhysical() uint64  { return backend.config.RAMPhysical }
func (backend *Backend) VRAMPhysical() uint64 { return backend.config.VRAMPhysical }
func (backend *Backend) GetBackendType() string {
	return "memory"
}

func (backend *Backend) SetConfig(config any) {
	backend.config = config.(Config)
}

// SetPortHandler installs fn to be called for every port write. fn runs on
// the writer's goroutine after the write has been recorded.
func (backend *Backend) SetPortHandler(fn func(port, value uint8)) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.handler = fn
}

func (backend *Backend) WritePort(port uint8, value uint8) error {
	if backend.ram == nil {
		return ErrNotInitialized
	}

	backend.mu.Lock()
	backend.writes = append(backend.writes, PortWrite{Port: port, Value: value})
	fn := backend.handler
	backend.mu.Unlock()

	if fn != nil {
		fn(port, value)
	}
	return nil
}

// PortWrites returns a copy of every port write so far
func (backend *Backend) PortWrites() []PortWrite {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	return append([]PortWrite(nil), backend.writes...)
}

// CountPortWrites returns how often port has been written
func (backend *Backend) CountPortWrites(port uint8) int {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	n := 0
	for _, w := range backend.writes {
		if w.Port == port {
			n++
		}
	}
	return n
}

func (backend *Backend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.handler = nil
	return nil
}
