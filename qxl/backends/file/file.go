// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package file

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// FileConfig names the files holding device memory, e.g. sysfs PCI resource
// files or shared memory files of an emulator, and the file ports are
// written to at PortBase + port.
type FileConfig struct {
	RAMPath  string
	VRAMPath string
	ROMPath  string
	PortPath string
	PortBase int64

	RAMPhysical  uint64
	VRAMPhysical uint64
}

type FileBackend struct {
	config FileConfig

	ram  []byte
	vram []byte
	rom  []byte
	port *os.File
}

type Backend struct {
	FileBackend
}

func New(config any) (backend *Backend) {
	return &Backend{FileBackend: FileBackend{config: config.(FileConfig)}}
}

func (backend *Backend) Init() (err error) {
	slog.Info("Init for file backend", "ram", backend.config.RAMPath, "vram", backend.config.VRAMPath, "rom", backend.config.ROMPath)

	defer func() {
		if err != nil {
			backend.Close()
		}
	}()

	if backend.ram, err = mapFile(backend.config.RAMPath, true); err != nil {
		return err
	}
	if backend.vram, err = mapFile(backend.config.VRAMPath, true); err != nil {
		return err
	}
	if backend.rom, err = mapFile(backend.config.ROMPath, false); err != nil {
		return err
	}

	backend.port, err = os.OpenFile(backend.config.PortPath, os.O_WRONLY, 0)
	if err != nil {
		slog.Error("Failed to open port file", "error", err)
		return err
	}
	return nil
}

func mapFile(path string, writable bool) ([]byte, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("map %s: empty file", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return mem, nil
}

func (backend *Backend) RAM() []byte          { return backend.ram }
func (backend *Backend) VRAM() []byte         { return backend.vram }
func (backend *Backend) ROM() []byte          { return backend.rom }
func (backend *Backend) RAMPhysical() uint64  { return backend.config.RAMPhysical }
func (backend *Backend) VRAMPhysical() uint64 { return backend.config.VRAMPhysical }

func (backend *Backend) WritePort(port uint8, value uint8) error {
	if backend.port == nil {
		return fmt.Errorf("write port %d: %w", port, os.ErrClosed)
	}
	_, err := unix.Pwrite(int(backend.port.Fd()), []byte{value}, backend.config.PortBase+int64(port))
	return err
}

func (backend *Backend) Close() error {
	var errs []error
	for _, mem := range []*[]byte{&backend.ram, &backend.vram, &backend.rom} {
		if *mem == nil {
			continue
		}
		if err := unix.Munmap(*mem); err != nil {
			errs = append(errs, err)
		}
		*mem = nil
	}
	if backend.port != nil {
		errs = append(errs, backend.port.Close())
		backend.port = nil
	}
	return errors.Join(errs...)
}

func (backend *Backend) GetBackendType() string {
	return "file"
}

func (backend *Backend) SetConfig(config any) {
	backend.config = config.(FileConfig)
}
