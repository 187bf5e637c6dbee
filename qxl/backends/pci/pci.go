// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package pci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mulgadc/qxlmem/qxl/backends/file"
)

const (
	DefaultSysfsRoot = "/sys/bus/pci/devices"
	DefaultDevPort   = "/dev/port"

	VendorRedHat = 0x1b36
	DeviceQXL    = 0x0100

	// ioResourceIO marks an I/O port BAR in the sysfs resource table
	ioResourceIO = 0x100
)

// QXL BARs
const (
	barRAM  = 0
	barVRAM = 1
	barROM  = 2
	barIO   = 3
)

var ErrNotQXL = errors.New("not a QXL device")

type Config struct {
	// Address is the PCI address, e.g. 0000:00:02.0
	Address   string
	SysfsRoot string
	DevPort   string
}

// Resource is a line of a sysfs resource table
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

func (r Resource) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Resource) IsIO() bool {
	return r.Flags&ioResourceIO != 0
}

// Backend maps the BARs of a QXL PCI device through sysfs and writes its I/O
// ports through /dev/port.
type Backend struct {
	*file.Backend
	config Config
}

func New(config any) (backend *Backend) {
	return &Backend{config: config.(Config)}
}

func (backend *Backend) Init() error {
	if backend.config.SysfsRoot == "" {
		backend.config.SysfsRoot = DefaultSysfsRoot
	}
	if backend.config.DevPort == "" {
		backend.config.DevPort = DefaultDevPort
	}
	if backend.config.Address == "" {
		return fmt.Errorf("pci backend: no device address")
	}

	dir := filepath.Join(backend.config.SysfsRoot, backend.config.Address)
	if err := checkID(dir); err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(dir, "resource"))
	if err != nil {
		return err
	}
	res, err := ParseResources(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(res) <= barIO || !res[barIO].IsIO() {
		return fmt.Errorf("%s: no I/O port BAR: %w", backend.config.Address, ErrNotQXL)
	}

	slog.Info("Init for pci backend",
		"address", backend.config.Address,
		"ram", fmt.Sprintf("%#x+%d", res[barRAM].Start, res[barRAM].Size()),
		"vram", fmt.Sprintf("%#x+%d", res[barVRAM].Start, res[barVRAM].Size()),
		"rom", fmt.Sprintf("%#x+%d", res[barROM].Start, res[barROM].Size()),
		"io", fmt.Sprintf("%#x", res[barIO].Start),
	)

	backend.Backend = file.New(file.FileConfig{
		RAMPath:      filepath.Join(dir, fmt.Sprintf("resource%d", barRAM)),
		VRAMPath:     filepath.Join(dir, fmt.Sprintf("resource%d", barVRAM)),
		ROMPath:      filepath.Join(dir, fmt.Sprintf("resource%d", barROM)),
		PortPath:     backend.config.DevPort,
		PortBase:     int64(res[barIO].Start),
		RAMPhysical:  res[barRAM].Start,
		VRAMPhysical: res[barVRAM].Start,
	})
	return backend.Backend.Init()
}

func checkID(dir string) error {
	vendor, err := readHex(filepath.Join(dir, "vendor"))
	if err != nil {
		return err
	}
	device, err := readHex(filepath.Join(dir, "device"))
	if err != nil {
		return err
	}
	if vendor != VendorRedHat || device != DeviceQXL {
		return fmt.Errorf("%s is %04x:%04x: %w", dir, vendor, device, ErrNotQXL)
	}
	return nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// ParseResources parses a sysfs resource table: one "start end flags" line
// of hex numbers per BAR.
func ParseResources(r io.Reader) ([]Resource, error) {
	var res []Resource
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("resource line %d: %q", len(res), sc.Text())
		}

		var v [3]uint64
		for i, f := range fields {
			n, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("resource line %d: %w", len(res), err)
			}
			v[i] = n
		}
		res = append(res, Resource{Start: v[0], End: v[1], Flags: v[2]})
	}
	return res, sc.Err()
}

func (backend *Backend) Close() error {
	if backend.Backend == nil {
		return nil
	}
	return backend.Backend.Close()
}

func (backend *Backend) GetBackendType() string {
	return "pci"
}

func (backend *Backend) SetConfig(config any) {
	backend.config = config.(Config)
}
