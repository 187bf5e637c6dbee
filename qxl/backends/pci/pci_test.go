// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0000:00:02.0"

const testResources = `0x00000000f4000000 0x00000000f7ffffff 0x0000000000042208
0x00000000f8000000 0x00000000fbffffff 0x0000000000042208
0x00000000fc000000 0x00000000fc001fff 0x0000000000040200
0x000000000000c000 0x000000000000c01f 0x0000000000040101
0x0000000000000000 0x0000000000000000 0x0000000000000000
`

// fakeSysfs lays out a sysfs PCI device directory with small resource files
func fakeSysfs(t *testing.T, vendor, device, resources string) (root, devPort string) {
	t.Helper()

	root = t.TempDir()
	dir := filepath.Join(root, testAddress)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	write := func(name string, data []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
	write("vendor", []byte(vendor+"\n"))
	write("device", []byte(device+"\n"))
	write("resource", []byte(resources))
	for bar, size := range []int{16384, 8192, 4096} {
		write(fmt.Sprintf("resource%d", bar), make([]byte, size))
	}

	devPort = filepath.Join(root, "port")
	require.NoError(t, os.WriteFile(devPort, nil, 0o600))
	return root, devPort
}

func TestParseResources(t *testing.T) {
	res, err := ParseResources(strings.NewReader(testResources))
	require.NoError(t, err)
	require.Len(t, res, 5)

	assert.Equal(t, uint64(0xf4000000), res[barRAM].Start)
	assert.Equal(t, uint64(64<<20), res[barRAM].Size())
	assert.False(t, res[barRAM].IsIO())
	assert.Equal(t, uint64(8192), res[barROM].Size())
	assert.True(t, res[barIO].IsIO())
	assert.Equal(t, uint64(32), res[barIO].Size())
	assert.Equal(t, uint64(1), res[4].Size())

	assert.Zero(t, Resource{Start: 10, End: 5}.Size())

	_, err = ParseResources(strings.NewReader("0x1 0x2\n"))
	assert.Error(t, err)
	_, err = ParseResources(strings.NewReader("0x1 0x2 zz\n"))
	assert.Error(t, err)

	res, err = ParseResources(strings.NewReader("\n0x1 0x2 0x3\n\n"))
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestInit(t *testing.T) {
	root, devPort := fakeSysfs(t, "0x1b36", "0x0100", testResources)

	backend := New(Config{Address: testAddress, SysfsRoot: root, DevPort: devPort})
	require.NoError(t, backend.Init())
	defer backend.Close()

	assert.Equal(t, "pci", backend.GetBackendType())
	assert.Len(t, backend.RAM(), 16384)
	assert.Len(t, backend.VRAM(), 8192)
	assert.Len(t, backend.ROM(), 4096)
	assert.Equal(t, uint64(0xf4000000), backend.RAMPhysical())
	assert.Equal(t, uint64(0xf8000000), backend.VRAMPhysical())

	// Ports are written at the I/O BAR base
	require.NoError(t, backend.WritePort(2, 0x7f))
	port, err := os.ReadFile(devPort)
	require.NoError(t, err)
	require.Len(t, port, 0xc003)
	assert.Equal(t, byte(0x7f), port[0xc002])
}

func TestInitErrors(t *testing.T) {
	noIO := strings.Replace(testResources, "0x0000000000040101", "0x0000000000040200", 1)

	tests := []struct {
		name      string
		vendor    string
		device    string
		resources string
		address   string
		notQXL    bool
	}{
		{"wrong vendor", "0x8086", "0x0100", testResources, testAddress, true},
		{"wrong device", "0x1b36", "0x0001", testResources, testAddress, true},
		{"no io bar", "0x1b36", "0x0100", noIO, testAddress, true},
		{"short resource table", "0x1b36", "0x0100", "0x1 0x2 0x3\n", testAddress, true},
		{"missing device", "0x1b36", "0x0100", testResources, "0000:00:09.0", false},
		{"no address", "0x1b36", "0x0100", testResources, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root, devPort := fakeSysfs(t, tc.vendor, tc.device, tc.resources)

			backend := New(Config{Address: tc.address, SysfsRoot: root, DevPort: devPort})
			err := backend.Init()
			require.Error(t, err)
			if tc.notQXL {
				assert.ErrorIs(t, err, ErrNotQXL)
			}
			assert.NoError(t, backend.Close())
		})
	}
}

func TestDefaults(t *testing.T) {
	backend := New(Config{Address: testAddress, SysfsRoot: t.TempDir()})
	assert.Error(t, backend.Init())
	assert.Equal(t, DefaultDevPort, backend.config.DevPort)

	backend = New(Config{})
	assert.Error(t, backend.Init())
	assert.Equal(t, DefaultSysfsRoot, backend.config.SysfsRoot)
}
