// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testConfig(t *testing.T) FileConfig {
	dir := t.TempDir()
	return FileConfig{
		RAMPath:      writeFile(t, dir, "ram", 8192),
		VRAMPath:     writeFile(t, dir, "vram", 4096),
		ROMPath:      writeFile(t, dir, "rom", 4096),
		PortPath:     writeFile(t, dir, "port", 0),
		PortBase:     0x10,
		RAMPhysical:  0xf4000000,
		VRAMPhysical: 0xf8000000,
	}
}

func TestFileBackend(t *testing.T) {
	cfg := testConfig(t)
	backend := New(cfg)
	require.NoError(t, backend.Init())

	assert.Len(t, backend.RAM(), 8192)
	assert.Len(t, backend.VRAM(), 4096)
	assert.Len(t, backend.ROM(), 4096)
	assert.Equal(t, byte(7), backend.ROM()[7])
	assert.Equal(t, uint64(0xf4000000), backend.RAMPhysical())
	assert.Equal(t, uint64(0xf8000000), backend.VRAMPhysical())
	assert.Equal(t, "file", backend.GetBackendType())

	// RAM is shared with the file
	backend.RAM()[100] = 0xaa
	require.NoError(t, backend.WritePort(3, 0x42))
	require.NoError(t, backend.Close())

	ram, err := os.ReadFile(cfg.RAMPath)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), ram[100])

	port, err := os.ReadFile(cfg.PortPath)
	require.NoError(t, err)
	require.Len(t, port, 0x14)
	assert.Equal(t, byte(0x42), port[0x13])

	assert.Nil(t, backend.RAM())
	assert.ErrorIs(t, backend.WritePort(3, 0), os.ErrClosed)
	assert.NoError(t, backend.Close())
}

func TestFileBackendErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *FileConfig)
	}{
		{"missing ram", func(cfg *FileConfig) { cfg.RAMPath = filepath.Join(t.TempDir(), "none") }},
		{"empty vram", func(cfg *FileConfig) { cfg.VRAMPath = writeFile(t, t.TempDir(), "empty", 0) }},
		{"missing port", func(cfg *FileConfig) { cfg.PortPath = filepath.Join(t.TempDir(), "none") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)

			backend := New(cfg)
			assert.Error(t, backend.Init())
			// A failed Init leaves nothing mapped
			assert.Nil(t, backend.RAM())
			assert.Nil(t, backend.ROM())
		})
	}
}
