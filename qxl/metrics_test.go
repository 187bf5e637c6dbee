// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	d, h := newTestDevice(t, testConfig{})
	withPrimary(t, d)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.SubmitFill(0, Rect{Right: 4, Bottom: 4}, 0))
	}
	h.releaseAll(d)
	d.GarbageCollect()

	c := NewCollector(d, "qxl", "")

	// Seven arena series for two arenas, four ring series for three rings
	assert.Equal(t, 2*7+3*4+3+3, testutil.CollectAndCount(c))

	expected := `
# HELP qxl_gc_records_total Released records freed.
# TYPE qxl_gc_records_total counter
qxl_gc_records_total 3
# HELP qxl_ring_pushes_total Items pushed by the driver.
# TYPE qxl_ring_pushes_total counter
qxl_ring_pushes_total{ring="command"} 3
qxl_ring_pushes_total{ring="cursor"} 0
qxl_ring_pushes_total{ring="release"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"qxl_gc_records_total", "qxl_ring_pushes_total"))

	expected = `
# HELP qxl_arena_used_bytes Bytes currently allocated.
# TYPE qxl_arena_used_bytes gauge
qxl_arena_used_bytes{arena="ram"} 0
qxl_arena_used_bytes{arena="vram"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "qxl_arena_used_bytes"))
}

func TestCollectorRegisters(t *testing.T) {
	d, _ := newTestDevice(t, testConfig{})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(d, "qxl", "driver")))

	n, err := testutil.GatherAndCount(reg, "qxl_driver_oom_rounds_total", "qxl_driver_surfaces_created_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
