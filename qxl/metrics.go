// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports device statistics to Prometheus. It only reads counters
// that are safe to load while the device goroutine runs.
type Collector struct {
	d *Device

	arenaSize     *prometheus.Desc
	arenaUsed     *prometheus.Desc
	arenaLive     *prometheus.Desc
	arenaAllocs   *prometheus.Desc
	arenaFrees    *prometheus.Desc
	arenaFailures *prometheus.Desc
	arenaResets   *prometheus.Desc

	ringPushes  *prometheus.Desc
	ringPops    *prometheus.Desc
	ringFull    *prometheus.Desc
	ringPending *prometheus.Desc

	gcPasses  *prometheus.Desc
	gcRecords *prometheus.Desc
	oomRounds *prometheus.Desc

	surfacesCreated *prometheus.Desc
	surfacesReused  *prometheus.Desc
	surfacesEvicted *prometheus.Desc
}

// NewCollector creates a collector for d. Metric names are prefixed with
// namespace and subsystem when they are not empty.
func NewCollector(d *Device, namespace, subsystem string) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, subsystem, n)
	}
	arena := []string{"arena"}
	ring := []string{"ring"}

	return &Collector{
		d: d,

		arenaSize:     prometheus.NewDesc(name("arena_size_bytes"), "Usable bytes in the arena.", arena, nil),
		arenaUsed:     prometheus.NewDesc(name("arena_used_bytes"), "Bytes currently allocated.", arena, nil),
		arenaLive:     prometheus.NewDesc(name("arena_allocations"), "Live allocations.", arena, nil),
		arenaAllocs:   prometheus.NewDesc(name("arena_allocs_total"), "Successful allocations.", arena, nil),
		arenaFrees:    prometheus.NewDesc(name("arena_frees_total"), "Frees.", arena, nil),
		arenaFailures: prometheus.NewDesc(name("arena_failures_total"), "Allocations that found no free region.", arena, nil),
		arenaResets:   prometheus.NewDesc(name("arena_resets_total"), "Reset-all operations.", arena, nil),

		ringPushes:  prometheus.NewDesc(name("ring_pushes_total"), "Items pushed by the driver.", ring, nil),
		ringPops:    prometheus.NewDesc(name("ring_pops_total"), "Items popped by the driver.", ring, nil),
		ringFull:    prometheus.NewDesc(name("ring_full_total"), "Pushes refused because the ring was full.", ring, nil),
		ringPending: prometheus.NewDesc(name("ring_pending"), "Items produced and not yet consumed.", ring, nil),

		gcPasses:  prometheus.NewDesc(name("gc_passes_total"), "Release ring collection passes.", nil, nil),
		gcRecords: prometheus.NewDesc(name("gc_records_total"), "Released records freed.", nil, nil),
		oomRounds: prometheus.NewDesc(name("oom_rounds_total"), "Out of memory notifications sent to the device.", nil, nil),

		surfacesCreated: prometheus.NewDesc(name("surfaces_created_total"), "Surfaces backed by fresh VRAM.", nil, nil),
		surfacesReused:  prometheus.NewDesc(name("surfaces_reused_total"), "Surfaces taken from the pool.", nil, nil),
		surfacesEvicted: prometheus.NewDesc(name("surfaces_evicted_total"), "Pooled surfaces whose VRAM was given back.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range []*Arena{c.d.mem, c.d.surfaceMem} {
		ch <- prometheus.MustNewConstMetric(c.arenaSize, prometheus.GaugeValue, float64(a.Size()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaUsed, prometheus.GaugeValue, float64(a.used.Load()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaLive, prometheus.GaugeValue, float64(a.allocations.Load()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaAllocs, prometheus.CounterValue, float64(a.totalAllocs.Load()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaFrees, prometheus.CounterValue, float64(a.totalFrees.Load()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaFailures, prometheus.CounterValue, float64(a.failures.Load()), a.name)
		ch <- prometheus.MustNewConstMetric(c.arenaResets, prometheus.CounterValue, float64(a.resets.Load()), a.name)
	}

	for _, r := range []*Ring{c.d.cmdRing, c.d.cursorRing, c.d.releaseRing} {
		ch <- prometheus.MustNewConstMetric(c.ringPushes, prometheus.CounterValue, float64(r.pushes.Load()), r.name)
		ch <- prometheus.MustNewConstMetric(c.ringPops, prometheus.CounterValue, float64(r.pops.Load()), r.name)
		ch <- prometheus.MustNewConstMetric(c.ringFull, prometheus.CounterValue, float64(r.fulls.Load()), r.name)
		ch <- prometheus.MustNewConstMetric(c.ringPending, prometheus.GaugeValue, float64(r.Len()), r.name)
	}

	ch <- prometheus.MustNewConstMetric(c.gcPasses, prometheus.CounterValue, float64(c.d.gcPasses.Load()))
	ch <- prometheus.MustNewConstMetric(c.gcRecords, prometheus.CounterValue, float64(c.d.gcRecords.Load()))
	ch <- prometheus.MustNewConstMetric(c.oomRounds, prometheus.CounterValue, float64(c.d.oomRounds.Load()))

	s := c.d.surfaces
	ch <- prometheus.MustNewConstMetric(c.surfacesCreated, prometheus.CounterValue, float64(s.created.Load()))
	ch <- prometheus.MustNewConstMetric(c.surfacesReused, prometheus.CounterValue, float64(s.reused.Load()))
	ch <- prometheus.MustNewConstMetric(c.surfacesEvicted, prometheus.CounterValue, float64(s.evictions.Load()))
}

// GCStats returns the number of collection passes and records collected
func (d *Device) GCStats() (passes, records, oomRounds uint64) {
	return d.gcPasses.Load(), d.gcRecords.Load(), d.oomRounds.Load()
}
