// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"log/slog"
)

// AllocNF allocates size bytes of command memory and does not fail: it
// collects released records, asks the device to release more when the arena
// is full, and terminates the process through Options.Exit once
// Options.RetryLimit consecutive rounds made no progress.
func (d *Device) AllocNF(size uint64) ArenaOffset {
	d.GarbageCollect()

	attempts := 0
	for {
		off, err := d.mem.Alloc(size)
		if err == nil {
			return off
		}

		if d.handleOOM() {
			attempts = 0
			continue
		}

		attempts++
		if attempts >= d.opts.RetryLimit {
			d.mem.DumpStats("out of memory - stats")
			slog.Error("out of memory", "size", size, "attempts", attempts)
			d.opts.Exit(1)
			// Exit only returns when replaced in tests
			panic(err)
		}
	}
}

// handleOOM asks the device to render and release everything it holds and
// reports whether that freed at least one record.
func (d *Device) handleOOM() bool {
	round := d.oomRounds.Add(1)

	// The device releases drawables only once they have been rendered
	area := Rect{Right: 800, Bottom: 1280}
	switch {
	case d.primary != nil:
		area = Rect{Right: int32(d.primary.Width), Bottom: int32(d.primary.Height)}
	case d.mode != nil:
		area = Rect{Right: int32(d.mode.XRes), Bottom: int32(d.mode.YRes)}
	}
	d.setUpdateArea(0, area)
	if err := d.ioWrite(IOUpdateArea, 0); err != nil {
		slog.Warn("update area on oom", "err", err)
	}

	slog.Warn("eliminated memory", "round", round)

	if err := d.ioWrite(IONotifyOOM, 0); err != nil {
		slog.Warn("notify oom", "err", err)
	}

	if d.GarbageCollect() > 0 {
		return true
	}
	d.opts.Sleep(d.opts.OOMBackoff)
	return d.GarbageCollect() > 0
}
