// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package qxl

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"
)

// I/O port offsets relative to the device I/O base
const (
	IONotifyCmd = iota
	IONotifyCursor
	IOUpdateArea
	IOUpdateIRQ
	IONotifyOOM
	IOReset
	IOSetMode
	IOLog
	IOMemslotAdd
	IOMemslotDel
	IODetachPrimary
	IOAttachPrimary
	IOCreatePrimary
	IODestroyPrimary
	IODestroySurfaceWait
	IODestroyAllSurfaces
	IOUpdateAreaAsync
	IOMemslotAddAsync
	IOCreatePrimaryAsync
	IODestroyPrimaryAsync
	IODestroySurfaceAsync
	IODestroyAllSurfacesAsync
	IOFlushSurfacesAsync
	IOFlushRelease
	IOMonitorsConfigAsync

	IORange
)

// Interrupt bits of the RAM header int_pending word
const (
	InterruptDisplay              = 1 << 0
	InterruptCursor               = 1 << 1
	InterruptIOCmd                = 1 << 2
	InterruptError                = 1 << 3
	InterruptClient               = 1 << 4
	InterruptClientMonitorsConfig = 1 << 5
)

var ioNames = [IORange]string{
	"NOTIFY_CMD", "NOTIFY_CURSOR", "UPDATE_AREA", "UPDATE_IRQ", "NOTIFY_OOM", "RESET",
	"SET_MODE", "LOG", "MEMSLOT_ADD", "MEMSLOT_DEL", "DETACH_PRIMARY", "ATTACH_PRIMARY",
	"CREATE_PRIMARY", "DESTROY_PRIMARY", "DESTROY_SURFACE_WAIT", "DESTROY_ALL_SURFACES",
	"UPDATE_AREA_ASYNC", "MEMSLOT_ADD_ASYNC", "CREATE_PRIMARY_ASYNC", "DESTROY_PRIMARY_ASYNC",
	"DESTROY_SURFACE_ASYNC", "DESTROY_ALL_SURFACES_ASYNC", "FLUSH_SURFACES_ASYNC",
	"FLUSH_RELEASE", "MONITORS_CONFIG_ASYNC",
}

// IOName returns the name of an I/O port
func IOName(port uint8) string {
	if int(port) < len(ioNames) {
		return ioNames[port]
	}
	return fmt.Sprintf("IO_%d", port)
}

// IsAsyncIO reports whether the device answers a write to port with InterruptIOCmd
func IsAsyncIO(port uint8) bool {
	switch port {
	case IOUpdateAreaAsync, IOMemslotAddAsync, IOCreatePrimaryAsync, IODestroyPrimaryAsync,
		IODestroySurfaceAsync, IODestroyAllSurfacesAsync, IOFlushSurfacesAsync, IOMonitorsConfigAsync:
		return true
	}
	return false
}

const ioPollInterval = 100 * time.Microsecond

func (d *Device) intPending() *uint32 {
	return (*uint32)(unsafe.Pointer(&d.ram[d.hdrOff+ramIntPendingOff]))
}

func (d *Device) ioWrite(port, val uint8) error {
	if err := d.backend.WritePort(port, val); err != nil {
		return fmt.Errorf("write %s: %w", IOName(port), err)
	}
	return nil
}

// asyncIO writes port and waits for the device to raise InterruptIOCmd,
// which it then acknowledges.
func (d *Device) asyncIO(ctx context.Context, port, val uint8) error {
	if err := d.ioWrite(port, val); err != nil {
		return err
	}
	return d.waitIOCmd(ctx, port)
}

func (d *Device) waitIOCmd(ctx context.Context, port uint8) error {
	if d.opts.AsyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.AsyncTimeout)
		defer cancel()
	}

	pending := d.intPending()
	if atomic.LoadUint32(pending)&InterruptIOCmd == 0 {
		ticker := time.NewTicker(ioPollInterval)
		defer ticker.Stop()

		for atomic.LoadUint32(pending)&InterruptIOCmd == 0 {
			select {
			case <-ctx.Done():
				slog.Warn("async io not acknowledged", "port", IOName(port), "err", ctx.Err())
				return fmt.Errorf("wait for %s: %w", IOName(port), ctx.Err())
			case <-ticker.C:
			}
		}
	}

	atomic.AndUint32(pending, ^uint32(InterruptIOCmd))
	return nil
}

func (d *Device) notifyCommand() {
	if err := d.ioWrite(IONotifyCmd, 0); err != nil {
		slog.Error("notify command ring", "err", err)
	}
}

func (d *Device) notifyCursor() {
	if err := d.ioWrite(IONotifyCursor, 0); err != nil {
		slog.Error("notify cursor ring", "err", err)
	}
}
