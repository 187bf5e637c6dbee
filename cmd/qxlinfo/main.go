// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

// qxlinfo prints the ROM, display modes and ring state of a QXL PCI device.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mulgadc/qxlmem/config"
	"github.com/mulgadc/qxlmem/qxl"
	backend "github.com/mulgadc/qxlmem/qxl/backends"
	"github.com/mulgadc/qxlmem/qxl/backends/pci"
	"github.com/mulgadc/qxlmem/types"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	address := flag.String("address", "", "PCI address of the device, e.g. 0000:00:02.0")
	sysfs := flag.String("sysfs", pci.DefaultSysfsRoot, "sysfs PCI device directory")
	open := flag.Bool("open", false, "Bring the device up and print the memory slots (writes to the device)")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.PCI.Address = *address
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.PCI.Address == "" {
		slog.Error("No PCI address, use -address or QXL_PCI_ADDRESS")
		os.Exit(1)
	}

	be, err := backend.New("pci", pci.Config{
		Address:   cfg.PCI.Address,
		SysfsRoot: *sysfs,
		DevPort:   cfg.PCI.DevPort,
	})
	if err != nil {
		slog.Error("Could not load pci backend", "error", err)
		os.Exit(1)
	}
	if err := be.Init(); err != nil {
		slog.Error("Could not map device", "address", cfg.PCI.Address, "error", err)
		os.Exit(1)
	}
	defer be.Close()

	if err := printInfo(os.Stdout, be); err != nil {
		slog.Error("Could not read device", "error", err)
		os.Exit(1)
	}

	if *open {
		dev, err := qxl.Open(context.Background(), be, cfg.Options())
		if err != nil {
			slog.Error("Could not open device", "error", err)
			os.Exit(1)
		}
		printSlots(os.Stdout, dev)
	}
}

// printInfo reads the device memory without writing to it
func printInfo(w io.Writer, be types.Backend) error {
	rom, err := qxl.ParseROM(be.ROM())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "ROM\n")
	fmt.Fprintf(w, "  id                 %d\n", rom.ID)
	fmt.Fprintf(w, "  mode               %d\n", rom.Mode)
	fmt.Fprintf(w, "  pages              %d at %#x\n", rom.NumPages, rom.PagesOffset)
	fmt.Fprintf(w, "  draw area          %d bytes at %#x\n", rom.Surface0AreaSize, rom.DrawAreaOffset)
	fmt.Fprintf(w, "  ram header         %#x\n", rom.RAMHeaderOffset)
	fmt.Fprintf(w, "  surfaces           %d\n", rom.NumSurfaces)
	fmt.Fprintf(w, "  slots              %d-%d (id bits %d, generation bits %d)\n", rom.SlotsStart, rom.SlotsEnd, rom.SlotIDBits, rom.SlotGenBits)
	fmt.Fprintf(w, "  slot generation    %d\n", rom.SlotGeneration)
	fmt.Fprintf(w, "  client present     %d\n", rom.ClientPresent)
	fmt.Fprintf(w, "  ram                %d bytes at %#x\n", len(be.RAM()), be.RAMPhysical())
	fmt.Fprintf(w, "  vram               %d bytes at %#x\n", len(be.VRAM()), be.VRAMPhysical())

	modes, err := qxl.ParseModes(be.ROM(), rom)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Modes\n")
	for _, m := range modes {
		fmt.Fprintf(w, "  %3d  %5dx%-5d %2d bits  stride %d\n", m.ID, m.XRes, m.YRes, m.Bits, m.Stride)
	}

	hdrOff := int(rom.RAMHeaderOffset)
	if err := qxl.CheckRAMHeader(be.RAM(), hdrOff); err != nil {
		return err
	}
	fmt.Fprintf(w, "Rings\n")
	for _, name := range []string{"command", "cursor", "release"} {
		mem, err := qxl.RAMHeaderRing(be.RAM(), hdrOff, name)
		if err != nil {
			return err
		}
		itemSize := qxl.CommandSize
		if name == "release" {
			itemSize = 8
		}
		ring, err := qxl.NewRing(name, mem, itemSize, nil)
		if err != nil {
			return err
		}
		st := ring.State()
		fmt.Fprintf(w, "  %-8s capacity %3d  prod %10d  cons %10d  pending %3d  notify %d/%d\n",
			st.Name, st.Capacity, st.Producer, st.Consumer, st.Pending, st.NotifyOnProd, st.NotifyOnCons)
	}
	return nil
}

func printSlots(w io.Writer, dev *qxl.Device) {
	t := dev.Translator()
	fmt.Fprintf(w, "Memory slots\n")
	for _, index := range []uint8{dev.MainSlot(), dev.VRAMSlot()} {
		s, err := t.Slot(index)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %d  generation %3d  phys %#x-%#x  local %#x-%#x  tag %#016x\n",
			s.Index, s.Generation, s.PhysStart, s.PhysEnd, uint64(s.VirtStart), uint64(s.VirtEnd), s.HighBits)
	}
	for _, a := range []*qxl.Arena{dev.Arena(), dev.SurfaceArena()} {
		st := a.Stats()
		fmt.Fprintf(w, "  arena %-5s %d bytes\n", st.Name, st.Size)
	}
}
