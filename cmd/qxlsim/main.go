// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

// qxlsim drives a QXL device emulated in memory with a drawing workload and
// optionally exports the driver statistics to Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mulgadc/qxlmem/config"
	"github.com/mulgadc/qxlmem/qxl"
	backend "github.com/mulgadc/qxlmem/qxl/backends"
	"github.com/mulgadc/qxlmem/qxl/backends/memory"
	"github.com/mulgadc/qxlmem/qxl/loopback"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	frames := flag.Int("frames", 1000, "Number of frames to draw, 0 to run until interrupted")
	width := flag.Uint("width", 1024, "Primary surface width")
	height := flag.Uint("height", 768, "Primary surface height")
	hold := flag.Bool("hold", false, "Device holds releases until the driver runs out of memory")
	metrics := flag.Bool("metrics", false, "Serve Prometheus metrics")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *metrics {
		cfg.Metrics.Enabled = true
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.Backend != "memory" {
		slog.Error("qxlsim needs the memory backend", "backend", cfg.Backend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulation{
		cfg:    cfg,
		frames: *frames,
		width:  uint32(*width),
		height: uint32(*height),
		hold:   *hold,
	}
	if err := sim.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

type simulation struct {
	cfg    config.Config
	frames int
	width  uint32
	height uint32
	hold   bool

	dev    *qxl.Device
	device *loopback.Device
}

func (s *simulation) run(ctx context.Context) error {
	be, err := backend.New("memory", memory.Config{
		RAMSize:  s.cfg.Memory.RAMSize,
		VRAMSize: s.cfg.Memory.VRAMSize,
		ROMSize:  s.cfg.Memory.ROMSize,
	})
	if err != nil {
		return err
	}
	if err := be.Init(); err != nil {
		return err
	}
	defer be.Close()

	s.device, err = loopback.New(be.(*memory.Backend), qxl.Layout{
		NumSurfaces: s.cfg.Memory.NumSurfaces,
		Modes: []qxl.Mode{
			{ID: 0, XRes: 640, YRes: 480, Bits: 32, Stride: 640 * 4},
			{ID: 1, XRes: 1024, YRes: 768, Bits: 32, Stride: 1024 * 4},
		},
	}, loopback.Options{HoldReleases: s.hold})
	if err != nil {
		return err
	}

	s.dev, err = qxl.Open(ctx, be, s.cfg.Options())
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	eg.Go(func() error {
		err := s.device.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.cfg.Metrics.Enabled {
		eg.Go(func() error {
			return s.serveMetrics(ctx)
		})
	}

	eg.Go(func() error {
		if err := s.draw(ctx); err != nil {
			return err
		}
		close(done)
		return nil
	})

	// Stop the device and the metrics server once drawing is over
	eg.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
		}
		return context.Canceled
	})

	err = eg.Wait()
	s.report()
	return err
}

func (s *simulation) serveMetrics(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(qxl.NewCollector(s.dev, s.cfg.Metrics.Namespace, s.cfg.Metrics.Subsystem))

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              s.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "listen", s.cfg.Metrics.Listen, "path", s.cfg.Metrics.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *simulation) draw(ctx context.Context) error {
	dev := s.dev

	primary, err := dev.CreatePrimary(ctx, s.width, s.height, qxl.SurfaceStride(s.width, qxl.SurfaceFormat32xRGB), qxl.SurfaceFormat32xRGB)
	if err != nil {
		return err
	}

	if err := retry(ctx, func() error { return dev.SetCursor(arrowCursor()) }); err != nil {
		return err
	}

	tile := checkerboard(64, 64, uint32(0x00ff8800), uint32(0x000088ff))
	screen := qxl.Rect{Bottom: int32(primary.Height), Right: int32(primary.Width)}

	for frame := 0; s.frames == 0 || frame < s.frames; frame++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.frame(ctx, frame, screen, tile); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}

	if _, err := dev.FlushRelease(); err != nil {
		return err
	}
	return nil
}

func (s *simulation) frame(ctx context.Context, frame int, screen qxl.Rect, tile qxl.Bitmap) error {
	dev := s.dev
	x := int32(frame*7) % max(screen.Right-64, 1)
	y := int32(frame*5) % max(screen.Bottom-64, 1)

	if err := retry(ctx, func() error {
		return dev.SubmitFill(0, screen, uint32(frame)*0x010101)
	}); err != nil {
		return err
	}

	if err := retry(ctx, func() error {
		return dev.SubmitCopy(0, qxl.Point{X: x, Y: y}, tile)
	}); err != nil {
		return err
	}

	// An off-screen surface used as a copy and composite source
	var surf *qxl.Surface
	if err := retry(ctx, func() (err error) {
		surf, err = dev.Surfaces().Create(128, 128, qxl.SurfaceFormat32ARGB)
		return err
	}); err != nil {
		return err
	}
	area := qxl.Rect{Bottom: 128, Right: 128}
	if err := retry(ctx, func() error {
		return dev.SubmitFill(surf.ID, area, 0x80ffffff)
	}); err != nil {
		return err
	}
	if err := retry(ctx, func() error {
		return dev.SubmitCopyFromSurface(0, qxl.Point{X: y, Y: x}, surf, area)
	}); err != nil {
		return err
	}
	if frame%4 == 0 {
		t := qxl.IdentityTransform
		if err := retry(ctx, func() error {
			return dev.SubmitComposite(qxl.Composite{
				Op:           3,
				Surface:      0,
				Area:         area,
				Src:          surf,
				SrcTransform: &t,
			})
		}); err != nil {
			return err
		}
		// The composite only wraps surf, it has to be drawn before surf goes away
		if err := dev.FlushSurfaces(ctx); err != nil {
			return err
		}
	}
	if err := dev.Surfaces().Unref(surf); err != nil {
		return err
	}

	if frame%16 == 0 {
		if err := retry(ctx, func() error {
			return dev.SubmitCopyBits(0, qxl.Point{X: 0, Y: 0}, qxl.Rect{Top: 8, Left: 8, Bottom: 72, Right: 72})
		}); err != nil {
			return err
		}
	}

	return retry(ctx, func() error { return dev.MoveCursor(x, y) })
}

// retry repeats fn while the ring it pushes to is full
func retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, qxl.ErrRingFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

func (s *simulation) report() {
	if s.dev == nil {
		return
	}
	for _, a := range []*qxl.Arena{s.dev.Arena(), s.dev.SurfaceArena()} {
		st := a.Stats()
		slog.Info("arena", "name", st.Name, "size", st.Size, "used", st.Used, "allocs", st.TotalAllocs, "frees", st.TotalFrees, "failures", st.Failures)
	}

	passes, records, oom := s.dev.GCStats()
	slog.Info("collector", "passes", passes, "records", records, "oomRounds", oom)

	st := s.device.Stats()
	slog.Info("device", "commands", st.Commands, "cursors", st.Cursors, "released", st.Released, "chains", st.Chains, "surfaces", st.Surfaces, "bad", st.BadCommands)
}

func checkerboard(w, h int, a, b uint32) qxl.Bitmap {
	bm := qxl.Bitmap{Width: uint32(w), Height: uint32(h), Stride: w * 4, Pixels: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := a
			if (x/8+y/8)%2 == 1 {
				c = b
			}
			i := (y*w + x) * 4
			bm.Pixels[i], bm.Pixels[i+1], bm.Pixels[i+2], bm.Pixels[i+3] = byte(c), byte(c>>8), byte(c>>16), byte(c>>24)
		}
	}
	return bm
}

func arrowCursor() qxl.CursorImage {
	const size = 16
	img := qxl.CursorImage{Width: size, Height: size, Pixels: make([]uint32, size*size)}
	for y := 0; y < size; y++ {
		for x := 0; x <= y; x++ {
			img.Pixels[y*size+x] = 0xff000000
			if x > 0 && x < y {
				img.Pixels[y*size+x] = 0xffffffff
			}
		}
	}
	return img
}
