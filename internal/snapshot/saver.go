// Package snapshot writes the composed overlay surface to disk.
package snapshot

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Config configures a Saver.
type Config struct {
	OutputDir   string
	Format      string // "png" or "jpeg"
	JPEGQuality int    // 1-100, jpeg only
	MaxWidth    int    // downscale wider surfaces; 0 keeps the native size
}

// Stats contains save statistics.
type Stats struct {
	Saved    uint64
	Dropped  uint64 // captures skipped while a save was in flight
	Failed   uint64
	LastPath string
}

// Saver handles saving overlay snapshots to disk.
//
// Capture copies the surface and encodes it on a background goroutine. At
// most one save is in flight; captures arriving meanwhile are dropped.
type Saver struct {
	cfg    Config
	logger *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	saved    atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	lastPath atomic.Pointer[string]
}

// NewSaver creates a saver, creating the output directory if needed.
func NewSaver(cfg Config, logger *slog.Logger) (*Saver, error) {
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.Format != "png" && cfg.Format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Saver{cfg: cfg, logger: logger}, nil
}

// Capture implements the frame loop's snapshot sink. img is copied before
// Capture returns.
func (s *Saver) Capture(img *image.RGBA, frame *types.Frame) {
	if img == nil || frame == nil {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return
	}

	clone := s.copyScaled(img)
	seq, ts := frame.Seq, frame.Timestamp

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)

		path, err := s.Save(clone, seq, ts)
		if err != nil {
			s.logger.Warn("snapshot: save failed", "frame_seq", seq, "error", err)
			return
		}
		s.logger.Debug("snapshot: saved", "path", path, "frame_seq", seq)
	}()
}

// copyScaled returns a private copy of img, downscaled to MaxWidth.
func (s *Saver) copyScaled(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if s.cfg.MaxWidth <= 0 || w <= s.cfg.MaxWidth {
		clone := image.NewRGBA(b)
		copy(clone.Pix, img.Pix)
		return clone
	}

	dh := h * s.cfg.MaxWidth / w
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.cfg.MaxWidth, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Save encodes img synchronously and returns the written path.
//
// Filename format: overlay_{seq:06d}_{timestamp}.{ext}
// Example: overlay_000042_20251105_234517.123.png
func (s *Saver) Save(img image.Image, seq uint64, ts time.Time) (string, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := s.cfg.Format
	if ext == "jpeg" {
		ext = "jpg"
	}

	name := fmt.Sprintf("overlay_%06d_%s.%s", seq, ts.Format("20060102_150405.000"), ext)
	path := filepath.Join(s.cfg.OutputDir, name)

	file, err := os.Create(path)
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch s.cfg.Format {
	case "png":
		err = png.Encode(file, img)
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: s.cfg.JPEGQuality})
	}
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("%s encode failed: %w", s.cfg.Format, err)
	}

	s.saved.Add(1)
	s.lastPath.Store(&path)
	return path, nil
}

// Wait blocks until the in-flight save, if any, completes.
func (s *Saver) Wait() {
	s.wg.Wait()
}

// Stats returns current save statistics.
func (s *Saver) Stats() Stats {
	st := Stats{
		Saved:   s.saved.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
	if p := s.lastPath.Load(); p != nil {
		st.LastPath = *p
	}
	return st
}
