package snapshot

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestNewSaverRejectsFormat(t *testing.T) {
	_, err := NewSaver(Config{OutputDir: t.TempDir(), Format: "gif"}, quietLogger())
	assert.ErrorContains(t, err, "unsupported format")
}

// TestCaptureCopiesSurface validates the saved image is the surface at
// Capture time even if the caller redraws immediately after.
func TestCaptureCopiesSurface(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSaver(Config{OutputDir: dir}, quietLogger())
	require.NoError(t, err)

	red := color.RGBA{R: 255, A: 255}
	img := solid(8, 4, red)
	ts := time.Date(2025, 11, 5, 23, 45, 17, 123e6, time.UTC)

	s.Capture(img, &types.Frame{Seq: 42, Timestamp: ts})
	copy(img.Pix, make([]byte, len(img.Pix))) // next tick clears the surface
	s.Wait()

	st := s.Stats()
	require.Equal(t, uint64(1), st.Saved)
	assert.Equal(t, filepath.Join(dir, "overlay_000042_20251105_234517.123.png"), st.LastPath)

	f, err := os.Open(st.LastPath)
	require.NoError(t, err)
	defer f.Close()

	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), decoded.Bounds())

	r, g, b, a := decoded.At(3, 2).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})
}

func TestCaptureDownscales(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSaver(Config{OutputDir: dir, Format: "jpeg", MaxWidth: 32}, quietLogger())
	require.NoError(t, err)

	s.Capture(solid(64, 48, color.RGBA{G: 200, A: 255}), &types.Frame{Seq: 1})
	s.Wait()

	st := s.Stats()
	require.Equal(t, uint64(1), st.Saved)
	assert.True(t, strings.HasSuffix(st.LastPath, ".jpg"))

	f, err := os.Open(st.LastPath)
	require.NoError(t, err)
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 24, cfg.Height)
}

// TestCaptureDropsWhileBusy validates at most one save is in flight.
func TestCaptureDropsWhileBusy(t *testing.T) {
	s, err := NewSaver(Config{OutputDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)

	s.busy.Store(true)
	s.Capture(solid(2, 2, color.RGBA{A: 255}), &types.Frame{Seq: 1})
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	assert.Equal(t, uint64(0), s.Stats().Saved)
}

func TestSaveFailsOnMissingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSaver(Config{OutputDir: dir}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = s.Save(solid(2, 2, color.RGBA{A: 255}), 1, time.Now())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}
