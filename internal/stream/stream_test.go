package stream

import (
	"context"
	"testing"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

func regularFrameTimes(n int, interval time.Duration) []time.Time {
	start := time.Unix(1700000000, 0)
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

// TestCalculateFPSStats_Regular validates a perfectly regular stream is stable.
func TestCalculateFPSStats_Regular(t *testing.T) {
	stats := CalculateFPSStats(regularFrameTimes(30, 100*time.Millisecond), 3*time.Second)

	if !stats.IsStable {
		t.Errorf("regular stream unstable: %+v", stats)
	}
	if stats.FPSMean < 9.99 || stats.FPSMean > 10.01 {
		t.Errorf("FPSMean = %.3f, want 10", stats.FPSMean)
	}
	if stats.FPSStdDev > 0.01 {
		t.Errorf("FPSStdDev = %.3f, want ~0", stats.FPSStdDev)
	}
	if stats.JitterMax > 0.001 {
		t.Errorf("JitterMax = %.4f, want ~0", stats.JitterMax)
	}
}

// TestCalculateFPSStats_Irregular validates alternating bursts are unstable.
func TestCalculateFPSStats_Irregular(t *testing.T) {
	start := time.Unix(1700000000, 0)
	times := []time.Time{start}
	for i := 1; i < 30; i++ {
		gap := 20 * time.Millisecond
		if i%2 == 0 {
			gap = 180 * time.Millisecond
		}
		times = append(times, times[i-1].Add(gap))
	}

	stats := CalculateFPSStats(times, 3*time.Second)

	if stats.IsStable {
		t.Errorf("bursty stream reported stable: %+v", stats)
	}
	if stats.FPSMax <= stats.FPSMin {
		t.Errorf("FPSMax %.2f <= FPSMin %.2f", stats.FPSMax, stats.FPSMin)
	}
}

// TestCalculateFPSStats_EdgeCases validates degenerate input never panics.
func TestCalculateFPSStats_EdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		times    []time.Time
		duration time.Duration
	}{
		{"zero frames", nil, time.Second},
		{"one frame", regularFrameTimes(1, time.Second), time.Second},
		{"zero duration", regularFrameTimes(5, time.Second), 0},
		{"identical timestamps", []time.Time{time.Unix(1, 0), time.Unix(1, 0)}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := CalculateFPSStats(tt.times, tt.duration)
			if stats.IsStable {
				t.Errorf("IsStable = true for %s", tt.name)
			}
			if stats.FramesReceived != len(tt.times) {
				t.Errorf("FramesReceived = %d, want %d", stats.FramesReceived, len(tt.times))
			}
		})
	}
}

// TestBufferReadiness validates a source is ready only after its first frame.
func TestBufferReadiness(t *testing.T) {
	buf := NewBuffer()

	if buf.Ready() {
		t.Error("empty buffer reports ready")
	}
	if _, ok := buf.Frame(); ok {
		t.Error("Frame() ok=true on empty buffer")
	}

	buf.Publish(&types.Frame{Seq: 1, Width: 1, Height: 1, Data: []byte{0, 0, 0}})
	buf.Publish(&types.Frame{Seq: 2, Width: 1, Height: 1, Data: []byte{1, 1, 1}})

	if !buf.Ready() {
		t.Error("buffer not ready after Publish")
	}
	f, ok := buf.Frame()
	if !ok || f.Seq != 2 {
		t.Errorf("Frame() = %+v, want seq 2", f)
	}
	if buf.Drops() != 1 {
		t.Errorf("Drops() = %d, want 1", buf.Drops())
	}
}

// TestMockSourceProducesFrames validates frames arrive and are well formed.
func TestMockSourceProducesFrames(t *testing.T) {
	src := NewMockSource(32, 24, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := src.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	frame, seq, ok := src.NextFrame(0)
	if !ok {
		t.Fatal("NextFrame() ok=false")
	}
	if !frame.Valid() {
		t.Errorf("invalid frame: %dx%d len=%d", frame.Width, frame.Height, len(frame.Data))
	}
	if frame.TraceID == "" {
		t.Error("frame missing TraceID")
	}

	next, _, ok := src.NextFrame(seq)
	if !ok || next.Seq <= frame.Seq {
		t.Errorf("NextFrame(seq) did not advance: %d -> %d", frame.Seq, next.Seq)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}

	if _, _, ok := src.NextFrame(1 << 62); ok {
		t.Error("NextFrame() ok=true after Stop")
	}
	if src.Stats().IsConnected {
		t.Error("Stats().IsConnected after Stop")
	}
}

func TestWarmupMockSource(t *testing.T) {
	src := NewMockSource(8, 8, 50)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer src.Stop()

	stats, err := Warmup(ctx, src, 300*time.Millisecond)
	if stats == nil {
		t.Fatalf("Warmup() returned no stats: %v", err)
	}
	if stats.FramesReceived < 2 {
		t.Errorf("FramesReceived = %d, want >= 2", stats.FramesReceived)
	}
}
