package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS. Example: 30 FPS mean → stable if stddev < 4.5.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// WarmupStats contains statistics collected during warm-up.
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	IsStable       bool
	JitterMean     float64 // seconds
	JitterStdDev   float64 // seconds
	JitterMax      float64 // seconds
}

// CalculateFPSStats computes FPS and jitter statistics from frame arrival
// times.
//
// Stable means: instantaneous-FPS stddev < 15% of mean FPS AND mean jitter
// < 20% of the expected interval.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	n := len(frameTimes)
	stats := &WarmupStats{FramesReceived: n, Duration: totalDuration}

	if n == 0 || totalDuration <= 0 {
		return stats
	}

	stats.FPSMean = float64(n) / totalDuration.Seconds()

	intervals := make([]float64, 0, n-1)
	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		intervals = append(intervals, interval)
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
	}

	// Spread around the overall rate, not around the mean of the samples
	deviations := make([]float64, len(instantaneous))
	for i, fps := range instantaneous {
		deviations[i] = (fps - stats.FPSMean) * (fps - stats.FPSMean)
	}
	stats.FPSStdDev = math.Sqrt(stat.Mean(deviations, nil))

	expectedInterval := 1.0 / stats.FPSMean
	jitters := make([]float64, len(intervals))
	for i, interval := range intervals {
		jitters[i] = math.Abs(interval - expectedInterval)
		stats.JitterMax = math.Max(stats.JitterMax, jitters[i])
	}
	stats.JitterMean, stats.JitterStdDev = stat.PopMeanStdDev(jitters, nil)

	fpsStable := stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold
	jitterStable := stats.JitterMean < expectedInterval*jitterStabilityThreshold
	stats.IsStable = fpsStable && jitterStable

	return stats
}

// Warmup observes src for duration and reports FPS stability.
//
// It only reads through NextFrame, so it never steals frames from the frame
// loop (which peeks). Returns an error if fewer than 2 frames arrive or the
// stream is unstable.
func Warmup(ctx context.Context, src Source, duration time.Duration) (*WarmupStats, error) {
	slog.Info("stream: warm-up starting", "duration", duration)

	start := time.Now()
	times := make([]time.Time, 0, 128)

	warmCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	type arrival struct {
		seq uint64
		at  time.Time
		ok  bool
	}
	arrivals := make(chan arrival)

	go func() {
		var seq uint64
		for {
			_, next, ok := src.NextFrame(seq)
			select {
			case arrivals <- arrival{seq: next, at: time.Now(), ok: ok}:
			case <-warmCtx.Done():
				return
			}
			if !ok {
				return
			}
			seq = next
		}
	}()

loop:
	for {
		select {
		case <-warmCtx.Done():
			break loop
		case a := <-arrivals:
			if !a.ok {
				return nil, fmt.Errorf("stream: source stopped during warm-up")
			}
			times = append(times, a.at)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if len(times) < 2 {
		return nil, fmt.Errorf("stream: not enough frames during warm-up (got %d, need at least 2)", len(times))
	}

	stats := CalculateFPSStats(times, time.Since(start))

	slog.Info("stream: warm-up complete",
		"frames", stats.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return stats, fmt.Errorf(
			"stream: FPS unstable (mean=%.2f Hz, stddev=%.2f, jitter=%.3fs)",
			stats.FPSMean, stats.FPSStdDev, stats.JitterMean,
		)
	}

	return stats, nil
}
