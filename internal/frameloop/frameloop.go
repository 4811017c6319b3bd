// Package frameloop implements the per-frame render/classify task.
//
// The loop is a self-rescheduling closure on the session scheduler, the
// equivalent of a display-refresh callback. Each tick redraws the mirrored
// video frame, overlays the most recent pose and submits it for
// classification. A tick never blocks: classification completes by callback.
package frameloop

import (
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/mailbox"
	"github.com/e7canasta/orion-pose-sensor/internal/overlay"
	"github.com/e7canasta/orion-pose-sensor/internal/scheduler"
	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// ErrNotReady is returned by Start and Tick when the session is not
// Streaming.
var ErrNotReady = errors.New("frameloop: session not streaming")

// Surface is the drawing target owned by the loop.
type Surface interface {
	overlay.Surface
	Resize(width, height int) bool
	DrawMirroredFrame(frame *types.Frame)
	Caption(text string)
	Image() *image.RGBA
}

// Submitter is the classification pipeline.
type Submitter interface {
	Submit(pose types.Pose, done func(types.ClassificationResult, error)) bool
}

// SnapshotSink receives the composed surface every SnapshotEvery ticks.
// The image is reused by the next tick; sinks must copy what they keep.
type SnapshotSink interface {
	Capture(img *image.RGBA, frame *types.Frame)
}

// Config configures a Loop.
type Config struct {
	RefreshHz     float64
	SnapshotEvery uint64 // 0 disables snapshots
	Caption       bool   // draw the status message on the surface
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Exec     scheduler.Executor
	State    func() types.LoadState
	Source   stream.Source
	Poses    *mailbox.Slot[types.Pose]
	Surface  Surface
	Renderer overlay.Renderer
	Pipeline Submitter
	Snapshot SnapshotSink  // optional
	Message  func() string // optional, caption text
	Logger   *slog.Logger
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Ticks          uint64
	VideoNotReady  uint64
	Rendered       uint64 // ticks with an overlay drawn
	DrawErrors     uint64 // overlay draws that panicked
	TickPanics     uint64
	NoPose         uint64 // ticks without any pose yet
	Submitted      uint64
	ClassifyErrors uint64
	Snapshots      uint64
	Resizes        uint64
	LastPoseSeq    uint64
	LastTickAt     time.Time
	LastTickCost   time.Duration
}

// Loop is the per-frame task.
type Loop struct {
	cfg  Config
	deps Deps

	interval time.Duration
	running  atomic.Bool
	stopped  atomic.Bool

	ticks          atomic.Uint64
	videoNotReady  atomic.Uint64
	rendered       atomic.Uint64
	drawErrors     atomic.Uint64
	tickPanics     atomic.Uint64
	noPose         atomic.Uint64
	submitted      atomic.Uint64
	classifyErrors atomic.Uint64
	snapshots      atomic.Uint64
	resizes        atomic.Uint64
	lastPoseSeq    atomic.Uint64
	lastTickAt     atomic.Int64
	tickNanos      atomic.Int64
}

// New creates a loop. Nothing runs until Start.
func New(cfg Config, deps Deps) *Loop {
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = 60
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		deps:     deps,
		interval: time.Duration(float64(time.Second) / cfg.RefreshHz),
	}
}

// Start schedules the first tick.
//
// Returns ErrNotReady unless the session is Streaming, and
// scheduler.ErrStopped if the scheduler no longer accepts work. Calling
// Start on a running loop is a no-op.
func (l *Loop) Start() error {
	if l.deps.State() != types.StateStreaming {
		return ErrNotReady
	}
	if l.stopped.Load() || !l.running.CompareAndSwap(false, true) {
		return nil
	}

	if !l.deps.Exec.Post(l.tick) {
		l.running.Store(false)
		return scheduler.ErrStopped
	}

	l.deps.Logger.Info("frameloop: started",
		"refresh_hz", l.cfg.RefreshHz,
		"snapshot_every", l.cfg.SnapshotEvery,
	)
	return nil
}

// Stop makes every scheduled tick a no-op. Idempotent.
func (l *Loop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		l.deps.Logger.Info("frameloop: stopped", "ticks", l.ticks.Load())
	}
}

// Running reports whether the loop was started and not stopped.
func (l *Loop) Running() bool {
	return l.running.Load() && !l.stopped.Load()
}

func (l *Loop) tick() {
	if l.stopped.Load() {
		return
	}

	start := time.Now()
	if err := l.safeTick(); err != nil {
		l.deps.Logger.Error("frameloop: tick rejected", "error", err)
		return
	}
	l.tickNanos.Store(int64(time.Since(start)))

	l.deps.Exec.After(l.interval, l.tick)
}

// safeTick runs Tick, turning a panic into a counted failure so the loop
// keeps its schedule.
func (l *Loop) safeTick() error {
	defer func() {
		if r := recover(); r != nil {
			l.tickPanics.Add(1)
			l.deps.Logger.Error("frameloop: tick panicked", "panic", r)
		}
	}()
	return l.Tick()
}

// Tick runs one frame of work. Exported for deterministic tests; in
// production it is only called from the scheduled loop.
//
// Returns ErrNotReady if the session is not Streaming. Drawing and
// classification problems are counted, never returned; a panicking overlay
// draw still leaves the video frame on the surface.
func (l *Loop) Tick() error {
	if l.deps.State() != types.StateStreaming {
		return ErrNotReady
	}

	n := l.ticks.Add(1)
	l.lastTickAt.Store(time.Now().UnixNano())

	if !l.deps.Source.Ready() {
		l.videoNotReady.Add(1)
		l.deps.Logger.Debug("frameloop: video not ready")
		return nil
	}

	frame, ok := l.deps.Source.Frame()
	if !ok || !frame.Valid() {
		l.videoNotReady.Add(1)
		l.deps.Logger.Debug("frameloop: video not ready")
		return nil
	}

	if l.deps.Surface.Resize(frame.Width, frame.Height) {
		l.resizes.Add(1)
		l.deps.Logger.Info("frameloop: surface resized", "width", frame.Width, "height", frame.Height)
	}
	l.deps.Surface.DrawMirroredFrame(frame)

	pose, seq, ok := l.deps.Poses.Latest()
	if !ok {
		l.noPose.Add(1)
	} else {
		l.lastPoseSeq.Store(seq)
		if l.drawOverlay(pose) {
			l.rendered.Add(1)
		}

		if l.deps.Pipeline.Submit(pose, l.classified) {
			l.submitted.Add(1)
		}
	}

	if l.cfg.Caption && l.deps.Message != nil {
		l.deps.Surface.Caption(l.deps.Message())
	}

	if l.deps.Snapshot != nil && l.cfg.SnapshotEvery > 0 && n%l.cfg.SnapshotEvery == 0 {
		l.deps.Snapshot.Capture(l.deps.Surface.Image(), frame)
		l.snapshots.Add(1)
	}

	return nil
}

// drawOverlay renders pose onto the surface. A failing draw is logged and
// counted; the video already on the surface is kept.
func (l *Loop) drawOverlay(pose types.Pose) bool {
	defer func() {
		if r := recover(); r != nil {
			l.drawErrors.Add(1)
			l.deps.Logger.Error("frameloop: overlay draw failed", "panic", r)
		}
	}()

	if res := l.deps.Renderer.Render(l.deps.Surface, pose); res.Skipped > 0 {
		l.deps.Logger.Debug("frameloop: non-finite keypoints skipped", "count", res.Skipped)
	}
	return true
}

// classified runs on the classifier's callback goroutine.
func (l *Loop) classified(_ types.ClassificationResult, err error) {
	if err != nil {
		l.classifyErrors.Add(1)
	}
}

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() Stats {
	var lastTick time.Time
	if ns := l.lastTickAt.Load(); ns > 0 {
		lastTick = time.Unix(0, ns)
	}

	return Stats{
		Ticks:          l.ticks.Load(),
		VideoNotReady:  l.videoNotReady.Load(),
		Rendered:       l.rendered.Load(),
		DrawErrors:     l.drawErrors.Load(),
		TickPanics:     l.tickPanics.Load(),
		NoPose:         l.noPose.Load(),
		Submitted:      l.submitted.Load(),
		ClassifyErrors: l.classifyErrors.Load(),
		Snapshots:      l.snapshots.Load(),
		Resizes:        l.resizes.Load(),
		LastPoseSeq:    l.lastPoseSeq.Load(),
		LastTickAt:     lastTick,
		LastTickCost:   time.Duration(l.tickNanos.Load()),
	}
}
