// Package gstsource captures live video through GStreamer (v4l2 webcam or
// RTSP camera) into the latest-frame mailbox of package stream.
package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Config configures a GStreamer source. Exactly one of Device or RTSPURL is
// used; RTSPURL wins when both are set.
type Config struct {
	Device    string
	RTSPURL   string
	Width     int
	Height    int
	TargetFPS float64
	Reconnect ReconnectConfig
}

// Source implements stream.Capture with a GStreamer appsink pipeline.
type Source struct {
	*stream.Buffer

	cfg Config

	mu       sync.Mutex
	elements *pipelineElements
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time

	frameCount  uint64
	bytesRead   uint64
	malformed   uint64
	reconnects  uint32
	connected   atomic.Bool
	lastFrameAt atomic.Int64

	errorsByCategory [ErrCategoryUnknown + 1]atomic.Uint64
}

// New validates cfg and checks that GStreamer is usable.
func New(cfg Config) (*Source, error) {
	if cfg.RTSPURL == "" && cfg.Device == "" {
		return nil, fmt.Errorf("stream: device or rtsp url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS < 0 || cfg.TargetFPS > 60 {
		return nil, fmt.Errorf("stream: invalid FPS %.2f (must be 0-60)", cfg.TargetFPS)
	}
	if cfg.Reconnect.MaxRetries == 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("stream: GStreamer not available: %w", err)
	}

	slog.Info("stream: gstreamer source created",
		"device", cfg.Device,
		"rtsp_url", cfg.RTSPURL,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.TargetFPS,
	)

	return &Source{Buffer: stream.NewBuffer(), cfg: cfg}, nil
}

// Start launches the capture goroutine. Non-blocking: frames arrive once
// the pipeline reaches PLAYING.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("stream: source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		state := &reconnectState{reconnects: &s.reconnects}
		if err := runWithReconnect(runCtx, s.runSession, s.cfg.Reconnect, state); err != nil {
			slog.Error("stream: capture stopped after reconnection failure",
				"error", err,
				"uptime", time.Since(s.started),
				"frames_processed", atomic.LoadUint64(&s.frameCount),
				"reconnects", atomic.LoadUint32(&s.reconnects),
			)
		}
	}()

	return nil
}

// runSession builds a fresh pipeline, plays it and watches its bus until an
// error (rebuild) or cancellation (shutdown).
func (s *Source) runSession(ctx context.Context, healthy func()) error {
	elements, err := createPipeline(pipelineConfig{
		Device:    s.cfg.Device,
		RTSPURL:   s.cfg.RTSPURL,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		TargetFPS: s.cfg.TargetFPS,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.elements = elements
	s.mu.Unlock()

	defer func() {
		s.connected.Store(false)
		if err := destroyPipeline(elements); err != nil {
			slog.Error("stream: failed to destroy pipeline", "error", err)
		}
		s.mu.Lock()
		s.elements = nil
		s.mu.Unlock()
	}()

	cbCtx := &callbackContext{
		Buffer:       s.Buffer,
		FrameCounter: &s.frameCount,
		BytesRead:    &s.bytesRead,
		Malformed:    &s.malformed,
		LastFrameAt:  &s.lastFrameAt,
		Width:        s.cfg.Width,
		Height:       s.cfg.Height,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbCtx)
		},
	})

	if elements.RTSPSrc != nil {
		depay := elements.Depay
		elements.RTSPSrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, depay)
		})
	}

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	return s.monitorBus(ctx, elements.Pipeline, healthy)
}

// monitorBus polls the pipeline bus with a short timeout so shutdown stays
// responsive.
func (s *Source) monitorBus(ctx context.Context, pipeline *gst.Pipeline, healthy func()) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("stream: end of stream received",
				"uptime", time.Since(s.started),
				"frames_processed", atomic.LoadUint64(&s.frameCount),
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			s.errorsByCategory[category].Add(1)

			slog.Error("stream: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames_processed", atomic.LoadUint64(&s.frameCount),
				"reconnects", atomic.LoadUint32(&s.reconnects),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, current := msg.ParseStateChanged()
			slog.Debug("stream: pipeline state changed", "from", old, "to", current)

			if current == gst.StatePlaying {
				s.connected.Store(true)
				healthy()
			}
		}
	}
}

// Stop cancels capture, waits up to 3s for the capture goroutine, and wakes
// NextFrame callers. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	slog.Info("stream: stopping gstreamer source")
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("stream: stop timeout exceeded, capture goroutine may still be running")
	}

	s.Buffer.Close()

	slog.Info("stream: gstreamer source stopped",
		"frames_captured", atomic.LoadUint64(&s.frameCount),
		"reconnects", atomic.LoadUint32(&s.reconnects),
		"uptime", time.Since(s.started),
	)

	return nil
}

// Stats returns current source statistics. Thread-safe.
func (s *Source) Stats() types.StreamStats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	frameCount := atomic.LoadUint64(&s.frameCount)

	var fpsReal float64
	if !started.IsZero() {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	var latencyMS int64
	if last := s.lastFrameAt.Load(); last > 0 {
		latencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: s.Buffer.Drops() + atomic.LoadUint64(&s.malformed),
		FPSTarget:     s.cfg.TargetFPS,
		FPSReal:       fpsReal,
		LatencyMS:     latencyMS,
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Reconnects:    atomic.LoadUint32(&s.reconnects),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		IsConnected:   s.connected.Load(),
	}
}

// Errors returns pipeline error counts by category.
func (s *Source) Errors() map[string]uint64 {
	out := make(map[string]uint64, len(s.errorsByCategory))
	for i := range s.errorsByCategory {
		out[ErrorCategory(i).String()] = s.errorsByCategory[i].Load()
	}
	return out
}

// checkGStreamerAvailable verifies GStreamer is installed by creating a
// trivial element.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)

	return nil
}
