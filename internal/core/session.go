// Package core wires a pose sensor session: video source, model services,
// load sequencing, the frame loop and its outputs.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-pose-sensor/internal/classify"
	"github.com/e7canasta/orion-pose-sensor/internal/config"
	"github.com/e7canasta/orion-pose-sensor/internal/emitter"
	"github.com/e7canasta/orion-pose-sensor/internal/frameloop"
	"github.com/e7canasta/orion-pose-sensor/internal/mailbox"
	"github.com/e7canasta/orion-pose-sensor/internal/overlay"
	"github.com/e7canasta/orion-pose-sensor/internal/scheduler"
	"github.com/e7canasta/orion-pose-sensor/internal/sequencer"
	"github.com/e7canasta/orion-pose-sensor/internal/snapshot"
	"github.com/e7canasta/orion-pose-sensor/internal/status"
	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/stream/gstsource"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
	"github.com/e7canasta/orion-pose-sensor/internal/worker"
)

// Session is the single owned context of a running sensor.
//
// Every component is created by Run and owned by the session; nothing is
// global. Components that touch session state do so on the scheduler
// goroutine.
type Session struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessionID string

	sched    *scheduler.Scheduler
	board    *status.Board
	poses    *mailbox.Slot[types.Pose]
	emitter  *emitter.MQTTEmitter
	source   stream.Capture
	poseSvc  *worker.PoseService
	classSvc *worker.ClassifierService
	pipeline *classify.Pipeline
	seq      *sequencer.Sequencer
	loop     *frameloop.Loop
	saver    *snapshot.Saver
	health   *http.Server

	// newSource builds the video source; replaced in tests.
	newSource func(cfg *config.Config) (stream.Capture, error)

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancel    context.CancelFunc
}

// NewSession creates a session from a validated configuration.
func NewSession(cfg *config.Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
		sched:     scheduler.New(),
		board:     status.NewBoard(status.LogSink{Logger: logger}),
		poses:     mailbox.New[types.Pose](),
		newSource: newSource,
	}

	if cfg.MQTT.Enabled {
		s.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:       cfg.MQTT.Broker,
			ClientID:     fmt.Sprintf("posed-%s", cfg.InstanceID),
			TopicPrefix:  cfg.MQTT.TopicPrefix,
			QoS:          cfg.MQTT.QoS,
			PublishDebug: cfg.MQTT.PublishDebug,
			InstanceID:   cfg.InstanceID,
			SessionID:    s.sessionID,
		}, logger)
	}

	logger.Info("session created",
		"instance_id", cfg.InstanceID,
		"session_id", s.sessionID,
		"camera_source", cfg.Camera.Source,
	)
	return s
}

// newSource selects the capture implementation for the configured camera.
func newSource(cfg *config.Config) (stream.Capture, error) {
	switch cfg.Camera.Source {
	case "mock":
		return stream.NewMockSource(cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.FPS), nil
	case "rtsp":
		return gstsource.New(gstsource.Config{
			RTSPURL:   cfg.Camera.RTSPURL,
			Width:     cfg.Stream.Width,
			Height:    cfg.Stream.Height,
			TargetFPS: cfg.Stream.FPS,
			Reconnect: gstsource.DefaultReconnectConfig(),
		})
	default:
		return gstsource.New(gstsource.Config{
			Device:    cfg.Camera.Device,
			Width:     cfg.Stream.Width,
			Height:    cfg.Stream.Height,
			TargetFPS: cfg.Stream.FPS,
			Reconnect: gstsource.DefaultReconnectConfig(),
		})
	}
}

// Run starts the session and blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("session is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	cfg := s.cfg
	s.logger.Info("session starting", "instance_id", cfg.InstanceID)

	// Health endpoints come up first so /readiness reports loading.
	if cfg.Health.Addr != "" {
		if err := s.StartHealthServer(cfg.Health.Addr); err != nil {
			return err
		}
	}

	source, err := s.newSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to create video source: %w", err)
	}
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start video source: %w", err)
	}
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()

	if d := time.Duration(cfg.Stream.WarmupDurationS) * time.Second; d > 0 {
		if _, err := stream.Warmup(ctx, source, d); err != nil {
			s.logger.Warn("stream warm-up failed, continuing", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.board.AddSink(s.emitter)
	}

	if cfg.Models.Classifier.ProbeMetadata {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ProbeDescriptor(ctx, cfg.Models.Classifier.Model, s.logger)
		}()
	}

	if err := s.assemble(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sched.Run(ctx); err != nil {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()

	if err := s.seq.Start(); err != nil {
		return fmt.Errorf("failed to start load sequence: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportHealth(ctx, time.Duration(cfg.Health.IntervalS)*time.Second)
	}()

	s.logger.Info("session running",
		"session_id", s.sessionID,
		"refresh_hz", cfg.FrameLoop.RefreshHz,
		"mqtt_enabled", s.emitter != nil,
	)

	<-ctx.Done()

	s.logger.Info("session run loop exiting")
	return nil
}

// assemble builds the model services, the load sequencer and the frame loop.
func (s *Session) assemble(ctx context.Context) error {
	cfg := s.cfg

	classSvc := worker.NewClassifierService(ctx, worker.ClassifierConfig{
		Command:     cfg.Models.Classifier.Command,
		Args:        cfg.Models.Classifier.Args,
		LoadTimeout: time.Duration(cfg.Models.Classifier.LoadTimeoutS) * time.Second,
		QueueSize:   cfg.Models.Classifier.QueueSize,
	}, s.logger)

	poseSvc := worker.NewPoseService(ctx, worker.PoseConfig{
		Command:     cfg.Models.Pose.Command,
		Args:        cfg.Models.Pose.Args,
		LoadTimeout: time.Duration(cfg.Models.Pose.LoadTimeoutS) * time.Second,
	}, s.logger)

	var observers []classify.Observer
	if s.emitter != nil {
		observers = append(observers, s.emitter)
	}
	pipeline := classify.New(classSvc, s.board, s.logger, observers...)

	var saver *snapshot.Saver
	if cfg.Snapshot.Enabled {
		sv, err := snapshot.NewSaver(snapshot.Config{
			OutputDir:   cfg.Snapshot.OutputDir,
			Format:      cfg.Snapshot.Format,
			JPEGQuality: cfg.Snapshot.JPEGQuality,
			MaxWidth:    cfg.Snapshot.MaxWidth,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create snapshot saver: %w", err)
		}
		saver = sv
	}

	renderer := overlay.NewRenderer()
	renderer.Threshold = cfg.Overlay.Threshold
	renderer.Radius = cfg.Overlay.Radius

	var loop *frameloop.Loop
	seq := sequencer.New(sequencer.Config{
		Locations: cfg.Models.Classifier.Locations(),
		Mode:      cfg.Models.Pose.Mode,
	}, sequencer.Deps{
		Exec:       s.sched,
		Classifier: classSvc,
		PoseModel:  poseSvc,
		Source:     s.source,
		Status:     s.board,
		Logger:     s.logger,
		OnPose:     s.poses.Publish,
		OnReady: func() {
			if err := loop.Start(); err != nil {
				s.logger.Error("failed to start frame loop", "error", err)
			}
		},
	})

	deps := frameloop.Deps{
		Exec:     s.sched,
		State:    seq.State,
		Source:   s.source,
		Poses:    s.poses,
		Surface:  overlay.NewCanvas(cfg.Stream.Width, cfg.Stream.Height),
		Renderer: renderer,
		Pipeline: pipeline,
		Message:  s.board.Message,
		Logger:   s.logger,
	}
	loopCfg := frameloop.Config{
		RefreshHz: cfg.FrameLoop.RefreshHz,
		Caption:   cfg.Overlay.Caption,
	}
	if saver != nil {
		deps.Snapshot = saver
		loopCfg.SnapshotEvery = cfg.Snapshot.EveryTicks
	}
	loop = frameloop.New(loopCfg, deps)

	s.mu.Lock()
	s.classSvc = classSvc
	s.poseSvc = poseSvc
	s.pipeline = pipeline
	s.saver = saver
	s.seq = seq
	s.loop = loop
	s.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown of all components.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	loop, seq, saver := s.loop, s.seq, s.saver
	poseSvc, classSvc, source := s.poseSvc, s.classSvc, s.source
	health := s.health
	s.mu.Unlock()

	s.logger.Info("shutting down session")

	// 1. Stop the frame loop and the load sequence (closes the estimator).
	if loop != nil {
		loop.Stop()
	}
	if seq != nil {
		if err := seq.Stop(); err != nil {
			s.logger.Error("failed to stop sequencer", "error", err)
		}
	}

	// 2. Stop the model services.
	if poseSvc != nil {
		if err := poseSvc.Close(); err != nil {
			s.logger.Error("failed to stop pose service", "error", err)
		}
	}
	if classSvc != nil {
		if err := classSvc.Close(); err != nil {
			s.logger.Error("failed to stop classifier service", "error", err)
		}
	}

	// 3. Stop the video source.
	if source != nil {
		if err := source.Stop(); err != nil {
			s.logger.Error("failed to stop video source", "error", err)
		}
	}

	// 4. Wait for goroutines, bounded by ctx.
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if saver != nil {
			saver.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for goroutines")
	}

	// 5. Disconnect MQTT, then the health server.
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop health server", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.logger.Info("session shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (s *Session) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// State returns the current LoadState.
func (s *Session) State() types.LoadState {
	s.mu.RLock()
	seq := s.seq
	s.mu.RUnlock()
	if seq == nil {
		return types.StateIdle
	}
	return seq.State()
}

// Failure returns the load failure, if the session reached LoadFailed.
func (s *Session) Failure() *sequencer.LoadFailure {
	s.mu.RLock()
	seq := s.seq
	s.mu.RUnlock()
	if seq == nil {
		return nil
	}
	return seq.Failure()
}
