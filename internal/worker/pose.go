package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// PoseConfig configures the pose-estimation worker.
type PoseConfig struct {
	Command     string   // default models/run_pose.sh
	Args        []string // appended after --mode
	LoadTimeout time.Duration
}

// PoseStats contains pose worker health metrics.
type PoseStats struct {
	FramesSent   uint64
	FramesFailed uint64
	Poses        uint64
	Rejected     uint64 // poses with non-finite coordinates
	AvgLatencyMS float64
	LastSeenAt   time.Time
	Active       bool
}

// PoseService runs the pose estimator as a subprocess fed with the latest
// video frame.
//
// Lifecycle: Load → OnPose → Begin → Close. Pose events are delivered on
// the worker's reader goroutine.
type PoseService struct {
	cfg    PoseConfig
	logger *slog.Logger
	dial   dialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conn   conn
	src    stream.Source
	closed bool

	handler atomic.Pointer[func(types.Pose)]
	begun   atomic.Bool

	framesSent   atomic.Uint64
	framesFailed atomic.Uint64
	poses        atomic.Uint64
	rejected     atomic.Uint64
	latencyMS    atomic.Uint64
	lastSeenAt   atomic.Int64
}

// NewPoseService creates the service. Nothing is spawned until Load. The
// process is killed when ctx is cancelled.
func NewPoseService(ctx context.Context, cfg PoseConfig, logger *slog.Logger) *PoseService {
	if cfg.Command == "" {
		cfg.Command = "models/run_pose.sh"
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &PoseService{
		cfg:    cfg,
		logger: logger,
		dial:   processDialer("pose", cfg.Command, logger),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Load spawns the worker and waits, in the background, for it to report
// ready. onReady is invoked exactly once.
func (s *PoseService) Load(src stream.Source, mode types.DetectionMode, onReady func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		onReady(ErrWorkerStopped)
		return
	}
	if s.src != nil {
		s.mu.Unlock()
		onReady(errors.New("pose worker already loading"))
		return
	}
	s.src = src
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(mode, onReady)
}

func (s *PoseService) run(mode types.DetectionMode, onReady func(error)) {
	defer s.wg.Done()

	args := append([]string{"--mode", string(mode)}, s.cfg.Args...)
	c, err := s.dial(s.ctx, args)
	if err != nil {
		onReady(fmt.Errorf("spawn pose worker: %w", err))
		return
	}

	if err := awaitLoad(c, msgReady, s.cfg.LoadTimeout, s.logger); err != nil {
		c.Close()
		onReady(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		onReady(ErrWorkerStopped)
		return
	}
	s.conn = c
	s.mu.Unlock()

	s.lastSeenAt.Store(time.Now().UnixNano())
	s.logger.Info("worker: pose model ready", "mode", string(mode))
	onReady(nil)

	s.readPoses(c)
}

// OnPose registers the handler for pose events, replacing any previous one.
func (s *PoseService) OnPose(handler func(types.Pose)) {
	s.handler.Store(&handler)
}

// Begin starts feeding frames to the worker. Calling it again is a no-op.
func (s *PoseService) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrWorkerStopped
	}
	if s.conn == nil {
		return ErrNotLoaded
	}
	if !s.begun.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.feed(s.conn, s.src)

	s.logger.Info("worker: pose estimation started")
	return nil
}

// feed sends every new frame to the worker. Frames that arrive while a
// write is in flight are skipped; the next write takes the latest frame.
func (s *PoseService) feed(c conn, src stream.Source) {
	defer s.wg.Done()

	var after uint64
	for {
		frame, seq, ok := src.NextFrame(after)
		if !ok {
			s.logger.Info("worker: video source closed, pose feed stopped")
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		after = seq

		if !frame.Valid() {
			s.framesFailed.Add(1)
			continue
		}

		if err := c.Send(newFrameRequest(frame)); err != nil {
			s.framesFailed.Add(1)
			if errors.Is(err, ErrWorkerStopped) {
				return
			}
			s.logger.Error("worker: failed to send frame",
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
			continue
		}
		s.framesSent.Add(1)
	}
}

func (s *PoseService) readPoses(c conn) {
	for {
		msg, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				s.logger.Debug("worker: pose output closed")
			} else {
				s.logger.Error("worker: failed to read pose message", "error", err)
			}
			return
		}

		switch msg.Type {
		case msgPose:
			s.poses.Add(1)
			s.lastSeenAt.Store(time.Now().UnixNano())
			if ms, ok := msg.totalMS(); ok {
				s.latencyMS.Add(uint64(ms))
			}
			pose, err := msg.pose()
			if err != nil {
				s.rejected.Add(1)
				s.logger.Warn("worker: pose rejected", "frame_seq", msg.FrameSeq, "error", err)
				continue
			}
			if h := s.handler.Load(); h != nil {
				(*h)(pose)
			}
		case msgError:
			s.logger.Error("worker: pose estimation error",
				"frame_seq", msg.FrameSeq,
				"error", remoteError(msg),
			)
		default:
			s.logger.Warn("worker: unexpected pose worker message", "type", msg.Type)
		}
	}
}

// Close stops the worker. Safe before Load; idempotent.
func (s *PoseService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	s.logger.Info("worker: stopping pose worker")
	s.cancel()
	if c != nil {
		c.Close()
	}

	if !waitTimeout(&s.wg, stopTimeout) {
		s.logger.Warn("worker: pose worker goroutines did not stop in time")
	}

	s.logger.Info("worker: pose worker stopped",
		"frames_sent", s.framesSent.Load(),
		"poses", s.poses.Load(),
	)
	return nil
}

// Stats returns current worker health metrics.
func (s *PoseService) Stats() PoseStats {
	poses := s.poses.Load()

	var avg float64
	if poses > 0 {
		avg = float64(s.latencyMS.Load()) / float64(poses)
	}

	var lastSeen time.Time
	if ns := s.lastSeenAt.Load(); ns > 0 {
		lastSeen = time.Unix(0, ns)
	}

	s.mu.Lock()
	active := s.conn != nil && !s.closed
	s.mu.Unlock()

	return PoseStats{
		FramesSent:   s.framesSent.Load(),
		FramesFailed: s.framesFailed.Load(),
		Poses:        poses,
		Rejected:     s.rejected.Load(),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
		Active:       active,
	}
}
