// Package sequencer drives model loading for a session:
//
//	Idle → ClassifierLoading → ClassifierReady → PoseModelLoading → Streaming
//	            │                                      │
//	            └──────────────► LoadFailed ◄──────────┘
//
// The classifier loads first. Once it is ready and the video source has a
// frame, the pose model is constructed. When the pose model reports ready
// the pose handler is registered, estimation begins and onReady fires,
// exactly once. LoadFailed is terminal; there is no retry.
//
// Every transition runs on the scheduler goroutine. Service callbacks are
// marshalled there with Post before touching state.
package sequencer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/classify"
	"github.com/e7canasta/orion-pose-sensor/internal/scheduler"
	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Status texts published on the message region.
const (
	MsgClassifierLoading = "Loading yoga model"
	MsgClassifierLoaded  = "Yoga model loaded"
	MsgPoseModelLoading  = "Loading pose model"
	MsgPoseModelLoaded   = "Pose model loaded"
)

// ErrNotReady is returned when a model is requested before its stage
// completed.
var ErrNotReady = errors.New("sequencer: model not ready")

// Stage names the loading phase that failed.
type Stage string

const (
	StageClassifier Stage = "classifier"
	StagePoseModel  Stage = "pose_model"
)

// LoadFailure is the terminal error of a session whose model failed to load.
type LoadFailure struct {
	Stage Stage
	Cause error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("%s load failed: %v", e.Stage, e.Cause)
}

func (e *LoadFailure) Unwrap() error { return e.Cause }

// StatusText is the message shown on the status surface.
func (e *LoadFailure) StatusText() string {
	switch e.Stage {
	case StageClassifier:
		return fmt.Sprintf("Yoga model failed to load: %v", e.Cause)
	default:
		return fmt.Sprintf("Pose model failed to load: %v", e.Cause)
	}
}

// ClassifierModel is the classifier service: loadable, then usable.
type ClassifierModel interface {
	classify.Classifier

	// Load starts loading the artifacts. onLoaded is invoked once, on any
	// goroutine, with nil on success.
	Load(locations types.ModelLocations, onLoaded func(error))
}

// PoseModel is the pose-estimation service.
type PoseModel interface {
	// Load constructs the estimator bound to src. onReady is invoked once,
	// on any goroutine, with nil on success.
	Load(src stream.Source, mode types.DetectionMode, onReady func(error))

	// OnPose registers the handler for pose events.
	OnPose(handler func(types.Pose))

	// Begin starts continuous single-pose estimation.
	Begin() error

	// Close stops the estimator. Safe before Load.
	Close() error
}

// Publisher is the status message region.
type Publisher interface {
	SetMessage(text string)
}

// Config configures a Sequencer.
type Config struct {
	Locations types.ModelLocations
	Mode      types.DetectionMode

	// VideoPoll is how often video readiness is re-checked while the
	// classifier is ready but the source has no frame yet.
	VideoPoll time.Duration
}

// Deps are the collaborators of a Sequencer.
type Deps struct {
	Exec       scheduler.Executor
	Classifier ClassifierModel
	PoseModel  PoseModel
	Source     stream.Source
	Status     Publisher
	Logger     *slog.Logger

	// OnPose receives every pose event once Streaming (any goroutine).
	OnPose func(types.Pose)

	// OnReady runs on the scheduler goroutine when Streaming is reached.
	OnReady func()
}

// Sequencer owns the LoadState of a session.
type Sequencer struct {
	cfg  Config
	deps Deps

	state      atomic.Int32 // types.LoadState; written on scheduler only
	failure    atomic.Pointer[LoadFailure]
	readyFired bool
	videoPolls uint64

	mu        sync.Mutex
	pollTimer *scheduler.Timer
	stopped   bool
}

// New creates a sequencer in Idle.
func New(cfg Config, deps Deps) *Sequencer {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeSingle
	}
	if cfg.VideoPoll <= 0 {
		cfg.VideoPoll = time.Second / 60
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Sequencer{cfg: cfg, deps: deps}
}

// State returns the current load state. Safe from any goroutine.
func (s *Sequencer) State() types.LoadState {
	return types.LoadState(s.state.Load())
}

// Failure returns the terminal load failure, or nil.
func (s *Sequencer) Failure() *LoadFailure {
	return s.failure.Load()
}

// Classifier returns the classifier once it has loaded.
func (s *Sequencer) Classifier() (classify.Classifier, error) {
	switch s.State() {
	case types.StateClassifierReady, types.StatePoseModelLoading, types.StateStreaming:
		return s.deps.Classifier, nil
	default:
		return nil, ErrNotReady
	}
}

// Estimator returns the pose model once streaming.
func (s *Sequencer) Estimator() (PoseModel, error) {
	if s.State() != types.StateStreaming {
		return nil, ErrNotReady
	}
	return s.deps.PoseModel, nil
}

// Start begins loading. The transition itself runs on the scheduler.
func (s *Sequencer) Start() error {
	if !s.deps.Exec.Post(s.start) {
		return scheduler.ErrStopped
	}
	return nil
}

// Stop cancels a pending video-readiness poll and closes the estimator.
// Safe from any goroutine; idempotent.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.pollTimer.Stop()
	s.pollTimer = nil
	s.mu.Unlock()

	return s.deps.PoseModel.Close()
}

func (s *Sequencer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Sequencer) setState(next types.LoadState) {
	prev := s.State()
	s.state.Store(int32(next))
	s.deps.Logger.Info("sequencer: state transition", "from", prev.String(), "to", next.String())
}

// expect reports whether the sequencer is in want; otherwise it logs the
// stray callback and returns false.
func (s *Sequencer) expect(want types.LoadState, event string) bool {
	if got := s.State(); got != want {
		s.deps.Logger.Warn("sequencer: ignoring callback in wrong state",
			"event", event,
			"state", got.String(),
			"expected", want.String(),
		)
		return false
	}
	return true
}

func (s *Sequencer) start() {
	if !s.expect(types.StateIdle, "start") {
		return
	}

	s.setState(types.StateClassifierLoading)
	s.deps.Status.SetMessage(MsgClassifierLoading)

	s.deps.Classifier.Load(s.cfg.Locations, func(err error) {
		s.deps.Exec.Post(func() { s.classifierLoaded(err) })
	})
}

func (s *Sequencer) classifierLoaded(err error) {
	if !s.expect(types.StateClassifierLoading, "classifier_loaded") {
		return
	}

	if err != nil {
		s.fail(StageClassifier, err)
		return
	}

	s.setState(types.StateClassifierReady)
	s.deps.Status.SetMessage(MsgClassifierLoaded)
	s.awaitVideo()
}

// awaitVideo polls the video source once per interval until it has a frame.
func (s *Sequencer) awaitVideo() {
	if s.State() != types.StateClassifierReady || s.isStopped() {
		return
	}

	if !s.deps.Source.Ready() {
		s.videoPolls++
		if s.videoPolls == 1 {
			s.deps.Logger.Info("sequencer: video not ready yet, waiting")
		}

		s.mu.Lock()
		if !s.stopped {
			s.pollTimer = s.deps.Exec.After(s.cfg.VideoPoll, s.awaitVideo)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.pollTimer = nil
	s.mu.Unlock()

	s.setState(types.StatePoseModelLoading)
	s.deps.Status.SetMessage(MsgPoseModelLoading)

	s.deps.PoseModel.Load(s.deps.Source, s.cfg.Mode, func(err error) {
		s.deps.Exec.Post(func() { s.poseModelReady(err) })
	})
}

func (s *Sequencer) poseModelReady(err error) {
	if !s.expect(types.StatePoseModelLoading, "pose_model_ready") {
		return
	}

	if err != nil {
		s.fail(StagePoseModel, err)
		return
	}

	if s.deps.OnPose != nil {
		s.deps.PoseModel.OnPose(s.deps.OnPose)
	}
	if err := s.deps.PoseModel.Begin(); err != nil {
		s.fail(StagePoseModel, fmt.Errorf("begin estimation: %w", err))
		return
	}

	s.setState(types.StateStreaming)
	s.deps.Status.SetMessage(MsgPoseModelLoaded)

	if !s.readyFired {
		s.readyFired = true
		if s.deps.OnReady != nil {
			s.deps.OnReady()
		}
	}
}

func (s *Sequencer) fail(stage Stage, cause error) {
	failure := &LoadFailure{Stage: stage, Cause: cause}
	s.failure.Store(failure)
	s.setState(types.StateLoadFailed)
	s.deps.Status.SetMessage(failure.StatusText())

	s.deps.Logger.Error("sequencer: model load failed",
		"stage", string(stage),
		"error", cause,
	)
}
