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

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// ClassifierConfig configures the classifier worker.
type ClassifierConfig struct {
	Command     string   // default models/run_classifier.sh
	Args        []string // appended after the artifact flags
	LoadTimeout time.Duration
	QueueSize   int // pending writes before requests are dropped
}

// ClassifierStats contains classifier worker health metrics.
type ClassifierStats struct {
	Requests uint64
	Results  uint64
	Dropped  uint64
	Failed   uint64
	Pending  int
	Loaded   bool
}

type resultFunc func([]types.ClassificationResult, error)

// ClassifierService runs the pose classifier as a subprocess.
//
// Classify never blocks: requests are queued to a writer goroutine and
// results are matched back to their callback by request id. Callbacks run
// on the worker's reader goroutine, or synchronously when the request is
// rejected.
type ClassifierService struct {
	cfg    ClassifierConfig
	logger *slog.Logger
	dial   dialFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	requests chan classifyRequest

	mu      sync.Mutex
	conn    conn
	pending map[uint64]resultFunc
	nextID  uint64
	loading bool
	stopped bool // worker exited or Close called
	closed  bool

	sent    atomic.Uint64
	results atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewClassifierService creates the service. Nothing is spawned until Load.
func NewClassifierService(ctx context.Context, cfg ClassifierConfig, logger *slog.Logger) *ClassifierService {
	if cfg.Command == "" {
		cfg.Command = "models/run_classifier.sh"
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ClassifierService{
		cfg:      cfg,
		logger:   logger,
		dial:     processDialer("classifier", cfg.Command, logger),
		requests: make(chan classifyRequest, cfg.QueueSize),
		pending:  make(map[uint64]resultFunc),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Load spawns the worker with the model artifact locations and waits, in
// the background, for it to report loaded. onLoaded is invoked exactly once.
func (s *ClassifierService) Load(locations types.ModelLocations, onLoaded func(error)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		onLoaded(ErrWorkerStopped)
		return
	}
	if s.loading {
		s.mu.Unlock()
		onLoaded(errors.New("classifier worker already loading"))
		return
	}
	s.loading = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(locations, onLoaded)
}

func (s *ClassifierService) run(locations types.ModelLocations, onLoaded func(error)) {
	defer s.wg.Done()

	args := append([]string{
		"--model", locations.Model,
		"--metadata", locations.Metadata,
		"--weights", locations.Weights,
	}, s.cfg.Args...)

	c, err := s.dial(s.ctx, args)
	if err != nil {
		onLoaded(fmt.Errorf("spawn classifier worker: %w", err))
		return
	}

	if err := awaitLoad(c, msgLoaded, s.cfg.LoadTimeout, s.logger); err != nil {
		c.Close()
		onLoaded(err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.Close()
		onLoaded(ErrWorkerStopped)
		return
	}
	s.conn = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writeRequests(c)

	s.logger.Info("worker: classifier model loaded", "model", locations.Model)
	onLoaded(nil)

	s.readResults(c)
	s.failPending(ErrWorkerStopped)
}

// Classify queues vec for classification. onResult receives the ranked
// candidates, or ErrNotLoaded, ErrWorkerStopped, ErrQueueFull or the
// worker's own error.
func (s *ClassifierService) Classify(vec types.FeatureVector, onResult func([]types.ClassificationResult, error)) {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		onResult(nil, ErrWorkerStopped)
		return
	case s.conn == nil:
		s.mu.Unlock()
		onResult(nil, ErrNotLoaded)
		return
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = onResult
	s.mu.Unlock()

	req := classifyRequest{Type: msgClassify, ID: id, Inputs: []int(vec)}
	select {
	case s.requests <- req:
	default:
		s.dropped.Add(1)
		if cb := s.take(id); cb != nil {
			cb(nil, ErrQueueFull)
		}
	}
}

func (s *ClassifierService) writeRequests(c conn) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			if err := c.Send(req); err != nil {
				s.failed.Add(1)
				if cb := s.take(req.ID); cb != nil {
					cb(nil, fmt.Errorf("send classify request: %w", err))
				}
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *ClassifierService) readResults(c conn) {
	for {
		msg, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				s.logger.Debug("worker: classifier output closed")
			} else {
				s.logger.Error("worker: failed to read classifier message", "error", err)
			}
			return
		}

		switch msg.Type {
		case msgResult, msgError:
			cb := s.take(msg.ID)
			if cb == nil {
				if msg.Type == msgError {
					s.logger.Error("worker: classifier error", "error", remoteError(msg))
				} else {
					s.logger.Warn("worker: result for unknown request", "id", msg.ID)
				}
				continue
			}

			if msg.Type == msgError || msg.Error != "" {
				s.failed.Add(1)
				cb(nil, remoteError(msg))
				continue
			}
			s.results.Add(1)
			cb(msg.Results, nil)
		default:
			s.logger.Warn("worker: unexpected classifier message", "type", msg.Type)
		}
	}
}

// take removes and returns the callback of request id.
func (s *ClassifierService) take(id uint64) resultFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb := s.pending[id]
	delete(s.pending, id)
	return cb
}

// failPending marks the service stopped and fails every in-flight request.
func (s *ClassifierService) failPending(err error) {
	s.mu.Lock()
	s.stopped = true
	pending := s.pending
	s.pending = make(map[uint64]resultFunc)
	s.mu.Unlock()

	if len(pending) > 0 {
		s.logger.Warn("worker: abandoning in-flight classifications", "count", len(pending))
	}
	for _, cb := range pending {
		cb(nil, err)
	}
}

// Close stops the worker and fails in-flight requests with
// ErrWorkerStopped. Idempotent.
func (s *ClassifierService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	s.logger.Info("worker: stopping classifier worker")
	s.cancel()
	if c != nil {
		c.Close()
	}
	s.failPending(ErrWorkerStopped)

	if !waitTimeout(&s.wg, stopTimeout) {
		s.logger.Warn("worker: classifier goroutines did not stop in time")
	}

	s.logger.Info("worker: classifier worker stopped",
		"requests", s.sent.Load(),
		"results", s.results.Load(),
	)
	return nil
}

// Stats returns current worker health metrics.
func (s *ClassifierService) Stats() ClassifierStats {
	s.mu.Lock()
	pending := len(s.pending)
	loaded := s.conn != nil && !s.stopped
	s.mu.Unlock()

	return ClassifierStats{
		Requests: s.sent.Load(),
		Results:  s.results.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
		Pending:  pending,
		Loaded:   loaded,
	}
}
