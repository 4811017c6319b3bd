// Package scheduler provides the single owner goroutine of a session.
//
// Every mutation of session state (load state, frame loop ticks, status
// publication triggered by service callbacks) runs as a closure on the
// scheduler goroutine, in FIFO order. Service goroutines never touch session
// state directly: they Post.
//
// Post never blocks the caller. The queue is unbounded; producers are few
// (one per external service plus timers) and every closure is short.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Do when the scheduler is no longer running.
var ErrStopped = errors.New("scheduler: stopped")

// Executor is the subset of Scheduler that session components depend on.
type Executor interface {
	// Post enqueues fn. Returns false if the scheduler has stopped.
	Post(fn func()) bool

	// After runs fn on the scheduler goroutine once d has elapsed.
	After(d time.Duration, fn func()) *Timer
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Executed uint64
	Pending  int
	Panics   uint64
	Running  bool
}

// Scheduler runs posted closures one at a time on a single goroutine.
type Scheduler struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{} // 1-buffered, coalesces wakeups
	closed  bool
	running bool

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New creates a scheduler. Nothing runs until Run is called.
func New() *Scheduler {
	return &Scheduler{
		wake: make(chan struct{}, 1),
	}
}

// Post enqueues fn for execution on the scheduler goroutine (non-blocking).
//
// Closures posted before Run starts are kept and executed once it does.
func (s *Scheduler) Post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// After schedules fn to run on the scheduler goroutine after d.
//
// The returned Timer can cancel it; a cancelled fn never runs, even if its
// deadline already passed and it is sitting in the queue.
func (s *Scheduler) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		s.Post(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Do posts fn and waits for it to finish, or for ctx to be cancelled.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted closures until ctx is cancelled.
//
// Closures still queued at cancellation are discarded. Post returns false
// afterwards.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.closed = true
		s.running = false
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()

		slog.Debug("scheduler: stopped", "discarded", dropped, "executed", s.executed.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		for {
			if ctx.Err() != nil {
				return nil
			}
			fn, ok := s.pop()
			if !ok {
				break
			}
			s.execute(fn)
		}
	}
}

func (s *Scheduler) pop() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn, true
}

// execute runs fn, keeping the loop alive if it panics.
func (s *Scheduler) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			slog.Error("scheduler: callback panicked", "panic", r)
		}
	}()

	fn()
	s.executed.Add(1)
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Executed: s.executed.Load(),
		Pending:  len(s.queue),
		Panics:   s.panics.Load(),
		Running:  s.running,
	}
}

// Timer is a cancellable delayed closure created by After.
type Timer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. Safe to call multiple times and on a nil Timer.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}
