// Package mailbox implements a single-slot, overwrite-on-write mailbox.
//
// Philosophy: "Drop, never queue. Latest wins."
//
// A Slot holds at most one value. Publish replaces whatever is there and
// never blocks. Readers either peek the latest value (Latest) or block until
// a value newer than the one they last saw arrives (NextAfter). Values that
// are overwritten before any reader observed them are counted as drops.
//
// Poses and video frames represent continuous motion, so intermediate values
// between two reads carry no information worth queueing.
package mailbox

import (
	"sync"
	"time"
)

// Stats is a snapshot of slot operational state.
type Stats struct {
	// Published counts every Publish call.
	Published uint64

	// Dropped counts values overwritten before any reader observed them.
	Dropped uint64

	// Observed counts successful reads (Latest or NextAfter returning a value).
	Observed uint64

	// Seq is the sequence number of the current value (0 = never published).
	Seq uint64

	// LastPublishedAt is the time of the most recent Publish.
	LastPublishedAt time.Time
}

// Slot is a thread-safe single-value mailbox.
//
// Zero value is not usable; construct with New.
type Slot[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	value       T
	seq         uint64 // 0 = empty
	observedSeq uint64 // highest seq handed to a reader

	published       uint64
	dropped         uint64
	observed        uint64
	lastPublishedAt time.Time

	closed bool
}

// New creates an empty slot.
func New[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish stores v, replacing the previous value (non-blocking).
//
// If the previous value was never observed it is counted as dropped.
// Publish after Close is a no-op.
func (s *Slot[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.seq > s.observedSeq {
		s.dropped++
	}

	s.value = v
	s.seq++
	s.published++
	s.lastPublishedAt = time.Now()

	// Wake every NextAfter waiter
	s.cond.Broadcast()
}

// Latest returns the current value without consuming it.
//
// ok is false if nothing was ever published. The same value is returned on
// repeated calls until a newer one is published.
func (s *Slot[T]) Latest() (v T, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == 0 {
		return v, 0, false
	}

	s.markObserved()
	return s.value, s.seq, true
}

// NextAfter blocks until a value with sequence number greater than after is
// available, then returns it.
//
// Returns ok=false once the slot is closed (graceful shutdown).
// Intended for a single consumer goroutine that tracks its own last seq.
func (s *Slot[T]) NextAfter(after uint64) (v T, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.seq <= after && !s.closed {
		s.cond.Wait()
	}

	if s.closed {
		return v, 0, false
	}

	s.markObserved()
	return s.value, s.seq, true
}

// markObserved records a read. Caller holds mu.
func (s *Slot[T]) markObserved() {
	if s.seq > s.observedSeq {
		s.observedSeq = s.seq
	}
	s.observed++
}

// Close wakes every blocked reader; they return ok=false.
//
// Idempotent.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats returns a snapshot of operational counters.
func (s *Slot[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Published:       s.published,
		Dropped:         s.dropped,
		Observed:        s.observed,
		Seq:             s.seq,
		LastPublishedAt: s.lastPublishedAt,
	}
}
