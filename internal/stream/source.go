// Package stream provides the video sources of the sensor.
//
// A source keeps only the most recent decoded frame (mailbox semantics): the
// frame loop redraws whatever is latest and the pose service consumes each
// new frame at most once. Nothing is queued.
package stream

import (
	"context"

	"github.com/e7canasta/orion-pose-sensor/internal/mailbox"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Source is a video source as seen by the session.
type Source interface {
	// Ready reports whether at least one decodable frame is available.
	Ready() bool

	// Frame returns the latest frame without consuming it.
	Frame() (*types.Frame, bool)

	// NextFrame blocks until a frame newer than after (a value previously
	// returned as seq, or 0) is available. ok is false once the source is
	// stopped.
	NextFrame(after uint64) (frame *types.Frame, seq uint64, ok bool)
}

// Capture is a Source with a lifecycle.
type Capture interface {
	Source

	// Start begins producing frames. Non-blocking.
	Start(ctx context.Context) error

	// Stop releases the source. Idempotent.
	Stop() error

	// Stats returns current source statistics. Thread-safe.
	Stats() types.StreamStats
}

// Buffer is the latest-frame mailbox shared by every Source implementation.
type Buffer struct {
	slot *mailbox.Slot[*types.Frame]
}

// NewBuffer creates an empty frame buffer.
func NewBuffer() *Buffer {
	return &Buffer{slot: mailbox.New[*types.Frame]()}
}

// Publish replaces the latest frame. The buffer takes ownership of frame.
func (b *Buffer) Publish(frame *types.Frame) {
	b.slot.Publish(frame)
}

// Ready implements Source.
func (b *Buffer) Ready() bool {
	return b.slot.Stats().Seq > 0
}

// Frame implements Source.
func (b *Buffer) Frame() (*types.Frame, bool) {
	f, _, ok := b.slot.Latest()
	return f, ok
}

// NextFrame implements Source.
func (b *Buffer) NextFrame(after uint64) (*types.Frame, uint64, bool) {
	return b.slot.NextAfter(after)
}

// Close wakes NextFrame callers; they return ok=false.
func (b *Buffer) Close() {
	b.slot.Close()
}

// Drops returns the number of frames overwritten before anyone read them.
func (b *Buffer) Drops() uint64 {
	return b.slot.Stats().Dropped
}
