// Package status holds the user-visible status surface: a message region
// (load progress, classification result, failures) and a debug region (the
// raw feature vector).
//
// Board is safe for concurrent use. Classification callbacks may update it
// in any order; the last write wins.
package status

import (
	"log/slog"
	"sync"
	"time"
)

// Region identifies which part of the status surface changed.
type Region string

const (
	RegionMessage Region = "message"
	RegionDebug   Region = "debug"
)

// Update is one change to the status surface.
type Update struct {
	Region Region
	Text   string
	At     time.Time
}

// Snapshot is the full content of the status surface.
type Snapshot struct {
	Message   string
	Debug     string
	UpdatedAt time.Time
	Updates   uint64
}

// Sink receives every update published on a Board.
//
// Implementations must not block; they run on the publisher's goroutine.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

// Publish implements Sink.
func (f SinkFunc) Publish(u Update) { f(u) }

// Board is the status surface.
type Board struct {
	mu    sync.RWMutex
	snap  Snapshot
	sinks []Sink
}

// NewBoard creates a board that fans out to sinks.
func NewBoard(sinks ...Sink) *Board {
	return &Board{sinks: sinks}
}

// AddSink registers an additional sink.
func (b *Board) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// SetMessage replaces the message region.
func (b *Board) SetMessage(text string) {
	b.set(RegionMessage, text)
}

// SetDebug replaces the debug region.
func (b *Board) SetDebug(text string) {
	b.set(RegionDebug, text)
}

func (b *Board) set(region Region, text string) {
	u := Update{Region: region, Text: text, At: time.Now()}

	b.mu.Lock()
	switch region {
	case RegionMessage:
		b.snap.Message = text
	case RegionDebug:
		b.snap.Debug = text
	}
	b.snap.UpdatedAt = u.At
	b.snap.Updates++
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Publish(u)
	}
}

// Message returns the current message region.
func (b *Board) Message() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.Message
}

// Debug returns the current debug region.
func (b *Board) Debug() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.Debug
}

// Snapshot returns both regions at once.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// LogSink logs message updates at info and debug updates at debug level.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (l LogSink) Publish(u Update) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if u.Region == RegionDebug {
		logger.Debug("status: debug", "features", u.Text)
		return
	}
	logger.Info("status: message", "text", u.Text)
}
