package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (RGB24, row-major, 3 bytes per pixel)
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}

// Valid reports whether Data holds exactly Width*Height RGB24 pixels.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}

// StreamStats contains video source statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     float64
	FPSReal       float64
	LatencyMS     int64
	Resolution    string
	Reconnects    uint32
	BytesRead     uint64
	IsConnected   bool
}
