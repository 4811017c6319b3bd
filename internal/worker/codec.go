// Package worker runs the external model services as subprocesses.
//
// Both services speak the same wire protocol over the child's stdin/stdout:
// every message is a 4-byte big-endian length prefix followed by a msgpack
// map with a "type" key. The child logs on stderr using "[LEVEL] message"
// lines, which are mapped onto slog levels.
//
//	pose worker                          classifier worker
//	  → {type:frame, seq, frame_data}      → {type:classify, id, inputs}
//	  ← {type:ready}                       ← {type:loaded} | {type:error}
//	  ← {type:pose, keypoints, skeleton}   ← {type:result, id, results}
package worker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// maxMessageSize bounds a single message read from a worker (a 4K RGB
	// frame is ~25MB).
	maxMessageSize = 64 << 20

	// writeTimeout bounds a single write to the worker's stdin.
	writeTimeout = 2 * time.Second
)

// Message types.
const (
	msgReady    = "ready"
	msgLoaded   = "loaded"
	msgError    = "error"
	msgPose     = "pose"
	msgResult   = "result"
	msgFrame    = "frame"
	msgClassify = "classify"
)

var (
	// ErrNotLoaded is returned when a service is used before its model loaded.
	ErrNotLoaded = errors.New("worker: model not loaded")

	// ErrWorkerStopped is returned once the worker process has exited or
	// the service was closed. Pending requests fail with it.
	ErrWorkerStopped = errors.New("worker: stopped")

	// ErrLoadTimeout is returned when a worker does not report its model
	// loaded within the configured timeout.
	ErrLoadTimeout = errors.New("worker: load timeout")

	// ErrQueueFull is returned when a request is dropped because the
	// worker is not keeping up.
	ErrQueueFull = errors.New("worker: request queue full")

	errMessageTooLarge = errors.New("worker: message too large")
	errNonFinitePose   = errors.New("worker: pose has non-finite coordinates")
)

// message is the union of every worker → sensor message.
type message struct {
	Type  string `msgpack:"type"`
	ID    uint64 `msgpack:"id,omitempty"`
	Error string `msgpack:"error,omitempty"`

	// pose
	FrameSeq  uint64             `msgpack:"frame_seq,omitempty"`
	Keypoints []types.Keypoint   `msgpack:"keypoints,omitempty"`
	Skeleton  [][]types.Keypoint `msgpack:"skeleton,omitempty"`

	// result
	Results []types.ClassificationResult `msgpack:"results,omitempty"`

	Timing map[string]float64 `msgpack:"timing,omitempty"`
}

// pose converts a pose message. Skeleton entries that are not pairs are
// dropped; a pose with any non-finite coordinate is rejected whole.
func (m message) pose() (types.Pose, error) {
	pose := types.Pose{Keypoints: m.Keypoints}
	for _, pair := range m.Skeleton {
		if len(pair) != 2 {
			continue
		}
		pose.Skeleton = append(pose.Skeleton, types.Segment{A: pair[0], B: pair[1]})
	}
	if !pose.Finite() {
		return types.Pose{}, errNonFinitePose
	}
	return pose, nil
}

// totalMS returns the worker-reported processing time, if any.
func (m message) totalMS() (float64, bool) {
	v, ok := m.Timing["total_ms"]
	return v, ok
}

type frameRequest struct {
	Type      string `msgpack:"type"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Data      []byte `msgpack:"frame_data"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

func newFrameRequest(f *types.Frame) frameRequest {
	return frameRequest{
		Type:      msgFrame,
		Seq:       f.Seq,
		Width:     f.Width,
		Height:    f.Height,
		Data:      f.Data,
		Timestamp: f.Timestamp.Format(time.RFC3339Nano),
		TraceID:   f.TraceID,
	}
}

type classifyRequest struct {
	Type   string `msgpack:"type"`
	ID     uint64 `msgpack:"id"`
	Inputs []int  `msgpack:"inputs"`
}

// writeMessage writes one length-prefixed msgpack message.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message. io.EOF is
// returned unwrapped when the stream ends on a message boundary.
func readMessage(r io.Reader) (message, error) {
	payload, err := readPayload(r)
	if err != nil {
		return message{}, err
	}

	var msg message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return message{}, fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return msg, nil
}

func readPayload(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", errMessageTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read message body (%d bytes): %w", n, err)
	}
	return payload, nil
}

// conn is a bidirectional message stream to a worker.
type conn interface {
	Send(v any) error
	Receive() (message, error)
	Close() error
}

// msgStream implements Send and Receive over a reader/writer pair. Send is
// safe for concurrent use; Receive must be called from one goroutine.
type msgStream struct {
	r    *bufio.Reader
	w    io.Writer
	wmu  sync.Mutex
	done <-chan struct{} // closed when the peer is gone; may be nil
}

func newMsgStream(r io.Reader, w io.Writer, done <-chan struct{}) *msgStream {
	return &msgStream{r: bufio.NewReader(r), w: w, done: done}
}

// Send writes v, giving up after writeTimeout.
func (s *msgStream) Send(v any) error {
	select {
	case <-s.done:
		return ErrWorkerStopped
	default:
	}

	errc := make(chan error, 1)
	go func() {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		errc <- writeMessage(s.w, v)
	}()

	select {
	case err := <-errc:
		return err
	case <-time.After(writeTimeout):
		return fmt.Errorf("stdin write timeout after %v (worker may be hung)", writeTimeout)
	case <-s.done:
		return ErrWorkerStopped
	}
}

func (s *msgStream) Receive() (message, error) {
	return readMessage(s.r)
}
