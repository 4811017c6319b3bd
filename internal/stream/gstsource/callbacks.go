package gstsource

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// callbackContext holds state needed by GStreamer callbacks.
type callbackContext struct {
	Buffer       *stream.Buffer
	FrameCounter *uint64
	BytesRead    *uint64
	Malformed    *uint64
	LastFrameAt  *atomic.Int64 // unix nanos
	Width        int
	Height       int
}

// onNewSample is called by GStreamer on its streaming thread when the
// appsink has a frame. The buffer is copied (GStreamer reuses it) and
// published to the latest-frame mailbox, replacing any unread frame.
func onNewSample(sink *app.Sink, ctx *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample must not kill the pipeline
		slog.Warn("stream: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("stream: empty buffer received")
		return gst.FlowOK
	}

	frameData, ok := packRGB(data, ctx.Width, ctx.Height)
	buffer.Unmap()

	if !ok {
		atomic.AddUint64(ctx.Malformed, 1)
		slog.Debug("stream: unexpected buffer size, skipping frame",
			"size_bytes", len(data),
			"width", ctx.Width,
			"height", ctx.Height,
		)
		return gst.FlowOK
	}

	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesRead, uint64(len(data)))
	now := time.Now()
	ctx.LastFrameAt.Store(now.UnixNano())

	ctx.Buffer.Publish(&types.Frame{
		Seq:       seq,
		Timestamp: now,
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	})

	return gst.FlowOK
}

// packRGB copies a mapped RGB buffer into a tightly packed slice.
//
// GStreamer pads RGB rows to a 4-byte stride, so a width that is not a
// multiple of 4 arrives with padding that must be stripped.
func packRGB(data []byte, width, height int) ([]byte, bool) {
	rowBytes := width * 3
	packed := rowBytes * height

	switch len(data) {
	case packed:
		out := make([]byte, packed)
		copy(out, data)
		return out, true

	case stride(width) * height:
		s := stride(width)
		out := make([]byte, packed)
		for y := 0; y < height; y++ {
			copy(out[y*rowBytes:(y+1)*rowBytes], data[y*s:y*s+rowBytes])
		}
		return out, true

	default:
		return nil, false
	}
}

// stride is the GStreamer default row stride for RGB.
func stride(width int) int {
	return (width*3 + 3) &^ 3
}

// onPadAdded links a dynamic rtspsrc pad to rtph264depay.
func onPadAdded(srcPad *gst.Pad, sinkElement *gst.Element) {
	slog.Debug("stream: pad-added signal received", "pad", srcPad.GetName())

	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("stream: failed to get sink pad from rtph264depay")
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("stream: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("stream: pads linked", "src_pad", srcPad.GetName())
}
