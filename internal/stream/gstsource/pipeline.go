package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineConfig contains configuration for GStreamer pipeline creation.
type pipelineConfig struct {
	Device    string // v4l2 device, used when RTSPURL is empty
	RTSPURL   string
	Width     int
	Height    int
	TargetFPS float64
}

// pipelineElements holds references needed after construction.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	RTSPSrc  *gst.Element // nil for v4l2
	Depay    *gst.Element // nil for v4l2
}

// createPipeline builds (but does not start) one of:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// The capsfilter locks RGB at the configured size and framerate.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // 0 = auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)

	elements := &pipelineElements{Pipeline: pipeline, AppSink: appsink}

	tail := []*gst.Element{converter, scaler, videorate, capsfilter, appsink.Element}

	if cfg.RTSPURL == "" {
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", cfg.Device)

		chain := append([]*gst.Element{src}, tail...)
		if err := pipeline.AddMany(chain...); err != nil {
			return nil, fmt.Errorf("failed to add v4l2 elements: %w", err)
		}
		if err := gst.ElementLinkMany(chain...); err != nil {
			return nil, fmt.Errorf("failed to link v4l2 pipeline: %w", err)
		}

		slog.Info("stream: v4l2 pipeline created", "device", cfg.Device)
		return elements, nil
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", cfg.RTSPURL)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	// rtspsrc has dynamic pads, linked in the pad-added callback
	linked := append([]*gst.Element{depay, decoder}, tail...)
	if err := pipeline.AddMany(append([]*gst.Element{rtspsrc}, linked...)...); err != nil {
		return nil, fmt.Errorf("failed to add rtsp elements: %w", err)
	}
	if err := gst.ElementLinkMany(linked...); err != nil {
		return nil, fmt.Errorf("failed to link rtsp pipeline: %w", err)
	}

	elements.RTSPSrc = rtspsrc
	elements.Depay = depay

	slog.Info("stream: rtsp pipeline created", "decoder", "avdec_h264")
	return elements, nil
}

// destroyPipeline sets the pipeline to NULL, releasing its resources.
// Safe to call with nil.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}

	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}

	return nil
}

// buildCaps builds the RGB caps string with framerate constraint.
//
// Fractional rates below 1 Hz become 1/N (0.5 → 1/2).
func buildCaps(width, height int, fps float64) string {
	numerator, denominator := 1, 1

	if fps <= 0 {
		return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
	}
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}

	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}
