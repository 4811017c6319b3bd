package gstsource

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory is the classification of a GStreamer error for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates connection, timeout or DNS failures
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates decode or caps negotiation failures
	ErrCategoryCodec
	// ErrCategoryAuth indicates authentication failures
	ErrCategoryAuth
	// ErrCategoryDevice indicates a missing or busy capture device
	ErrCategoryDevice
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable name of the category.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	deviceKeywords = []string{
		"/dev/video", "v4l2", "device or resource busy",
		"cannot identify device", "no such device",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated",
		"no decoder", "missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns",
		"resolve", "socket", "tcp", "udp", "rtsp", "not found",
		"could not connect", "failed to connect",
	}
)

// ClassifyGStreamerError categorizes a pipeline error.
//
// go-gst's GError does not expose the domain, so classification is by
// message heuristics.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyMessage(gerr.Error(), gerr.DebugString())
}

// classifyMessage checks keyword groups from most to least specific.
func classifyMessage(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)

	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
