// Package overlay draws pose keypoints and skeleton limbs onto a mirrored
// raster surface aligned with the video frame.
package overlay

import (
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

const (
	// DefaultThreshold is the minimum keypoint score (exclusive) for a marker.
	DefaultThreshold = 0.2

	// DefaultRadius is the marker circle radius in pixels.
	DefaultRadius = 10.0
)

// Surface is a drawing target. Coordinates are in pose space; any mirror
// transform is the surface's concern.
type Surface interface {
	StrokeCircle(x, y, r float64)
	StrokeLine(x1, y1, x2, y2 float64)
}

// Result reports what one Render call drew.
type Result struct {
	Markers  int
	Segments int
	Skipped  int // keypoints or segments with non-finite coordinates
}

// Renderer draws a Pose onto a Surface.
type Renderer struct {
	Threshold float64
	Radius    float64
}

// NewRenderer returns a renderer with the default threshold and radius.
func NewRenderer() Renderer {
	return Renderer{
		Threshold: DefaultThreshold,
		Radius:    DefaultRadius,
	}
}

// Render draws a circle for every keypoint scoring above the threshold and
// a line for every skeleton pair. Skeleton pairs have no endpoint-score
// filter. Keypoints and pairs with a non-finite coordinate are skipped.
func (r Renderer) Render(surface Surface, pose types.Pose) Result {
	var res Result

	for _, kp := range pose.Keypoints {
		if kp.Score <= r.Threshold {
			continue
		}
		if !kp.Finite() {
			res.Skipped++
			continue
		}
		surface.StrokeCircle(kp.X, kp.Y, r.Radius)
		res.Markers++
	}

	for _, seg := range pose.Skeleton {
		if !seg.A.Finite() || !seg.B.Finite() {
			res.Skipped++
			continue
		}
		surface.StrokeLine(seg.A.X, seg.A.Y, seg.B.X, seg.B.Y)
		res.Segments++
	}

	return res
}
