// Package features converts a Pose into the integer feature vector the
// posture classifier was trained on.
//
// Layout: [x0, y0, x1, y1, ..., xN-1, yN-1] in canonical keypoint order,
// each coordinate rounded half-up to the nearest pixel. The order is a
// contract with the trained model and must not change without retraining.
package features

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// ErrEmptyPose is returned when a pose has no keypoints to encode.
var ErrEmptyPose = errors.New("features: pose has no keypoints")

// ErrNonFinite is returned when a keypoint coordinate is NaN or infinite.
var ErrNonFinite = errors.New("features: non-finite keypoint coordinate")

// Vectorize encodes pose as a FeatureVector of length 2*len(pose.Keypoints).
//
// Pure and deterministic: the same pose always yields the same vector.
func Vectorize(pose types.Pose) (types.FeatureVector, error) {
	if pose.Empty() {
		return nil, ErrEmptyPose
	}

	vec := make(types.FeatureVector, 0, 2*len(pose.Keypoints))
	for _, kp := range pose.Keypoints {
		if !kp.Finite() {
			return nil, fmt.Errorf("%w: %s", ErrNonFinite, kp.Label)
		}
		vec = append(vec, roundHalfUp(kp.X), roundHalfUp(kp.Y))
	}

	return vec, nil
}

// roundHalfUp rounds to the nearest integer with ties toward +Inf
// (2.5 → 3, -2.5 → -2).
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Format renders vec as comma-joined text for the debug status region,
// e.g. "100,50".
func Format(vec types.FeatureVector) string {
	var b strings.Builder
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}
