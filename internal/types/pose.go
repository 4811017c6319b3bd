package types

import (
	"fmt"
	"math"
)

// Keypoint is a single anatomical landmark estimated by the pose service.
//
// Values are produced by the pose service and never modified afterwards.
type Keypoint struct {
	Label string  `json:"part" msgpack:"part"`
	X     float64 `json:"x" msgpack:"x"`
	Y     float64 `json:"y" msgpack:"y"`
	Score float64 `json:"score" msgpack:"score"`
}

// Finite reports whether both coordinates are finite numbers.
func (k Keypoint) Finite() bool {
	return !math.IsNaN(k.X) && !math.IsInf(k.X, 0) &&
		!math.IsNaN(k.Y) && !math.IsInf(k.Y, 0)
}

// Segment is an unordered pair of keypoints drawn as one limb line.
type Segment struct {
	A Keypoint
	B Keypoint
}

// Pose is one estimated skeletal configuration for a single subject.
//
// Keypoints keep the canonical order of the pose service. The classifier
// was trained on that order, so nothing downstream may reorder them.
type Pose struct {
	Keypoints []Keypoint
	Skeleton  []Segment
}

// Empty reports whether the pose carries no keypoints.
func (p Pose) Empty() bool {
	return len(p.Keypoints) == 0
}

// Finite reports whether every keypoint and skeleton endpoint has finite
// coordinates.
func (p Pose) Finite() bool {
	for _, kp := range p.Keypoints {
		if !kp.Finite() {
			return false
		}
	}
	for _, seg := range p.Skeleton {
		if !seg.A.Finite() || !seg.B.Finite() {
			return false
		}
	}
	return true
}

// FeatureVector is the flattened integer encoding of a Pose submitted to the
// classifier: x then y per keypoint, in canonical keypoint order.
type FeatureVector []int

// ClassificationResult is the top-ranked candidate returned by the classifier.
type ClassificationResult struct {
	Label      string  `json:"label" msgpack:"label"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// StatusText renders the result the way the status surface shows it.
func (r ClassificationResult) StatusText() string {
	return fmt.Sprintf("Pose: \"%s\" --- confidence: %.2f", r.Label, r.Confidence)
}

// ModelLocations names the three classifier artifacts.
type ModelLocations struct {
	Model    string `yaml:"model"`
	Metadata string `yaml:"metadata"`
	Weights  string `yaml:"weights"`
}

// DefaultModelLocations returns the static relative artifact paths.
func DefaultModelLocations() ModelLocations {
	return ModelLocations{
		Model:    "model/model.json",
		Metadata: "model/model_meta.json",
		Weights:  "model/model.weights.bin",
	}
}

// DetectionMode selects how many subjects the pose service tracks.
type DetectionMode string

const (
	// ModeSingle tracks one subject (the only mode this sensor uses)
	ModeSingle DetectionMode = "single"
	// ModeMultiple tracks several subjects
	ModeMultiple DetectionMode = "multiple"
)
