package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusText(t *testing.T) {
	r := ClassificationResult{Label: "Tree", Confidence: 0.87}
	assert.Equal(t, `Pose: "Tree" --- confidence: 0.87`, r.StatusText())

	r = ClassificationResult{Label: "Warrior II", Confidence: 0.5}
	assert.Equal(t, `Pose: "Warrior II" --- confidence: 0.50`, r.StatusText())
}

func TestLoadStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "classifier_loading", StateClassifierLoading.String())
	assert.Equal(t, "classifier_ready", StateClassifierReady.String())
	assert.Equal(t, "pose_model_loading", StatePoseModelLoading.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "load_failed", StateLoadFailed.String())
	assert.Equal(t, "unknown", LoadState(42).String())

	assert.True(t, StateLoadFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}

func TestFrameValid(t *testing.T) {
	var nilFrame *Frame
	assert.False(t, nilFrame.Valid())
	assert.True(t, (&Frame{Width: 2, Height: 2, Data: make([]byte, 12)}).Valid())
	assert.False(t, (&Frame{Width: 2, Height: 2, Data: make([]byte, 11)}).Valid())
	assert.False(t, (&Frame{Width: 0, Height: 2}).Valid())
}

func TestPoseEmpty(t *testing.T) {
	assert.True(t, Pose{}.Empty())
	assert.False(t, Pose{Keypoints: []Keypoint{{Label: "nose"}}}.Empty())
}

func TestPoseFinite(t *testing.T) {
	good := Keypoint{X: 1, Y: 2}
	assert.True(t, good.Finite())
	assert.True(t, Pose{Keypoints: []Keypoint{good}}.Finite())

	assert.False(t, Keypoint{X: math.NaN(), Y: 1}.Finite())
	assert.False(t, Keypoint{X: 1, Y: math.Inf(-1)}.Finite())
	assert.False(t, Pose{Keypoints: []Keypoint{good, {X: math.Inf(1)}}}.Finite())
	assert.False(t, Pose{
		Keypoints: []Keypoint{good},
		Skeleton:  []Segment{{A: good, B: Keypoint{Y: math.NaN()}}},
	}.Finite())
}

func TestDefaultModelLocations(t *testing.T) {
	loc := DefaultModelLocations()
	assert.Equal(t, "model/model.json", loc.Model)
	assert.Equal(t, "model/model_meta.json", loc.Metadata)
	assert.Equal(t, "model/model.weights.bin", loc.Weights)
}
