package classify

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/e7canasta/orion-pose-sensor/internal/status"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// fakeClassifier answers synchronously with a canned ranking.
type fakeClassifier struct {
	mu     sync.Mutex
	calls  []types.FeatureVector
	ranked []types.ClassificationResult
	err    error
}

func (f *fakeClassifier) Classify(vec types.FeatureVector, onResult func([]types.ClassificationResult, error)) {
	f.mu.Lock()
	f.calls = append(f.calls, vec)
	f.mu.Unlock()
	onResult(f.ranked, f.err)
}

type recordingObserver struct {
	results []types.ClassificationResult
}

func (r *recordingObserver) OnClassification(res types.ClassificationResult, _ types.FeatureVector) {
	r.results = append(r.results, res)
}

func nosePose() types.Pose {
	return types.Pose{
		Keypoints: []types.Keypoint{{Label: "nose", X: 100, Y: 50, Score: 0.9}},
	}
}

// TestSubmitTreeScenario validates the end-to-end publication format.
//
// Scenario:
//  1. Classifier ranks Tree (0.87) above Warrior (0.10)
//  2. Status message shows the top candidate with two decimals
//  3. Debug region shows the raw feature vector
func TestSubmitTreeScenario(t *testing.T) {
	classifier := &fakeClassifier{
		ranked: []types.ClassificationResult{
			{Label: "Tree", Confidence: 0.87},
			{Label: "Warrior", Confidence: 0.10},
		},
	}
	board := status.NewBoard()
	observer := &recordingObserver{}
	pipeline := New(classifier, board, nil, observer)

	var got types.ClassificationResult
	var gotErr error
	if !pipeline.Submit(nosePose(), func(r types.ClassificationResult, err error) {
		got, gotErr = r, err
	}) {
		t.Fatal("Submit() = false for non-empty pose")
	}

	if gotErr != nil {
		t.Fatalf("done err = %v", gotErr)
	}
	if got.Label != "Tree" {
		t.Errorf("result label = %q, want Tree", got.Label)
	}

	want := `Pose: "Tree" --- confidence: 0.87`
	if msg := board.Message(); msg != want {
		t.Errorf("Message() = %q, want %q", msg, want)
	}
	if dbg := board.Debug(); dbg != "100,50" {
		t.Errorf("Debug() = %q, want %q", dbg, "100,50")
	}

	if len(classifier.calls) != 1 {
		t.Fatalf("classifier calls = %d, want 1", len(classifier.calls))
	}
	if len(observer.results) != 1 || observer.results[0].Label != "Tree" {
		t.Errorf("observer saw %+v", observer.results)
	}

	stats := pipeline.Stats()
	if stats.Submitted != 1 || stats.Succeeded != 1 || stats.Failed != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

// TestSubmitEmptyPoseNoCall validates the classifier is never invoked for an
// empty pose.
func TestSubmitEmptyPoseNoCall(t *testing.T) {
	classifier := &fakeClassifier{}
	board := status.NewBoard()
	pipeline := New(classifier, board, nil)

	if pipeline.Submit(types.Pose{}, nil) {
		t.Error("Submit() = true for empty pose")
	}
	if len(classifier.calls) != 0 {
		t.Errorf("classifier calls = %d, want 0", len(classifier.calls))
	}
	if board.Debug() != "" || board.Message() != "" {
		t.Error("empty pose touched the status surface")
	}
	if s := pipeline.Stats(); s.Skipped != 1 || s.Submitted != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSubmitNonFinitePoseNoCall(t *testing.T) {
	classifier := &fakeClassifier{}
	board := status.NewBoard()
	pipeline := New(classifier, board, nil)

	pose := types.Pose{Keypoints: []types.Keypoint{{Label: "nose", X: math.NaN(), Y: 1}}}
	if pipeline.Submit(pose, nil) {
		t.Error("Submit() = true for non-finite pose")
	}
	if len(classifier.calls) != 0 {
		t.Errorf("classifier calls = %d, want 0", len(classifier.calls))
	}
	if s := pipeline.Stats(); s.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", s.Skipped)
	}
}

func TestSubmitServiceError(t *testing.T) {
	cause := errors.New("tensor shape mismatch")
	classifier := &fakeClassifier{err: cause}
	board := status.NewBoard()
	board.SetMessage("Pose model loaded")
	pipeline := New(classifier, board, nil)

	var gotErr error
	pipeline.Submit(nosePose(), func(_ types.ClassificationResult, err error) { gotErr = err })

	var cerr *ClassificationError
	if !errors.As(gotErr, &cerr) {
		t.Fatalf("err = %v, want *ClassificationError", gotErr)
	}
	if !errors.Is(gotErr, cause) {
		t.Errorf("err does not wrap cause: %v", gotErr)
	}
	if board.Message() != "Pose model loaded" {
		t.Errorf("failure changed message to %q", board.Message())
	}
	if s := pipeline.Stats(); s.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed)
	}
}

func TestSubmitEmptyRanking(t *testing.T) {
	pipeline := New(&fakeClassifier{}, status.NewBoard(), nil)

	var gotErr error
	pipeline.Submit(nosePose(), func(_ types.ClassificationResult, err error) { gotErr = err })

	if !errors.Is(gotErr, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", gotErr)
	}
}
