// Package classify turns the latest pose into a posture label: vectorize,
// submit to the classifier service, publish the top-ranked result.
package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-pose-sensor/internal/features"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// ErrNoCandidates is the cause of a ClassificationError when the classifier
// returned an empty ranking.
var ErrNoCandidates = errors.New("classifier returned no candidates")

// ClassificationError wraps a failed classification. It is logged and the
// frame loop continues; there is no retry.
type ClassificationError struct {
	Cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Cause)
}

func (e *ClassificationError) Unwrap() error { return e.Cause }

// Classifier is the asynchronous classification service.
//
// onResult receives candidates ranked by descending confidence, or an error.
// It may be invoked on any goroutine.
type Classifier interface {
	Classify(vec types.FeatureVector, onResult func([]types.ClassificationResult, error))
}

// Publisher is the status surface the pipeline writes to.
type Publisher interface {
	SetMessage(text string)
	SetDebug(text string)
}

// Observer is notified of every successful classification (MQTT emitter).
type Observer interface {
	OnClassification(result types.ClassificationResult, vec types.FeatureVector)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Skipped   uint64
}

// Pipeline runs vectorize → classify → publish.
type Pipeline struct {
	classifier Classifier
	publisher  Publisher
	observers  []Observer
	logger     *slog.Logger

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a pipeline. logger may be nil (slog.Default is used).
func New(classifier Classifier, publisher Publisher, logger *slog.Logger, observers ...Observer) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		classifier: classifier,
		publisher:  publisher,
		observers:  observers,
		logger:     logger,
	}
}

// Submit classifies pose asynchronously.
//
// Returns false without calling the classifier when pose has no keypoints
// or a non-finite coordinate.
// done, if non-nil, receives the outcome once the classifier responds;
// failures arrive as *ClassificationError. Overlapping submissions are
// allowed and may complete out of order.
func (p *Pipeline) Submit(pose types.Pose, done func(types.ClassificationResult, error)) bool {
	vec, err := features.Vectorize(pose)
	if err != nil {
		p.skipped.Add(1)
		return false
	}

	p.submitted.Add(1)
	p.publisher.SetDebug(features.Format(vec))

	p.classifier.Classify(vec, func(ranked []types.ClassificationResult, err error) {
		result, err := p.complete(vec, ranked, err)
		if done != nil {
			done(result, err)
		}
	})

	return true
}

func (p *Pipeline) complete(vec types.FeatureVector, ranked []types.ClassificationResult, err error) (types.ClassificationResult, error) {
	if err == nil && len(ranked) == 0 {
		err = ErrNoCandidates
	}
	if err != nil {
		p.failed.Add(1)
		cerr := &ClassificationError{Cause: err}
		p.logger.Error("classify: classification failed", "error", err)
		return types.ClassificationResult{}, cerr
	}

	top := ranked[0]
	p.succeeded.Add(1)
	p.publisher.SetMessage(top.StatusText())

	for _, o := range p.observers {
		o.OnClassification(top, vec)
	}

	p.logger.Debug("classify: result",
		"label", top.Label,
		"confidence", top.Confidence,
		"candidates", len(ranked),
	)

	return top, nil
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}
