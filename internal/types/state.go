package types

// LoadState is the model-loading phase of a session.
type LoadState int

const (
	// StateIdle is the state before Start
	StateIdle LoadState = iota
	// StateClassifierLoading means the classifier model load is in flight
	StateClassifierLoading
	// StateClassifierReady means the classifier loaded; waiting on video and pose model
	StateClassifierReady
	// StatePoseModelLoading means the pose estimator is being constructed
	StatePoseModelLoading
	// StateStreaming means both models are ready and the frame loop may run
	StateStreaming
	// StateLoadFailed is terminal: a model failed to load
	StateLoadFailed
)

// String returns a human-readable representation of the state
func (s LoadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClassifierLoading:
		return "classifier_loading"
	case StateClassifierReady:
		return "classifier_ready"
	case StatePoseModelLoading:
		return "pose_model_loading"
	case StateStreaming:
		return "streaming"
	case StateLoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s LoadState) Terminal() bool {
	return s == StateLoadFailed
}
