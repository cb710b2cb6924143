package classifier

import "errors"

var (
	// ErrData reports malformed or empty training input.
	ErrData = errors.New("invalid training data")
	// ErrTraining reports numerical divergence during optimisation.
	ErrTraining = errors.New("training failed")
	// ErrInput reports text rejected by Predict; the caller may fix it and retry.
	ErrInput = errors.New("invalid input text")
	// ErrModelUnavailable reports a missing or corrupt artifact, or a pipeline
	// that is not accepting predictions.
	ErrModelUnavailable = errors.New("model unavailable")
)
