package ml

import "errors"

var (
	// ErrInsufficientData rejects a training set too small or too
	// concentrated for chronological cross-validation.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrModelNotLoaded rejects inference before any model is Ready.
	ErrModelNotLoaded = errors.New("model not loaded")

	// ErrTrainingInProgress rejects a training call while another run owns
	// the training lock.
	ErrTrainingInProgress = errors.New("training already in progress")
)
