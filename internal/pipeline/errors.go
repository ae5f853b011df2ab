package pipeline

import (
	"errors"

	"pulse/internal/domain/asset"
)

var (
	// ErrAlreadyProcessing rejects a second task for an asset that already has one.
	ErrAlreadyProcessing = asset.ErrAlreadyProcessing
	// ErrAlreadyFinished rejects a task for an asset that already has a verdict.
	ErrAlreadyFinished = asset.ErrAlreadyFinished
	// ErrClassificationFailed wraps errors returned by the classification step.
	ErrClassificationFailed = errors.New("classification failed")
	ErrClosed               = errors.New("pipeline is closed")
)
