package asset

import "errors"

var (
	ErrAssetNotFound        = errors.New("asset not found")
	ErrAssetExists          = errors.New("asset already exists")
	ErrNotOwner             = errors.New("you do not own this asset")
	ErrFileTooLarge         = errors.New("file exceeds maximum allowed size")
	ErrInvalidMimeType      = errors.New("file type is not allowed")
	ErrEmptyFile            = errors.New("file is empty")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrStorageInconsistency = errors.New("asset metadata and stored bytes disagree")
	ErrAssetNotReady        = errors.New("asset is still being processed")
	ErrAlreadyProcessing    = errors.New("asset is already being processed")
	ErrAlreadyFinished      = errors.New("asset already has a verdict")
	ErrLeaseLost            = errors.New("processing lease is held by another worker")
)
