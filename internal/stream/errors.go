package stream

import (
	"errors"
	"fmt"

	"pulse/internal/domain/asset"
)

var (
	// ErrRangeNotSatisfiable means the requested start lies beyond the content.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// ErrInvalidRange means the Range header could not be parsed. Serve recovers from it
	// by answering with the full content.
	ErrInvalidRange = errors.New("invalid range")
)

// UnsatisfiableError carries the content size so the caller can report it back in
// "Content-Range: bytes */size".
type UnsatisfiableError struct {
	Start int64
	Size  int64
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("range start %d is beyond content length %d", e.Start, e.Size)
}

func (e *UnsatisfiableError) Unwrap() error { return ErrRangeNotSatisfiable }

// NotReadyError is returned for assets still waiting for a verdict. It wraps
// asset.ErrAssetNotReady.
type NotReadyError struct {
	Status asset.Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("asset is %s: %v", e.Status, asset.ErrAssetNotReady)
}

func (e *NotReadyError) Unwrap() error { return asset.ErrAssetNotReady }
