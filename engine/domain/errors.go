// Package domain holds the error taxonomy shared by the hotspot pipeline.
package domain

import (
	"errors"
	"fmt"
)

// ErrMissingCoordinate marks an input row without a usable lon/lat. Such rows
// are dropped and counted, never fatal.
var ErrMissingCoordinate = errors.New("missing or non-numeric coordinate")

// Transient network failures. The unit of work is skipped and the run continues.
var (
	ErrSearchFailed   = errors.New("image search failed")
	ErrDetailFailed   = errors.New("image detail fetch failed")
	ErrDownloadFailed = errors.New("image download failed")
	ErrTruncated      = errors.New("image transfer truncated")
)

// ErrAlreadyPersisted marks the dedup no-op path. It is not a failure.
var ErrAlreadyPersisted = errors.New("artifact already persisted")

// ErrNoImageURL means the detail payload carried no usable resolution.
var ErrNoImageURL = errors.New("no usable image url")

// Configuration errors are fatal at startup.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// ErrDegenerateRegion is returned when a region would have zero area.
var ErrDegenerateRegion = errors.New("degenerate region")

// StageError wraps a sentinel with the stage and the key (cluster or image id) it failed on.
type StageError struct {
	Stage   string
	Key     string
	Wrapped error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Wrapped)
}

func (e *StageError) Unwrap() error { return e.Wrapped }

// NewStageError creates a StageError. If cause is non-nil it is joined with sentinel
// so both remain reachable through errors.Is.
func NewStageError(stage, key string, sentinel, cause error) *StageError {
	wrapped := sentinel
	if cause != nil {
		wrapped = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &StageError{Stage: stage, Key: key, Wrapped: wrapped}
}

// IsTransient reports whether err belongs to the transient network class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSearchFailed) ||
		errors.Is(err, ErrDetailFailed) ||
		errors.Is(err, ErrDownloadFailed) ||
		errors.Is(err, ErrTruncated)
}
