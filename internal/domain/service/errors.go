package service

import "errors"

// Classification pipeline error taxonomy
var (
	// ErrMalformedEvidence marks a transfer or balance record missing required fields; the record is skipped
	ErrMalformedEvidence = errors.New("malformed evidence")

	// ErrEntityResolutionUnavailable marks a failed entity/tag lookup; the record proceeds without entity data
	ErrEntityResolutionUnavailable = errors.New("entity resolution unavailable")

	// ErrQuantileUnavailable marks a chain with neither computed quantiles nor a fallback floor
	ErrQuantileUnavailable = errors.New("quantile unavailable")

	// ErrConcurrentAssignmentConflict marks a rejected assignment write for an address
	ErrConcurrentAssignmentConflict = errors.New("concurrent assignment conflict")
)
