package repository

import "errors"

// Storage errors shared by every repository implementation
var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an immutable record is inserted twice
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrVersionConflict is returned when a state write carries a stale version
	ErrVersionConflict = errors.New("version conflict")
)
