// Package errs contains the error taxonomy used across layers for stable error mapping.
package errs

import "errors"

// Storage-level sentinels returned by repositories.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a failed write precondition (optimistic concurrency).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a unique key violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrIntegrity indicates more records than the key allows; the store is corrupt.
	ErrIntegrity = errors.New("integrity violation")
)
