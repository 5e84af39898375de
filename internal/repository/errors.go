package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("repository: conflict")
	// ErrInvalidArgument indicates malformed input such as a bad identifier.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrStaleStatus indicates a status update whose expected current
	// status no longer matched the stored record.
	ErrStaleStatus = errors.New("repository: deployment status changed concurrently")
)
