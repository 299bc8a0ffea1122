package domain

import "errors"

// =============================================================================
// Domain Errors
// =============================================================================

var (
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyTerminal        = errors.New("deployment is already terminal")
	ErrStaleReport            = errors.New("stale sub-resource status report")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrBuildLogsAlreadySet    = errors.New("build logs already set")
	ErrBuildLogsTooEarly      = errors.New("build logs require the pushed status")
	ErrRollbackSource         = errors.New("rollback source must be healthy or superseded")
	ErrInvalidIsolation       = errors.New("invalid database isolation mode")
	ErrInstanceDeleting       = errors.New("extension instance is being deleted")
)
