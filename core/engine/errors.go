package engine

import "errors"

var (
	// ErrJobNotFound is returned when a job ID is unknown to the registry.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// job's current status (e.g. cancelling a finished job).
	ErrInvalidState = errors.New("invalid job state")

	// ErrResultUnavailable is returned when a job terminated in a status
	// that carries no retrievable result.
	ErrResultUnavailable = errors.New("job result unavailable")

	// ErrEngineClosed is returned for operations on a shut-down engine.
	ErrEngineClosed = errors.New("engine closed")
)
