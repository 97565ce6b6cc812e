// Package domain defines the core scheduling entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a submission fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrNilExecutor is returned when a submission carries no executor.
	ErrNilExecutor = errors.New("executor must not be nil")

	// ErrInvalidPriority is returned when a priority is not one of the
	// defined tiers.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrTaskNotFound is returned when an ID matches neither a queued nor
	// a running task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSchedulerClosed is returned when submitting to a scheduler that
	// has been shut down.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)
