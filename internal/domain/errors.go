package domain

import "errors"

var (
	// ErrNotFound means the target id resolves to no script, queue, user or task.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning means the resolved target already has a live task.
	ErrAlreadyRunning = errors.New("already running")
	// ErrValidation covers malformed requests and mode/script mismatches.
	ErrValidation = errors.New("validation error")
	// ErrResourceAcquisition means a device or process could not be obtained for an attempt.
	ErrResourceAcquisition = errors.New("resource acquisition failure")
	// ErrCrashed wraps unexpected failures and recovered panics inside a run.
	ErrCrashed = errors.New("crashed unexpectedly")
)
