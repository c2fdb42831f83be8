package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimConflict is returned by compare-and-swap stores when every
	// claim attempt lost its race.
	ErrClaimConflict = errors.New("tenantq: claim conflict")
	ErrUnknownJob    = errors.New("tenantq: unknown job")
	ErrJobNotFound   = errors.New("tenantq: job not found")
	ErrUnknownDriver = errors.New("tenantq: unknown queue driver")
)

// ConfigurationError reports an invalid worker option.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenantq: invalid option %q: %s", e.Key, e.Reason)
}

// ExecutionError wraps a failure raised by a job handler.
type ExecutionError struct {
	JobID int64
	Job   string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tenantq: job %d (%s): %v", e.JobID, e.Job, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
