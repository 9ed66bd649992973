package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped           = errors.New("processor stopped")
	ErrStopping          = errors.New("processor stopping")
	ErrJobRunning        = errors.New("equal job already running")
	ErrThreadRegistered  = errors.New("goroutine already owns a processor")
	ErrNotOwner          = errors.New("not called from the processor goroutine")
	ErrAborted           = errors.New("processor goroutine aborted while running job")
	ErrCanceled          = errors.New("job canceled")
	ErrInvalidIdlePeriod = errors.New("idle period must be positive")
	ErrInvalidSignal     = errors.New("job awaited an invalid signal")
	ErrUncomparableKey   = errors.New("job key is not comparable")
	ErrAlreadyStarted    = errors.New("processor already started")
)

// JobError is a fault raised by a job step.
//
// Err is the innermost cause of what the step returned or panicked with.
type JobError struct {
	Name string
	Err  error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %s: %v", e.Name, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// PanicError is the cause recorded when a step panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// FaultHandler receives faults of jobs nobody waits on.
type FaultHandler func(job Job, err *JobError)

// rootCause follows the Unwrap chain to its end.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func newJobError(name string, err error) *JobError {
	return &JobError{Name: name, Err: rootCause(err)}
}
