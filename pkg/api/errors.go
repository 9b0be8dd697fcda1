package api

import (
	"errors"
)

var (
	ErrDefinitionNotFound   = errors.New("workflow definition not found")
	ErrDefinitionNotActive  = errors.New("workflow definition is not active")
	ErrDefinitionExists     = errors.New("workflow definition already exists")
	ErrVersionExists        = errors.New("workflow version already published")
	ErrConcurrencyLimit     = errors.New("workflow definition concurrency limit reached")
	ErrInvalidGraph         = errors.New("invalid workflow graph")
	ErrNoMatchingTransition = errors.New("no matching transition")
	ErrConditionEvaluation  = errors.New("condition evaluation error")
	ErrTaskExecution        = errors.New("task execution failure")
	ErrLeaseConflict        = errors.New("task lease held by another worker")
	ErrTimeout              = errors.New("workflow timeout")
	ErrDeadLetter           = errors.New("task dead-lettered")
	ErrSubprocessFailure    = errors.New("subprocess failed")
	ErrInstanceNotFound     = errors.New("workflow instance not found")
	ErrTaskNotFound         = errors.New("workflow task not found")
	ErrInvalidTransition    = errors.New("invalid instance state transition")
	ErrConcurrentUpdate     = errors.New("concurrent update detected")

	// ErrDiscard is returned by an executor to drop a task without failing
	// its node.
	ErrDiscard = errors.New("task discarded")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Workers dead-letter tasks whose
// executor returns a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
