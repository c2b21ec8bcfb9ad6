package api

import (
	"errors"
	"fmt"
)

type (
	// ErrorKind tags an error with its place in the failure taxonomy. Retry
	// policies classify failures by kind rather than by Go type
	ErrorKind string

	// StepError is a failure attributed to a single step
	StepError struct {
		Err    error
		StepID StepID
		Kind   ErrorKind
	}

	kindError struct {
		err  error
		kind ErrorKind
	}

	permanentError struct {
		err error
	}
)

const (
	KindStepAction      ErrorKind = "step_action"
	KindStepTimeout     ErrorKind = "step_timeout"
	KindTransition      ErrorKind = "transition"
	KindCompensation    ErrorKind = "compensation"
	KindNotFound        ErrorKind = "not_found"
	KindContextType     ErrorKind = "context_type"
	KindWorkflowTimeout ErrorKind = "workflow_timeout"
	KindEngine          ErrorKind = "engine"
	KindCancelled       ErrorKind = "cancelled"
)

var (
	ErrInstanceNotFound  = errors.New("workflow instance not found")
	ErrInstanceExists    = errors.New("workflow instance exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStepTimeout       = errors.New("step timed out")
	ErrWorkflowTimeout   = errors.New("workflow timed out")
	ErrContextType       = errors.New("context value has unexpected type")
	ErrContextMissing    = errors.New("context value missing")
	ErrStepPanicked      = errors.New("step action panicked")
)

// NewStepError wraps err as a failure of the given kind for a step
func NewStepError(stepID StepID, kind ErrorKind, err error) *StepError {
	return &StepError{
		StepID: stepID,
		Kind:   kind,
		Err:    err,
	}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.StepID, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// WithKind tags err with the given kind so that retry matchers can classify
// it. A nil error stays nil
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{err: err, kind: kind}
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

// KindOf returns the outermost kind tagged on err, or the empty kind
func KindOf(err error) ErrorKind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch t := e.(type) {
		case *kindError:
			return t.kind
		case *StepError:
			return t.Kind
		}
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Permanent marks err as never retryable, regardless of retry policy
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// IsPermanent reports whether err has been marked non-retryable
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
