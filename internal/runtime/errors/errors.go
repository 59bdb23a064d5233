package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrReceiverNameRequired = sterrors.New("flowrunner: receiver name is required")
	ErrPipelineRequired     = sterrors.New("flowrunner: pipeline is required")
	ErrListenerRequired     = sterrors.New("flowrunner: listener is required")
	ErrDuplicateReceiver    = sterrors.New("flowrunner: receiver already registered")
	ErrPublisherRequired    = sterrors.New("flowrunner: publisher is required")
	ErrTopicRequired        = sterrors.New("flowrunner: topic is required")
	ErrStartTimeout         = sterrors.New("flowrunner: start timed out")

	ErrHandlerRequired      = sterrors.New("flowrunner: handler is required")
	ErrMessageTypeRequired  = sterrors.New("flowrunner: message prototype is required")
	ErrMessagePointerNeeded = sterrors.New("flowrunner: message prototype must be a pointer")

	ErrInvalidTransition = sterrors.New("flowrunner: invalid state transition")
	ErrAlreadyInState    = sterrors.New("flowrunner: already in requested state")
	ErrStateTimeout      = sterrors.New("flowrunner: timed out waiting for state")

	ErrNoTransaction        = sterrors.New("flowrunner: no active transaction")
	ErrNotOwner             = sterrors.New("flowrunner: caller does not own the transaction")
	ErrTransactionTimedOut  = sterrors.New("flowrunner: transaction timed out")
	ErrTransactionCompleted = sterrors.New("flowrunner: transaction already completed")
	ErrRollbackOnly         = sterrors.New("flowrunner: transaction is marked rollback-only")
	ErrHeuristicOutcome     = sterrors.New("flowrunner: transaction outcome in doubt")
	ErrSuspendedConsumed    = sterrors.New("flowrunner: suspended transaction already resumed")
	ErrHandoffBusy          = sterrors.New("flowrunner: handoff is held by another worker")
	ErrHandoffStillBound    = sterrors.New("flowrunner: handoff still bound to a worker")
	ErrHandoffClosed        = sterrors.New("flowrunner: handoff is closed")

	ErrStatusFile = sterrors.New("flowrunner: transaction manager status file")

	ErrConfigRequired = sterrors.New("flowrunner: configuration is required")
	ErrLoggerRequired = sterrors.New("flowrunner: logger is required")
)

// ConfigValidationError wraps everything wrong with a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowrunner: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// StatusFileError reports a failed read or write of the transaction manager's
// uid or status file. It always matches ErrStatusFile with errors.Is.
type StatusFileError struct {
	Op   string
	Path string
	Err  error
}

func (e *StatusFileError) Error() string {
	return fmt.Sprintf("flowrunner: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StatusFileError) Unwrap() error { return e.Err }

func (e *StatusFileError) Is(target error) bool { return target == ErrStatusFile }

// UnprocessableError marks a payload that failed decoding or validation.
// Retrying it will not help.
type UnprocessableError struct {
	Reason string
	Err    error
}

func (e *UnprocessableError) Error() string {
	if e.Err == nil {
		return "flowrunner: unprocessable message: " + e.Reason
	}
	return fmt.Sprintf("flowrunner: unprocessable message: %s: %v", e.Reason, e.Err)
}

func (e *UnprocessableError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking pipeline.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("flowrunner: pipeline panicked: %v", e.Value)
}
