package taskrunner

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure observed while running workers.
type Kind int

const (
	// KindNone marks the absence of a failure.
	KindNone Kind = iota
	// KindRepeatedCancellation marks two cancellation signals inside the escalation window.
	KindRepeatedCancellation
	// KindUserQuit marks a user-initiated early termination.
	KindUserQuit
	// KindSkipTarget marks a request to abandon the current target.
	KindSkipTarget
	// KindCancellation marks a single cooperative cancellation.
	KindCancellation
	// KindFatalPersistence marks a failure of the persistence layer itself.
	KindFatalPersistence
	// KindConnection marks a connectivity failure.
	KindConnection
	// KindValue marks a failure caused by an invalid value.
	KindValue
	// KindUnexpected marks every other failure.
	KindUnexpected
)

const (
	userQuitMessageConstant             = "user quit"
	skipTargetMessageConstant           = "skipping target"
	cancelledMessageConstant            = "user aborted"
	repeatedCancellationMessageConstant = "user aborted (Ctrl+C was pressed multiple times)"
	runInProgressMessageConstant        = "task runner is already running"
	workerErrorTemplateConstant         = "thread %s: %v"
	connectionErrorTemplateConstant     = "connection failure: %v"
	valueErrorTemplateConstant          = "value failure: %v"
	fatalPersistenceTemplateConstant    = "persistence failure: %v"
	panicErrorTemplateConstant          = "panic: %v"
)

var (
	// ErrUserQuit signals that the user asked to stop; it is never reported as an error.
	ErrUserQuit = errors.New(userQuitMessageConstant)
	// ErrSkipTarget signals that the current target should be abandoned silently.
	ErrSkipTarget = errors.New(skipTargetMessageConstant)
	// ErrCancelled reports a cooperative cancellation of the run.
	ErrCancelled = errors.New(cancelledMessageConstant)
	// ErrRepeatedCancellation reports a hard abort after repeated cancellation signals.
	ErrRepeatedCancellation = errors.New(repeatedCancellationMessageConstant)
	// ErrRunInProgress reports a re-entrant Run call on the same Runner.
	ErrRunInProgress = errors.New(runInProgressMessageConstant)
)

// String returns a stable name for the kind.
func (kind Kind) String() string {
	switch kind {
	case KindNone:
		return "none"
	case KindRepeatedCancellation:
		return "repeated_cancellation"
	case KindUserQuit:
		return "user_quit"
	case KindSkipTarget:
		return "skip_target"
	case KindCancellation:
		return "cancellation"
	case KindFatalPersistence:
		return "fatal_persistence"
	case KindConnection:
		return "connection"
	case KindValue:
		return "value"
	default:
		return "unexpected"
	}
}

// ConnectionError marks a failure to reach a remote peer.
type ConnectionError struct {
	err error
}

// NewConnectionError wraps the provided error as a connectivity failure.
func NewConnectionError(err error) error {
	if err == nil {
		return nil
	}
	return ConnectionError{err: err}
}

// Error implements the error interface.
func (connectionError ConnectionError) Error() string {
	return fmt.Sprintf(connectionErrorTemplateConstant, connectionError.err)
}

// Unwrap exposes the underlying error chain.
func (connectionError ConnectionError) Unwrap() error {
	return connectionError.err
}

// ValueError marks a failure caused by an invalid or unexpected value.
type ValueError struct {
	err error
}

// NewValueError wraps the provided error as a value failure.
func NewValueError(err error) error {
	if err == nil {
		return nil
	}
	return ValueError{err: err}
}

// Error implements the error interface.
func (valueError ValueError) Error() string {
	return fmt.Sprintf(valueErrorTemplateConstant, valueError.err)
}

// Unwrap exposes the underlying error chain.
func (valueError ValueError) Unwrap() error {
	return valueError.err
}

// FatalPersistenceError marks a persistence layer that can no longer be trusted.
type FatalPersistenceError struct {
	err error
}

// NewFatalPersistenceError wraps the provided error as a fatal persistence failure.
func NewFatalPersistenceError(err error) error {
	if err == nil {
		return nil
	}
	return FatalPersistenceError{err: err}
}

// Error implements the error interface.
func (persistenceError FatalPersistenceError) Error() string {
	return fmt.Sprintf(fatalPersistenceTemplateConstant, persistenceError.err)
}

// Unwrap exposes the underlying error chain.
func (persistenceError FatalPersistenceError) Unwrap() error {
	return persistenceError.err
}

// WorkerError annotates a failure with the identity of the worker that produced it.
type WorkerError struct {
	Worker string
	err    error
}

// Error implements the error interface.
func (workerError WorkerError) Error() string {
	return fmt.Sprintf(workerErrorTemplateConstant, workerError.Worker, workerError.err)
}

// Unwrap exposes the underlying error chain.
func (workerError WorkerError) Unwrap() error {
	return workerError.err
}

type panicError struct {
	value any
}

func (failure panicError) Error() string {
	return fmt.Sprintf(panicErrorTemplateConstant, failure.value)
}

// Classify maps an error onto the closed failure taxonomy.
// Categories are checked in priority order so that a wrapped chain carrying
// several markers resolves to the most severe one.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrRepeatedCancellation) {
		return KindRepeatedCancellation
	}
	if errors.Is(err, ErrUserQuit) {
		return KindUserQuit
	}
	if errors.Is(err, ErrSkipTarget) {
		return KindSkipTarget
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	var persistenceError FatalPersistenceError
	if errors.As(err, &persistenceError) {
		return KindFatalPersistence
	}
	var connectionError ConnectionError
	if errors.As(err, &connectionError) {
		return KindConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var valueError ValueError
	if errors.As(err, &valueError) {
		return KindValue
	}
	return KindUnexpected
}

// IsSilent reports whether the failure is a user-initiated termination that must not be logged.
func IsSilent(err error) bool {
	kind := Classify(err)
	return kind == KindUserQuit || kind == KindSkipTarget
}

// safeMessage renders an error for log output, stripping wrapper prefixes for taxonomy errors.
func safeMessage(err error) string {
	if err == nil {
		return ""
	}
	var connectionError ConnectionError
	if errors.As(err, &connectionError) && connectionError.err != nil {
		return connectionError.err.Error()
	}
	var valueError ValueError
	if errors.As(err, &valueError) && valueError.err != nil {
		return valueError.err.Error()
	}
	return err.Error()
}
