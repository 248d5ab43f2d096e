package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(testInstance *testing.T) {
	plainFailure := errors.New("boom")
	testCases := []struct {
		name         string
		failure      error
		expectedKind Kind
	}{
		{name: "nil", failure: nil, expectedKind: KindNone},
		{name: "plain", failure: plainFailure, expectedKind: KindUnexpected},
		{name: "panic", failure: panicError{value: "exploded"}, expectedKind: KindUnexpected},
		{name: "user_quit", failure: ErrUserQuit, expectedKind: KindUserQuit},
		{name: "skip_target", failure: fmt.Errorf("target: %w", ErrSkipTarget), expectedKind: KindSkipTarget},
		{name: "cancelled", failure: ErrCancelled, expectedKind: KindCancellation},
		{name: "context_canceled", failure: context.Canceled, expectedKind: KindCancellation},
		{name: "deadline", failure: context.DeadlineExceeded, expectedKind: KindConnection},
		{name: "connection", failure: NewConnectionError(plainFailure), expectedKind: KindConnection},
		{name: "value", failure: NewValueError(plainFailure), expectedKind: KindValue},
		{name: "fatal_persistence", failure: NewFatalPersistenceError(plainFailure), expectedKind: KindFatalPersistence},
		{name: "repeated", failure: ErrRepeatedCancellation, expectedKind: KindRepeatedCancellation},
		{
			name:         "worker_wrapped_connection",
			failure:      WorkerError{Worker: "3", err: NewConnectionError(plainFailure)},
			expectedKind: KindConnection,
		},
		{
			name:         "repeated_beats_quit",
			failure:      errors.Join(ErrUserQuit, ErrRepeatedCancellation),
			expectedKind: KindRepeatedCancellation,
		},
		{
			name:         "quit_beats_cancellation",
			failure:      errors.Join(ErrCancelled, ErrUserQuit),
			expectedKind: KindUserQuit,
		},
		{
			name:         "cancellation_beats_persistence",
			failure:      NewFatalPersistenceError(context.Canceled),
			expectedKind: KindCancellation,
		},
		{
			name:         "persistence_beats_connection",
			failure:      NewConnectionError(NewFatalPersistenceError(plainFailure)),
			expectedKind: KindFatalPersistence,
		},
		{
			name:         "connection_beats_value",
			failure:      NewValueError(NewConnectionError(plainFailure)),
			expectedKind: KindConnection,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			require.Equal(testInstance, testCase.expectedKind, Classify(testCase.failure))
		})
	}
}

func TestIsSilent(testInstance *testing.T) {
	require.True(testInstance, IsSilent(ErrUserQuit))
	require.True(testInstance, IsSilent(fmt.Errorf("wrapped: %w", ErrSkipTarget)))
	require.False(testInstance, IsSilent(ErrCancelled))
	require.False(testInstance, IsSilent(NewConnectionError(errors.New("refused"))))
	require.False(testInstance, IsSilent(nil))
}

func TestTaxonomyConstructorsIgnoreNil(testInstance *testing.T) {
	require.NoError(testInstance, NewConnectionError(nil))
	require.NoError(testInstance, NewValueError(nil))
	require.NoError(testInstance, NewFatalPersistenceError(nil))
}

func TestSafeMessageStripsTaxonomyPrefix(testInstance *testing.T) {
	require.Equal(testInstance, "connection refused", safeMessage(NewConnectionError(errors.New("connection refused"))))
	require.Equal(testInstance, "bad url", safeMessage(NewValueError(errors.New("bad url"))))
	require.Equal(testInstance, "boom", safeMessage(errors.New("boom")))
	require.Empty(testInstance, safeMessage(nil))
}

func TestWorkerErrorMessage(testInstance *testing.T) {
	workerError := WorkerError{Worker: "2", err: NewFatalPersistenceError(errors.New("disk full"))}
	require.Equal(testInstance, "thread 2: persistence failure: disk full", workerError.Error())
	require.Equal(testInstance, "fatal_persistence", KindFatalPersistence.String())
	require.Equal(testInstance, "unexpected", KindUnexpected.String())
}
