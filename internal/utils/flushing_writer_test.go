package utils_test

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/threadrun/internal/utils"
)

const (
	testResultBufferSizeConstant = 4096
	testFirstResultLineConstant  = "[200] https://example.com (512 bytes) 3f786850e387550fdab836ed7e6dc881de23001b"
	testSecondResultLineConstant = "[404] https://example.org/missing (9 bytes) 89e6c98d92887913cadf06b2adb97f26cde4849b"
)

var errTestDestinationClosed = errors.New("destination closed")

type failingDestination struct{}

func (failingDestination) Write([]byte) (int, error) {
	return 0, errTestDestinationClosed
}

func TestFlushingWriterDeliversBufferedResultLinesImmediately(testInstance *testing.T) {
	destination := &bytes.Buffer{}
	bufferedOutput := bufio.NewWriterSize(destination, testResultBufferSizeConstant)
	resultWriter := utils.NewFlushingWriter(bufferedOutput)

	resultLines := []string{testFirstResultLineConstant, testSecondResultLineConstant}
	expectedOutput := ""
	for _, resultLine := range resultLines {
		_, writeError := fmt.Fprintln(resultWriter, resultLine)
		require.NoError(testInstance, writeError)

		expectedOutput += resultLine + "\n"
		require.Equal(testInstance, expectedOutput, destination.String())
		require.Zero(testInstance, bufferedOutput.Buffered())
	}
}

func TestFlushingWriterWithoutWrapperKeepsLinesBuffered(testInstance *testing.T) {
	destination := &bytes.Buffer{}
	bufferedOutput := bufio.NewWriterSize(destination, testResultBufferSizeConstant)

	_, writeError := fmt.Fprintln(bufferedOutput, testFirstResultLineConstant)

	require.NoError(testInstance, writeError)
	require.Empty(testInstance, destination.String())
	require.Equal(testInstance, len(testFirstResultLineConstant)+1, bufferedOutput.Buffered())
}

func TestFlushingWriterReportsDestinationFailures(testInstance *testing.T) {
	testCases := []struct {
		name          string
		buildOutput   func(*bytes.Buffer) *bufio.Writer
		expectedError error
	}{
		{
			name: "flush_to_closed_destination",
			buildOutput: func(*bytes.Buffer) *bufio.Writer {
				return bufio.NewWriterSize(failingDestination{}, testResultBufferSizeConstant)
			},
			expectedError: errTestDestinationClosed,
		},
		{
			name: "healthy_destination",
			buildOutput: func(destination *bytes.Buffer) *bufio.Writer {
				return bufio.NewWriterSize(destination, testResultBufferSizeConstant)
			},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			destination := &bytes.Buffer{}
			resultWriter := utils.NewFlushingWriter(testCase.buildOutput(destination))

			bytesWritten, writeError := resultWriter.Write([]byte(testSecondResultLineConstant))

			require.Equal(testInstance, len(testSecondResultLineConstant), bytesWritten)
			if testCase.expectedError != nil {
				require.ErrorIs(testInstance, writeError, testCase.expectedError)
				return
			}
			require.NoError(testInstance, writeError)
			require.Equal(testInstance, testSecondResultLineConstant, destination.String())
		})
	}
}

func TestFlushingWriterPassesThroughPlainWriters(testInstance *testing.T) {
	destination := &bytes.Buffer{}
	resultWriter := utils.NewFlushingWriter(destination)

	_, writeError := fmt.Fprint(resultWriter, testFirstResultLineConstant)

	require.NoError(testInstance, writeError)
	require.Equal(testInstance, testFirstResultLineConstant, destination.String())
}
