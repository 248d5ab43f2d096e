package flags

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const (
	// AssumeYesFlagName exposes the shared assume-yes flag name.
	AssumeYesFlagName = "yes"
	// AssumeYesFlagShorthand provides the shorthand for the assume-yes flag.
	AssumeYesFlagShorthand = "y"
	// AssumeYesFlagUsage describes the shared assume-yes flag purpose.
	AssumeYesFlagUsage = "Never prompt; accept defaults for every question"
	// VerbosityFlagName exposes the shared verbosity flag name.
	VerbosityFlagName = "verbose"
	// VerbosityFlagShorthand provides the shorthand for the verbosity flag.
	VerbosityFlagShorthand = "v"
	// VerbosityFlagUsage describes the shared verbosity flag purpose.
	VerbosityFlagUsage = "Verbosity level (0-6); levels above 1 print stack traces for worker failures"
	// DefaultVerbosity is the verbosity used when the flag is not provided.
	DefaultVerbosity = 1
	// WorkerCountFlagName exposes the worker count flag name.
	WorkerCountFlagName = "threads"
	// WorkerCountFlagShorthand provides the shorthand for the worker count flag.
	WorkerCountFlagShorthand = "t"
	// WorkerCountFlagUsage describes the worker count flag purpose.
	WorkerCountFlagUsage = "Number of concurrent workers (append ! to exceed the maximum)"

	workerCountValueTypeConstant = "count"
)

// WorkerCountValue is a pflag.Value holding a worker count validated against a maximum.
type WorkerCountValue struct {
	Count   int
	Maximum int
}

// String returns the current worker count.
func (value *WorkerCountValue) String() string {
	if value == nil {
		return ""
	}
	return strconv.Itoa(value.Count)
}

// Set parses a worker count, honoring the override marker.
func (value *WorkerCountValue) Set(raw string) error {
	count, parseError := taskrunner.ParseWorkerCount(raw, value.Maximum)
	if parseError != nil {
		return parseError
	}
	value.Count = count
	return nil
}

// Type names the flag value type in usage output.
func (value *WorkerCountValue) Type() string {
	return workerCountValueTypeConstant
}

// BindWorkerCountFlag attaches the worker count flag to the command and returns its value holder.
func BindWorkerCountFlag(command *cobra.Command, defaultCount int, maximum int) *WorkerCountValue {
	value := &WorkerCountValue{Count: defaultCount, Maximum: maximum}
	if command == nil {
		return value
	}
	if command.Flags().Lookup(WorkerCountFlagName) == nil {
		command.Flags().VarP(value, WorkerCountFlagName, WorkerCountFlagShorthand, WorkerCountFlagUsage)
	}
	return value
}
