// Package flags provides helpers for binding standardized execution flags to Cobra commands.
package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ExecutionDefaults describes default flag values shared across commands.
type ExecutionDefaults struct {
	AssumeYes bool
	Verbosity int
}

// ExecutionFlagDefinition captures a single flag's configuration.
type ExecutionFlagDefinition struct {
	Name      string
	Usage     string
	Shorthand string
	Enabled   bool
}

// ExecutionFlagDefinitions groups execution flag definitions.
type ExecutionFlagDefinitions struct {
	AssumeYes ExecutionFlagDefinition
	Verbosity ExecutionFlagDefinition
}

// BindExecutionFlags attaches standardized execution flags to the provided command using persistent scope.
func BindExecutionFlags(command *cobra.Command, defaults ExecutionDefaults, definitions ExecutionFlagDefinitions) {
	if command == nil {
		return
	}

	persistentFlagSet := command.PersistentFlags()

	if definitionUsable(persistentFlagSet, definitions.AssumeYes) {
		persistentFlagSet.BoolP(definitions.AssumeYes.Name, definitions.AssumeYes.Shorthand, defaults.AssumeYes, definitions.AssumeYes.Usage)
	}
	if definitionUsable(persistentFlagSet, definitions.Verbosity) {
		persistentFlagSet.IntP(definitions.Verbosity.Name, definitions.Verbosity.Shorthand, defaults.Verbosity, definitions.Verbosity.Usage)
	}
}

func definitionUsable(flagSet *pflag.FlagSet, definition ExecutionFlagDefinition) bool {
	if flagSet == nil || !definition.Enabled || len(definition.Name) == 0 {
		return false
	}
	return flagSet.Lookup(definition.Name) == nil
}
