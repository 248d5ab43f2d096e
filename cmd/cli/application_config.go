package cli

import (
	_ "embed"
	"time"
)

const embeddedDefaultConfigurationTypeConstant = "yaml"

//go:embed default_config.yaml
var embeddedDefaultConfiguration []byte

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common ApplicationCommonConfiguration `mapstructure:"common"`
	Probe  ProbeConfiguration             `mapstructure:"probe"`
}

// ApplicationCommonConfiguration stores logging and execution defaults shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	AssumeYes bool   `mapstructure:"assume_yes"`
}

// ProbeConfiguration stores defaults for the probe command.
// Threads is a string so that the override marker survives configuration files.
type ProbeConfiguration struct {
	Threads     string        `mapstructure:"threads"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Rate        float64       `mapstructure:"rate"`
	Retries     int           `mapstructure:"retries"`
	HashDB      string        `mapstructure:"hashdb"`
	Verbose     int           `mapstructure:"verbose"`
	Interactive bool          `mapstructure:"interactive"`
	Resume      bool          `mapstructure:"resume"`
	TargetsFile string        `mapstructure:"targets_file"`
}

// EmbeddedDefaultConfiguration returns the configuration shipped with the binary and its format.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	duplicated := make([]byte, len(embeddedDefaultConfiguration))
	copy(duplicated, embeddedDefaultConfiguration)
	return duplicated, embeddedDefaultConfigurationTypeConstant
}
