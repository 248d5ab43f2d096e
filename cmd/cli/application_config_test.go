package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/threadrun/internal/utils"
)

func loadApplicationConfiguration(testInstance *testing.T, configurationPath string) ApplicationConfiguration {
	testInstance.Helper()
	loader := utils.NewConfigurationLoader(configurationNameConstant, configurationTypeConstant, environmentPrefixConstant, nil)
	loader.SetEmbeddedConfiguration(EmbeddedDefaultConfiguration())

	loadedConfiguration := ApplicationConfiguration{}
	_, loadError := loader.LoadConfiguration(configurationPath, nil, &loadedConfiguration)
	require.NoError(testInstance, loadError)
	return loadedConfiguration
}

func TestEmbeddedDefaultConfigurationDecodes(testInstance *testing.T) {
	loadedConfiguration := loadApplicationConfiguration(testInstance, "")

	require.Equal(testInstance, "info", loadedConfiguration.Common.LogLevel)
	require.Equal(testInstance, "console", loadedConfiguration.Common.LogFormat)
	require.Equal(testInstance, ProbeConfiguration{
		Threads:     "1",
		Timeout:     10 * time.Second,
		Retries:     3,
		Verbose:     1,
		Interactive: true,
	}, loadedConfiguration.Probe)
}

func TestApplicationConfigurationLayers(testInstance *testing.T) {
	testCases := []struct {
		name            string
		fileContent     string
		environment     map[string]string
		expectedThreads string
		expectedTimeout time.Duration
		expectedRate    float64
		expectedHashDB  string
	}{
		{
			name:            "override_marker_survives_file",
			fileContent:     "probe:\n  threads: \"25!\"\n  timeout: 250ms\n  hashdb: session.sqlite\n",
			expectedThreads: "25!",
			expectedTimeout: 250 * time.Millisecond,
			expectedHashDB:  "session.sqlite",
		},
		{
			name:        "environment_overrides_file",
			fileContent: "probe:\n  threads: \"4\"\n  timeout: 1s\n  rate: 1\n",
			environment: map[string]string{
				"THREADRUN_PROBE_THREADS": "12!",
				"THREADRUN_PROBE_TIMEOUT": "3s",
				"THREADRUN_PROBE_RATE":    "0.5",
				"THREADRUN_PROBE_HASHDB":  "env.sqlite",
			},
			expectedThreads: "12!",
			expectedTimeout: 3 * time.Second,
			expectedRate:    0.5,
			expectedHashDB:  "env.sqlite",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			configurationPath := filepath.Join(testInstance.TempDir(), configurationFileNameConstant)
			require.NoError(testInstance, os.WriteFile(configurationPath, []byte(testCase.fileContent), 0o600))
			for environmentName, environmentValue := range testCase.environment {
				testInstance.Setenv(environmentName, environmentValue)
			}

			loadedConfiguration := loadApplicationConfiguration(testInstance, configurationPath)

			require.Equal(testInstance, testCase.expectedThreads, loadedConfiguration.Probe.Threads)
			require.Equal(testInstance, testCase.expectedTimeout, loadedConfiguration.Probe.Timeout)
			require.InDelta(testInstance, testCase.expectedRate, loadedConfiguration.Probe.Rate, 0.0001)
			require.Equal(testInstance, testCase.expectedHashDB, loadedConfiguration.Probe.HashDB)
			require.Equal(testInstance, 3, loadedConfiguration.Probe.Retries)
		})
	}
}
