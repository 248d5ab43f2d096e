package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/threadrun/internal/hashdb"
	"github.com/tyemirov/threadrun/internal/probe"
	"github.com/tyemirov/threadrun/internal/prompt"
	"github.com/tyemirov/threadrun/internal/utils"
	flagutils "github.com/tyemirov/threadrun/internal/utils/flags"
	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const (
	probeCommandUseNameConstant              = "probe [targets...]"
	probeCommandShortDescriptionConstant     = "Fetch HTTP targets across concurrent workers"
	probeCommandLongDescriptionConstant      = "probe fetches every target with the configured number of workers and records status, length, and digest. Press Ctrl+C once to stop gracefully, twice within a second to abort."
	targetsFileFlagNameConstant              = "targets-file"
	targetsFileFlagUsageConstant             = "YAML file with a top-level targets list"
	hashDBFlagNameConstant                   = "hashdb"
	hashDBFlagUsageConstant                  = "SQLite file used to persist results between runs"
	timeoutFlagNameConstant                  = "timeout"
	timeoutFlagUsageConstant                 = "Timeout for a single request"
	rateFlagNameConstant                     = "rate"
	rateFlagUsageConstant                    = "Maximum requests per second across all workers (0 disables throttling)"
	retriesFlagNameConstant                  = "retries"
	retriesFlagUsageConstant                 = "Attempts per target before it is skipped"
	interactiveFlagNameConstant              = "interactive"
	interactiveFlagUsageConstant             = "Offer to raise the worker count when running single-threaded"
	resumeFlagNameConstant                   = "resume"
	resumeFlagUsageConstant                  = "Reuse results stored in the hash database"
	progressDescriptionConstant              = "probing"
	noTargetsErrorConstant                   = "no targets provided: pass URLs as arguments or use --targets-file"
	resumeWithoutHashDBErrorConstant         = "--resume requires --hashdb"
	invalidConfiguredThreadsTemplateConstant = "invalid probe.threads %q: %w"
	loadTargetsErrorTemplateConstant         = "unable to load targets: %w"
	openHashDBErrorTemplateConstant          = "unable to open hash database: %w"
	hashDBCloseFailedMessageConstant         = "hash database close failed"
	probeFinishedMessageConstant             = "probe finished"
	targetsLogFieldConstant                  = "targets"
	probedLogFieldConstant                   = "probed"
	cachedLogFieldConstant                   = "cached"
	skippedLogFieldConstant                  = "skipped"
	failuresLogFieldConstant                 = "failures"
	cancelledLogFieldConstant                = "cancelled"
	workersLogFieldConstant                  = "workers"
)

type probeCommandOptions struct {
	workerCount *flagutils.WorkerCountValue
	targetsFile string
	hashDBPath  string
	timeout     time.Duration
	rate        float64
	retries     int
	interactive bool
	resume      bool
}

func (application *Application) newProbeCommand() *cobra.Command {
	options := &probeCommandOptions{}

	probeCommand := &cobra.Command{
		Use:           probeCommandUseNameConstant,
		Short:         probeCommandShortDescriptionConstant,
		Long:          probeCommandLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(command *cobra.Command, arguments []string) error {
			return application.runProbeCommand(command, arguments, options)
		},
	}

	options.workerCount = flagutils.BindWorkerCountFlag(probeCommand, 1, taskrunner.DefaultMaxWorkers)
	probeCommand.Flags().StringVar(&options.targetsFile, targetsFileFlagNameConstant, "", targetsFileFlagUsageConstant)
	probeCommand.Flags().StringVar(&options.hashDBPath, hashDBFlagNameConstant, "", hashDBFlagUsageConstant)
	probeCommand.Flags().DurationVar(&options.timeout, timeoutFlagNameConstant, probe.DefaultTimeout, timeoutFlagUsageConstant)
	probeCommand.Flags().Float64Var(&options.rate, rateFlagNameConstant, 0, rateFlagUsageConstant)
	probeCommand.Flags().IntVar(&options.retries, retriesFlagNameConstant, probe.DefaultRetries, retriesFlagUsageConstant)
	probeCommand.Flags().BoolVar(&options.interactive, interactiveFlagNameConstant, true, interactiveFlagUsageConstant)
	probeCommand.Flags().BoolVar(&options.resume, resumeFlagNameConstant, false, resumeFlagUsageConstant)

	return probeCommand
}

// resolveProbeConfiguration overlays changed command-line flags on the loaded configuration.
func (application *Application) resolveProbeConfiguration(command *cobra.Command, options *probeCommandOptions) (ProbeConfiguration, int, error) {
	resolved := application.configuration.Probe
	changed := func(name string) bool {
		return command.Flags().Changed(name)
	}

	workerCount := 1
	if changed(flagutils.WorkerCountFlagName) {
		workerCount = options.workerCount.Count
	} else if configuredThreads := strings.TrimSpace(resolved.Threads); len(configuredThreads) > 0 {
		parsedCount, parseError := taskrunner.ParseWorkerCount(configuredThreads, taskrunner.DefaultMaxWorkers)
		if parseError != nil {
			return ProbeConfiguration{}, 0, fmt.Errorf(invalidConfiguredThreadsTemplateConstant, configuredThreads, parseError)
		}
		workerCount = parsedCount
	}

	if changed(targetsFileFlagNameConstant) {
		resolved.TargetsFile = options.targetsFile
	}
	if changed(hashDBFlagNameConstant) {
		resolved.HashDB = options.hashDBPath
	}
	if changed(timeoutFlagNameConstant) || resolved.Timeout <= 0 {
		resolved.Timeout = options.timeout
	}
	if changed(rateFlagNameConstant) {
		resolved.Rate = options.rate
	}
	if changed(retriesFlagNameConstant) || resolved.Retries <= 0 {
		resolved.Retries = options.retries
	}
	if changed(interactiveFlagNameConstant) {
		resolved.Interactive = options.interactive
	}
	if changed(resumeFlagNameConstant) {
		resolved.Resume = options.resume
	}

	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available && executionFlags.VerbositySet {
		resolved.Verbose = executionFlags.Verbosity
	}

	return resolved, workerCount, nil
}

func (application *Application) runProbeCommand(command *cobra.Command, arguments []string, options *probeCommandOptions) error {
	probeConfiguration, workerCount, resolveError := application.resolveProbeConfiguration(command, options)
	if resolveError != nil {
		return resolveError
	}

	var fileTargets []string
	if len(strings.TrimSpace(probeConfiguration.TargetsFile)) > 0 {
		loadedTargets, loadError := probe.LoadTargetsFile(probeConfiguration.TargetsFile)
		if loadError != nil {
			return fmt.Errorf(loadTargetsErrorTemplateConstant, loadError)
		}
		fileTargets = loadedTargets
	}

	targets := probe.NormalizeTargets(arguments, fileTargets)
	if len(targets) == 0 {
		return errors.New(noTargetsErrorConstant)
	}

	if probeConfiguration.Resume && len(strings.TrimSpace(probeConfiguration.HashDB)) == 0 {
		return errors.New(resumeWithoutHashDBErrorConstant)
	}

	assumeYes := application.configuration.Common.AssumeYes
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available && executionFlags.AssumeYesSet {
		assumeYes = executionFlags.AssumeYes
	}

	resources := taskrunner.NewSharedResourceSet(probe.ValueLockName, probe.OutputLockName)

	runner := taskrunner.NewRunner(application.logger)
	runner.Errors = application.errorOutput
	runner.Resources = resources
	runner.Verbosity = probeConfiguration.Verbose
	runner.Prompter = prompt.NewIOIntegerPrompter(application.input, application.errorOutput)
	runner.ResizePolicy = func() bool { return !assumeYes }

	interrupts, stopInterrupts := application.interruptSource()
	defer stopInterrupts()
	runner.Interrupts = interrupts

	var store probe.Store
	var database *hashdb.Database
	if len(strings.TrimSpace(probeConfiguration.HashDB)) > 0 {
		openedDatabase, openError := hashdb.Open(probeConfiguration.HashDB, application.logger)
		if openError != nil {
			return fmt.Errorf(openHashDBErrorTemplateConstant, openError)
		}
		database = openedDatabase
		store = openedDatabase
		runner.Persistence = openedDatabase
	}

	progressBar := progressbar.NewOptions(
		len(targets),
		progressbar.OptionSetWriter(application.errorOutput),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription(progressDescriptionConstant),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	bufferedOutput := bufio.NewWriter(application.output)
	defer bufferedOutput.Flush()

	prober := probe.NewProber(
		probe.Configuration{
			Timeout:       probeConfiguration.Timeout,
			RatePerSecond: probeConfiguration.Rate,
			Retries:       probeConfiguration.Retries,
			Resume:        probeConfiguration.Resume,
		},
		probe.Dependencies{
			Queue:       probe.NewQueue(targets, resources),
			Store:       store,
			Resources:   resources,
			ProgressBar: progressBar,
			Output:      utils.NewFlushingWriter(bufferedOutput),
			Logger:      application.logger,
		},
	)

	runConfiguration := taskrunner.DefaultRunConfig(workerCount)
	runConfiguration.AllowInteractiveResize = probeConfiguration.Interactive
	runConfiguration.Cleanup = func() {
		_ = progressBar.Finish()
		if database == nil {
			return
		}
		if closeError := database.CloseAll(); closeError != nil {
			application.logger.Warn(hashDBCloseFailedMessageConstant, zap.Error(closeError))
		}
	}

	outcome, runError := runner.Run(command.Context(), runConfiguration, prober.Work)

	if summaryLine := taskrunner.RenderSummaryLine(outcome); len(summaryLine) > 0 {
		fmt.Fprintln(bufferedOutput, summaryLine)
	}

	stats := prober.Stats()
	application.logger.Info(
		probeFinishedMessageConstant,
		zap.Int(targetsLogFieldConstant, len(targets)),
		zap.Int64(probedLogFieldConstant, stats.Probed),
		zap.Int64(cachedLogFieldConstant, stats.Cached),
		zap.Int64(skippedLogFieldConstant, stats.Skipped),
		zap.Int(workersLogFieldConstant, outcome.WorkerCount),
		zap.Int(failuresLogFieldConstant, outcome.Failures),
		zap.Bool(cancelledLogFieldConstant, outcome.Cancelled),
	)

	return runError
}
