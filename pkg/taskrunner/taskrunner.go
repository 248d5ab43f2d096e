package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval bounds how long the supervisor sleeps between completion checks.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultEscalationWindow is the maximum gap between two cancellation signals that escalates to a hard abort.
	DefaultEscalationWindow = time.Second
	// MainWorkerName identifies the caller's goroutine in single-worker runs.
	MainWorkerName = "MainThread"

	startingWorkersTemplateConstant     = "starting %d threads"
	waitingForWorkersMessageConstant    = "waiting for threads to finish"
	waitingInterruptedSuffixConstant    = " (Ctrl+C was pressed)"
	workerFailureTemplateConstant       = "thread %s: '%s'"
	unexpectedFailureTemplateConstant   = "thread %s: unhandled failure occurred: %s"
	lockReleaseFailureMessageConstant   = "unable to release shared locks"
	persistenceFlushFailureMessage      = "unable to flush persistent handle"
	persistenceCloseFailureMessage      = "unable to close persistent handle"
	tracebackHeaderTemplateConstant     = "thread %s traceback (%v):\n"
	workerLogFieldConstant              = "worker"
	kindLogFieldConstant                = "kind"
	verboseDiagnosticsThresholdConstant = 1
)

// PersistentHandle is the optional process-wide persistence collaborator.
type PersistentHandle interface {
	Close() error
	Flush(force bool) error
}

// Tracer prints a full diagnostic trace for a worker failure.
type Tracer func(workerName string, failure error, stack []byte)

// RunConfig holds the immutable options of one run.
type RunConfig struct {
	WorkerCount            int
	AllowInteractiveResize bool
	ForwardFatal           bool
	EmitStartMessage       bool
	Cleanup                func()
}

// DefaultRunConfig returns the configuration used when callers only choose a worker count.
func DefaultRunConfig(workerCount int) RunConfig {
	return RunConfig{
		WorkerCount:      workerCount,
		ForwardFatal:     true,
		EmitStartMessage: true,
	}
}

// RunOutcome summarizes a finished run.
type RunOutcome struct {
	WorkerCount int
	Failures    int
	Cancelled   bool
	Duration    time.Duration
}

// Runner executes a unit of work across workers with cooperative cancellation and guaranteed teardown.
type Runner struct {
	Logger           *zap.Logger
	Errors           io.Writer
	Interrupts       <-chan struct{}
	Resources        *SharedResourceSet
	Persistence      PersistentHandle
	Prompter         WorkerCountPrompter
	ResizePolicy     ResizePolicy
	MaxWorkers       int
	Verbosity        int
	Tracer           Tracer
	PollInterval     time.Duration
	EscalationWindow time.Duration
	Now              func() time.Time

	state   *RunState
	running atomic.Bool
}

// NewRunner constructs a Runner with default collaborators.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		Logger:    logger,
		Errors:    os.Stderr,
		Resources: NewSharedResourceSet(),
		state:     newRunState(),
	}
}

// State exposes the run state shared with workers.
func (runner *Runner) State() *RunState {
	if runner.state == nil {
		runner.state = newRunState()
	}
	return runner.state
}

// Run executes work according to config. It returns after every worker has finished
// or, on repeated cancellation, after abandoning them. Teardown always runs exactly once.
//
// A cancellation signal escalates to ErrRepeatedCancellation when it arrives within
// EscalationWindow of the previous one, including one from an earlier run, or when it
// is the second signal of the same run. With a single worker the work runs inline and
// cannot be abandoned: a repeated cancellation is reported once the work returns, so
// inline work must honor its context to stop promptly.
func (runner *Runner) Run(ctx context.Context, config RunConfig, work WorkFunc) (outcome RunOutcome, runError error) {
	if !runner.running.CompareAndSwap(false, true) {
		return RunOutcome{}, ErrRunInProgress
	}
	defer runner.running.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}

	state := runner.State()
	state.reset()
	startTime := runner.now()

	defer func() {
		runner.teardown(state, config.Cleanup)
		outcome.Duration = runner.now().Sub(startTime)
	}()

	workerCount, resolveError := runner.resolveWorkerCount(ctx, config)
	if resolveError != nil {
		outcome.Cancelled = true
		return outcome, runner.handleCancellation(state, config, resolveError, true)
	}
	outcome.WorkerCount = workerCount

	if workerCount <= 1 {
		outcome.WorkerCount = 1
		return outcome, runner.runSingle(ctx, state, config, work, &outcome)
	}
	return outcome, runner.runMulti(ctx, state, config, workerCount, work, &outcome)
}

// runSingle executes work on the caller's goroutine. Only an interrupt watcher runs alongside it.
func (runner *Runner) runSingle(ctx context.Context, state *RunState, config RunConfig, work WorkFunc, outcome *RunOutcome) error {
	workContext, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var interrupted atomic.Bool
	stopWatching := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		interrupts := runner.Interrupts
		callerDone := ctx.Done()
		for {
			select {
			case <-stopWatching:
				return
			case _, open := <-interrupts:
				if !open {
					interrupts = nil
					continue
				}
				runner.signalInline(state, cancelWork, &interrupted)
			case <-callerDone:
				callerDone = nil
				runner.signalInline(state, cancelWork, &interrupted)
			}
		}
	}()

	worker := &Worker{Name: MainWorkerName, Scratch: newWorkerScratch(runner.now().UnixNano()), state: state}
	workError, stack := runner.invokeRecovering(workContext, worker, work)

	close(stopWatching)
	<-watcherDone

	if state.MultipleCancel() {
		outcome.Cancelled = true
		runner.separate()
		return ErrRepeatedCancellation
	}

	kind := Classify(workError)
	if kind == KindNone && interrupted.Load() {
		kind = KindCancellation
		workError = ErrCancelled
	}

	switch kind {
	case KindNone, KindUserQuit, KindSkipTarget:
		return nil
	case KindRepeatedCancellation:
		outcome.Cancelled = true
		runner.separate()
		return workError
	case KindCancellation:
		outcome.Cancelled = true
		return runner.handleCancellation(state, config, workError, !interrupted.Load())
	case KindFatalPersistence:
		runner.separate()
		return workError
	default:
		outcome.Failures++
		runner.separate()
		runner.reportSupervisorFailure(state, MainWorkerName, kind, workError, stack)
		return nil
	}
}

type workerReport struct {
	name string
	kind Kind
	err  error
}

// runMulti spawns workerCount goroutines and supervises them with bounded polling.
func (runner *Runner) runMulti(ctx context.Context, state *RunState, config RunConfig, workerCount int, work WorkFunc, outcome *RunOutcome) error {
	state.multiWorkerMode.Store(true)
	if config.EmitStartMessage {
		runner.logger().Info(fmt.Sprintf(startingWorkersTemplateConstant, workerCount))
	}

	workContext, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	reports := make(chan workerReport, workerCount)
	handles := make([]*workerHandle, 0, workerCount)
	seedBase := runner.now().UnixNano()
	for workerIndex := 0; workerIndex < workerCount; workerIndex++ {
		handle := &workerHandle{name: strconv.Itoa(workerIndex), done: make(chan struct{})}
		handles = append(handles, handle)
		worker := &Worker{Name: handle.name, Scratch: newWorkerScratch(seedBase + int64(workerIndex)), state: state}
		go runner.runWorker(workContext, state, handle, worker, work, reports)
	}

	ticker := time.NewTicker(runner.pollInterval())
	defer ticker.Stop()

	interrupts := runner.Interrupts
	callerDone := ctx.Done()
	cancelled := false
	signalled := false
	var fatalError error

	processReport := func(report workerReport) {
		switch report.kind {
		case KindCancellation, KindRepeatedCancellation:
			if !cancelled && fatalError == nil {
				cancelled = true
				runner.beginDrain(state, cancelWork)
			}
		case KindFatalPersistence:
			if fatalError == nil {
				fatalError = WorkerError{Worker: report.name, err: report.err}
				state.stop()
				cancelWork()
			}
		case KindConnection, KindValue:
			outcome.Failures++
		case KindUnexpected:
			outcome.Failures++
			state.exceptionObserved.Store(true)
		}
	}

	for anyAlive(handles) {
		select {
		case <-ticker.C:
		case report := <-reports:
			processReport(report)
		case _, open := <-interrupts:
			if !open {
				interrupts = nil
				continue
			}
			if runner.signalDuringWait(state, cancelWork, &cancelled, &signalled) {
				outcome.Cancelled = true
				return ErrRepeatedCancellation
			}
		case <-callerDone:
			callerDone = nil
			if runner.signalDuringWait(state, cancelWork, &cancelled, &signalled) {
				outcome.Cancelled = true
				return ErrRepeatedCancellation
			}
		}
	}

	for drained := false; !drained; {
		select {
		case report := <-reports:
			processReport(report)
		default:
			drained = true
		}
	}

	if fatalError != nil {
		runner.separate()
		return fatalError
	}
	if cancelled {
		outcome.Cancelled = true
		if config.ForwardFatal {
			return ErrCancelled
		}
	}
	return nil
}

// signalDuringWait handles an external cancellation signal received while workers run
// and reports whether it escalated to a repeated cancellation. Any signal after the first
// one of this wait escalates, however late it arrives.
func (runner *Runner) signalDuringWait(state *RunState, cancelWork context.CancelFunc, cancelled *bool, signalled *bool) bool {
	if *signalled {
		runner.escalate(state, cancelWork)
		return true
	}
	*signalled = true
	if !*cancelled {
		runner.separate()
	}
	if runner.observeCancellation(state, cancelWork) {
		return true
	}
	*cancelled = true
	runner.logger().Info(waitingForWorkersMessageConstant + waitingInterruptedSuffixConstant)
	return false
}

// signalInline handles a cancellation signal received while single-worker work runs inline.
func (runner *Runner) signalInline(state *RunState, cancelWork context.CancelFunc, interrupted *atomic.Bool) {
	if interrupted.Swap(true) {
		runner.escalate(state, cancelWork)
		return
	}
	runner.observeCancellation(state, cancelWork)
}

// beginDrain starts waiting for workers after a worker-originated cancellation.
func (runner *Runner) beginDrain(state *RunState, cancelWork context.CancelFunc) {
	state.stop()
	cancelWork()
	runner.separate()
	runner.logger().Info(waitingForWorkersMessageConstant)
}

// observeCancellation applies a cancellation signal to the run state and reports escalation.
func (runner *Runner) observeCancellation(state *RunState, cancelWork context.CancelFunc) bool {
	state.stop()
	cancelWork()
	if state.recordCancellation(runner.now(), runner.escalationWindow()) {
		state.multipleCancel.Store(true)
		return true
	}
	return false
}

// escalate marks the run as aborted by repeated cancellation.
func (runner *Runner) escalate(state *RunState, cancelWork context.CancelFunc) {
	state.stop()
	cancelWork()
	state.recordCancellation(runner.now(), runner.escalationWindow())
	state.multipleCancel.Store(true)
}

// handleCancellation finishes a run that was cancelled without escalation. Signals already
// observed by a watcher are not recorded a second time.
func (runner *Runner) handleCancellation(state *RunState, config RunConfig, cause error, record bool) error {
	runner.separate()
	state.stop()
	if record && state.recordCancellation(runner.now(), runner.escalationWindow()) {
		state.multipleCancel.Store(true)
		return ErrRepeatedCancellation
	}
	if !config.ForwardFatal {
		return nil
	}
	if errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrUserQuit) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}

func (runner *Runner) runWorker(ctx context.Context, state *RunState, handle *workerHandle, worker *Worker, work WorkFunc, reports chan<- workerReport) {
	defer close(handle.done)
	failure := runner.isolate(ctx, state, worker, work)
	if failure == nil {
		return
	}
	reports <- workerReport{name: worker.Name, kind: Classify(failure), err: failure}
}

// isolate is the fault-isolation adapter wrapping a worker's unit of work. It never lets a
// failure vanish without a log entry, except the silent quit and skip signals.
func (runner *Runner) isolate(ctx context.Context, state *RunState, worker *Worker, work WorkFunc) (failure error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			failure = panicError{value: recovered}
			runner.reportWorkerFailure(state, worker.Name, failure, debug.Stack())
		}
	}()

	workError := runner.invokeWithRelease(ctx, worker, work)
	if workError == nil {
		return nil
	}

	switch Classify(workError) {
	case KindCancellation, KindRepeatedCancellation:
		state.stop()
	case KindFatalPersistence:
	default:
		runner.reportWorkerFailure(state, worker.Name, workError, nil)
	}
	return workError
}

// invokeRecovering converts a panic raised by inline work into an unexpected failure.
func (runner *Runner) invokeRecovering(ctx context.Context, worker *Worker, work WorkFunc) (workError error, stack []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			workError = panicError{value: recovered}
			stack = debug.Stack()
		}
	}()
	return runner.invokeWithRelease(ctx, worker, work), nil
}

// invokeWithRelease runs work and always releases the worker's persistent handle afterwards.
func (runner *Runner) invokeWithRelease(ctx context.Context, worker *Worker, work WorkFunc) error {
	defer func() {
		if runner.Persistence == nil {
			return
		}
		if closeError := runner.Persistence.Close(); closeError != nil {
			runner.logger().Debug(persistenceCloseFailureMessage, zap.String(workerLogFieldConstant, worker.Name), zap.Error(closeError))
		}
	}()
	if work == nil {
		return nil
	}
	return work(ctx, worker)
}

func (runner *Runner) reportWorkerFailure(state *RunState, workerName string, failure error, stack []byte) {
	if !state.Continue() || state.MultipleCancel() || IsSilent(failure) {
		return
	}
	kind := Classify(failure)
	runner.logger().Error(
		fmt.Sprintf(workerFailureTemplateConstant, workerName, safeMessage(failure)),
		zap.String(workerLogFieldConstant, workerName),
		zap.String(kindLogFieldConstant, kind.String()),
	)
	if runner.Verbosity > verboseDiagnosticsThresholdConstant && kind != KindConnection {
		runner.trace(workerName, failure, stack)
	}
}

func (runner *Runner) reportSupervisorFailure(state *RunState, workerName string, kind Kind, failure error, stack []byte) {
	state.exceptionObserved.Store(true)
	switch kind {
	case KindConnection, KindValue:
		runner.logger().Error(
			fmt.Sprintf(workerFailureTemplateConstant, workerName, safeMessage(failure)),
			zap.String(workerLogFieldConstant, workerName),
			zap.String(kindLogFieldConstant, kind.String()),
		)
		if runner.Verbosity > verboseDiagnosticsThresholdConstant && kind == KindValue {
			runner.trace(workerName, failure, stack)
		}
	default:
		if state.MultipleCancel() {
			return
		}
		runner.logger().Error(
			fmt.Sprintf(unexpectedFailureTemplateConstant, workerName, safeMessage(failure)),
			zap.String(workerLogFieldConstant, workerName),
			zap.String(kindLogFieldConstant, kind.String()),
		)
		runner.trace(workerName, failure, stack)
	}
}

func (runner *Runner) trace(workerName string, failure error, stack []byte) {
	if len(stack) == 0 {
		stack = debug.Stack()
	}
	if runner.Tracer != nil {
		runner.Tracer(workerName, failure, stack)
		return
	}
	if runner.Errors == nil {
		return
	}
	fmt.Fprintf(runner.Errors, tracebackHeaderTemplateConstant, workerName, failure)
	_, _ = runner.Errors.Write(stack)
}

// teardown restores the run state and releases shared resources: locks first, then the
// persistent handle flush, then the caller's cleanup.
func (runner *Runner) teardown(state *RunState, cleanup func()) {
	state.finalize()

	if releaseError := runner.Resources.ReleaseAll(); releaseError != nil {
		runner.logger().Debug(lockReleaseFailureMessageConstant, zap.Error(releaseError))
	}

	if runner.Persistence != nil {
		if flushError := runner.Persistence.Flush(true); flushError != nil {
			runner.logger().Warn(persistenceFlushFailureMessage, zap.Error(flushError))
		}
	}

	if cleanup != nil {
		cleanup()
	}
}

// separate prints the blank line that visually splits worker output from a failure report.
func (runner *Runner) separate() {
	if runner.Errors == nil {
		return
	}
	fmt.Fprintln(runner.Errors)
}

func (runner *Runner) logger() *zap.Logger {
	if runner.Logger == nil {
		return zap.NewNop()
	}
	return runner.Logger
}

func (runner *Runner) now() time.Time {
	if runner.Now != nil {
		return runner.Now()
	}
	return time.Now()
}

func (runner *Runner) pollInterval() time.Duration {
	if runner.PollInterval > 0 {
		return runner.PollInterval
	}
	return DefaultPollInterval
}

func (runner *Runner) escalationWindow() time.Duration {
	if runner.EscalationWindow > 0 {
		return runner.EscalationWindow
	}
	return DefaultEscalationWindow
}

func anyAlive(handles []*workerHandle) bool {
	for _, handle := range handles {
		if handle.alive() {
			return true
		}
	}
	return false
}
