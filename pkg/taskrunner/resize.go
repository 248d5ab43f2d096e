package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultMaxWorkers caps the worker count unless the request carries the override marker.
	DefaultMaxWorkers = 10
	// OverrideMarker appended to a worker count bypasses the maximum check.
	OverrideMarker = "!"

	resizePromptTemplateConstant       = "please enter number of threads? [Enter for %d (current)] "
	maximumWorkersTemplateConstant     = "maximum number of used threads is %d avoiding potential connection issues"
	invalidWorkerCountTemplateConstant = "invalid number of threads %q"
	singleThreadWarningConstant        = "running in a single-thread mode. This could take a while"
	promptFailureMessageConstant       = "worker count prompt failed"
)

var (
	errWorkerCountNotNumeric = errors.New("worker count is not a positive number")
	errWorkerCountAboveLimit = errors.New("worker count exceeds the maximum")
)

// WorkerCountPrompter asks the user for a worker count.
type WorkerCountPrompter interface {
	PromptForInteger(message string, defaultValue string) (string, error)
}

// ResizePolicy decides whether the interactive resize prompt may be shown for a run.
type ResizePolicy func() bool

// ParseWorkerCount parses a requested worker count. A trailing OverrideMarker is stripped
// and lifts the maximum check.
func ParseWorkerCount(raw string, maximum int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	skipLimit := false
	if strings.HasSuffix(trimmed, OverrideMarker) {
		trimmed = strings.TrimSuffix(trimmed, OverrideMarker)
		skipLimit = true
	}

	if len(trimmed) == 0 || strings.TrimLeft(trimmed, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q", errWorkerCountNotNumeric, raw)
	}

	count, parseError := strconv.Atoi(trimmed)
	if parseError != nil || count < 1 {
		return 0, fmt.Errorf("%w: %q", errWorkerCountNotNumeric, raw)
	}

	if maximum > 0 && count > maximum && !skipLimit {
		return 0, fmt.Errorf("%w: %d > %d", errWorkerCountAboveLimit, count, maximum)
	}
	return count, nil
}

type promptAnswer struct {
	answer string
	err    error
}

// resolveWorkerCount applies the interactive resize flow and returns the effective worker count.
// A cancellation signal while the prompt is open ends the flow with ErrCancelled.
func (runner *Runner) resolveWorkerCount(ctx context.Context, config RunConfig) (int, error) {
	workerCount := config.WorkerCount
	if !config.AllowInteractiveResize || workerCount != 1 || runner.Prompter == nil {
		return workerCount, nil
	}
	if runner.ResizePolicy != nil && !runner.ResizePolicy() {
		return workerCount, nil
	}

	defaultAnswer := strconv.Itoa(workerCount)
	message := fmt.Sprintf(resizePromptTemplateConstant, workerCount)
	for {
		answer, promptError := runner.promptForWorkerCount(ctx, message, defaultAnswer)
		if errors.Is(promptError, ErrCancelled) {
			return 0, promptError
		}
		if promptError != nil {
			runner.logger().Debug(promptFailureMessageConstant, zap.Error(promptError))
			return 0, fmt.Errorf("%w: %v", ErrUserQuit, promptError)
		}
		if len(strings.TrimSpace(answer)) == 0 {
			answer = defaultAnswer
		}

		resolved, parseError := ParseWorkerCount(answer, runner.maxWorkers())
		if parseError == nil {
			workerCount = resolved
			break
		}
		if errors.Is(parseError, errWorkerCountAboveLimit) {
			runner.logger().Error(fmt.Sprintf(maximumWorkersTemplateConstant, runner.maxWorkers()))
			continue
		}
		runner.logger().Debug(fmt.Sprintf(invalidWorkerCountTemplateConstant, answer))
	}

	if workerCount == 1 {
		runner.logger().Warn(singleThreadWarningConstant)
	}
	return workerCount, nil
}

// promptForWorkerCount asks the prompter while watching for cancellation signals. An
// interrupted prompt is abandoned; its goroutine ends when the prompter returns.
func (runner *Runner) promptForWorkerCount(ctx context.Context, message string, defaultAnswer string) (string, error) {
	interrupts := runner.Interrupts
	callerDone := ctx.Done()
	if interrupts == nil && callerDone == nil {
		return runner.Prompter.PromptForInteger(message, defaultAnswer)
	}

	answers := make(chan promptAnswer, 1)
	go func() {
		answer, promptError := runner.Prompter.PromptForInteger(message, defaultAnswer)
		answers <- promptAnswer{answer: answer, err: promptError}
	}()

	for {
		select {
		case received := <-answers:
			return received.answer, received.err
		case _, open := <-interrupts:
			if !open {
				interrupts = nil
				continue
			}
			return "", ErrCancelled
		case <-callerDone:
			return "", ErrCancelled
		}
	}
}

func (runner *Runner) maxWorkers() int {
	if runner.MaxWorkers > 0 {
		return runner.MaxWorkers
	}
	return DefaultMaxWorkers
}
