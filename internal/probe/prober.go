// Package probe fetches HTTP targets from a shared queue and records what it saw.
package probe

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 10 * time.Second
	// DefaultRetries is the number of attempts per target before it is skipped.
	DefaultRetries = 3

	userAgentConstant              = "threadrun/probe"
	maximumBodyBytesConstant       = 4 << 20
	storeKeyPrefixConstant         = "probe:"
	storeValueTemplateConstant     = "%d %d %s"
	invalidTargetTemplateConstant  = "invalid target %q: expected an absolute http or https URL"
	requestBuildTemplateConstant   = "build request for %s: %w"
	requestFailureTemplateConstant = "request %s: %w"
	storeFailureTemplateConstant   = "store result for %s: %w"
	resultLineTemplateConstant     = "[%s] %s (%d bytes) %s"
	cachedLineTemplateConstant     = "[%s] %s (cached)"
	skippedLineTemplateConstant    = "[%s] %s skipped after %d attempts"
	skippedLabelConstant           = "ERR"
	retryMessageConstant           = "retrying target"
	skippedMessageConstant         = "target skipped after repeated connection failures"
	targetLogFieldConstant         = "target"
	attemptLogFieldConstant        = "attempt"
	workerLogFieldConstant         = "worker"
)

var (
	successColor = color.New(color.FgGreen).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	infoColor    = color.New(color.FgCyan).SprintFunc()
)

// Store persists probe results between runs.
type Store interface {
	Write(key string, value string) error
	Retrieve(ctx context.Context, key string) (string, bool, error)
	Flush(force bool) error
}

// Configuration controls how targets are fetched.
type Configuration struct {
	Timeout       time.Duration
	RatePerSecond float64
	Retries       int
	Resume        bool
}

// Dependencies wires the collaborators shared by every worker.
type Dependencies struct {
	Queue       *Queue
	Store       Store
	Resources   *taskrunner.SharedResourceSet
	ProgressBar *progressbar.ProgressBar
	Output      io.Writer
	Logger      *zap.Logger
	Client      *http.Client
}

// Result describes a fetched target.
type Result struct {
	Target     string
	StatusCode int
	Length     int
	Digest     string
}

// Stats summarizes the work done by all workers.
type Stats struct {
	Probed  int64
	Cached  int64
	Skipped int64
}

// Prober is the unit of work executed by every worker.
type Prober struct {
	configuration Configuration
	dependencies  Dependencies
	limiter       *rate.Limiter
	probed        atomic.Int64
	cached        atomic.Int64
	skipped       atomic.Int64
}

// NewProber constructs a prober. A zero rate disables throttling.
func NewProber(configuration Configuration, dependencies Dependencies) *Prober {
	if configuration.Timeout <= 0 {
		configuration.Timeout = DefaultTimeout
	}
	if configuration.Retries <= 0 {
		configuration.Retries = 1
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Output == nil {
		dependencies.Output = io.Discard
	}
	if dependencies.Client == nil {
		dependencies.Client = &http.Client{
			Timeout: configuration.Timeout,
			CheckRedirect: func(request *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	prober := &Prober{configuration: configuration, dependencies: dependencies}
	if configuration.RatePerSecond > 0 {
		prober.limiter = rate.NewLimiter(rate.Limit(configuration.RatePerSecond), 1)
	}
	return prober
}

// Stats returns the counters accumulated so far.
func (prober *Prober) Stats() Stats {
	return Stats{
		Probed:  prober.probed.Load(),
		Cached:  prober.cached.Load(),
		Skipped: prober.skipped.Load(),
	}
}

// Work drains the queue until it is empty or the worker is told to stop.
func (prober *Prober) Work(ctx context.Context, worker *taskrunner.Worker) error {
	for worker.Continue() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		target, exists := prober.dependencies.Queue.Next()
		if !exists {
			return nil
		}

		if prober.configuration.Resume && prober.dependencies.Store != nil {
			cachedValue, found, retrieveError := prober.dependencies.Store.Retrieve(ctx, storeKey(target))
			if retrieveError != nil {
				return retrieveError
			}
			if found {
				prober.cached.Add(1)
				prober.emit(fmt.Sprintf(cachedLineTemplateConstant, infoColor(firstField(cachedValue)), target))
				continue
			}
		}

		result, probeError := prober.probeWithRetries(ctx, worker, target)
		if probeError != nil {
			if taskrunner.Classify(probeError) != taskrunner.KindConnection || ctx.Err() != nil {
				return probeError
			}
			prober.skipped.Add(1)
			prober.dependencies.Logger.Warn(
				skippedMessageConstant,
				zap.String(targetLogFieldConstant, target),
				zap.String(workerLogFieldConstant, workerName(worker)),
				zap.Error(probeError),
			)
			prober.emit(fmt.Sprintf(skippedLineTemplateConstant, errorColor(skippedLabelConstant), target, prober.configuration.Retries))
			continue
		}

		if storeError := prober.store(result); storeError != nil {
			return storeError
		}
		prober.probed.Add(1)
		prober.emit(fmt.Sprintf(resultLineTemplateConstant, statusLabel(result.StatusCode), result.Target, result.Length, result.Digest))
	}
	return nil
}

func (prober *Prober) probeWithRetries(ctx context.Context, worker *taskrunner.Worker, target string) (Result, error) {
	var lastError error
	for attempt := 1; attempt <= prober.configuration.Retries; attempt++ {
		if worker != nil && worker.Scratch != nil {
			worker.Scratch.RetriesCount = attempt - 1
		}
		result, probeError := prober.probeOnce(ctx, worker, target)
		if probeError == nil {
			return result, nil
		}
		if taskrunner.Classify(probeError) != taskrunner.KindConnection || ctx.Err() != nil {
			return Result{}, probeError
		}
		lastError = probeError
		if attempt < prober.configuration.Retries {
			prober.dependencies.Logger.Debug(
				retryMessageConstant,
				zap.String(targetLogFieldConstant, target),
				zap.Int(attemptLogFieldConstant, attempt),
				zap.Error(probeError),
			)
		}
	}
	return Result{}, lastError
}

func (prober *Prober) probeOnce(ctx context.Context, worker *taskrunner.Worker, target string) (Result, error) {
	parsedTarget, parseError := url.Parse(target)
	if parseError != nil || !parsedTarget.IsAbs() || (parsedTarget.Scheme != "http" && parsedTarget.Scheme != "https") || len(parsedTarget.Host) == 0 {
		return Result{}, taskrunner.NewValueError(fmt.Errorf(invalidTargetTemplateConstant, target))
	}

	if prober.limiter != nil {
		if waitError := prober.limiter.Wait(ctx); waitError != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, taskrunner.NewValueError(waitError)
		}
	}

	request, requestError := http.NewRequestWithContext(ctx, http.MethodGet, parsedTarget.String(), nil)
	if requestError != nil {
		return Result{}, taskrunner.NewValueError(fmt.Errorf(requestBuildTemplateConstant, target, requestError))
	}
	request.Header.Set("User-Agent", userAgentConstant)

	response, responseError := prober.dependencies.Client.Do(request)
	if responseError != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, taskrunner.NewConnectionError(fmt.Errorf(requestFailureTemplateConstant, target, responseError))
	}
	defer response.Body.Close()

	body, readError := io.ReadAll(io.LimitReader(response.Body, maximumBodyBytesConstant))
	if readError != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, taskrunner.NewConnectionError(fmt.Errorf(requestFailureTemplateConstant, target, readError))
	}

	digest := sha1.Sum(body)
	result := Result{
		Target:     target,
		StatusCode: response.StatusCode,
		Length:     len(body),
		Digest:     hex.EncodeToString(digest[:]),
	}

	if worker != nil && worker.Scratch != nil {
		worker.Scratch.LastCode = response.StatusCode
		worker.Scratch.LastPage = body
		worker.Scratch.LastRequestUID++
	}
	return result, nil
}

func (prober *Prober) store(result Result) error {
	if prober.dependencies.Store == nil {
		return nil
	}
	value := fmt.Sprintf(storeValueTemplateConstant, result.StatusCode, result.Length, result.Digest)
	if writeError := prober.dependencies.Store.Write(storeKey(result.Target), value); writeError != nil {
		return asFatal(fmt.Errorf(storeFailureTemplateConstant, result.Target, writeError))
	}
	if flushError := prober.dependencies.Store.Flush(false); flushError != nil {
		return asFatal(flushError)
	}
	return nil
}

func (prober *Prober) emit(line string) {
	prober.dependencies.Resources.With(OutputLockName, func() {
		progressBar := prober.dependencies.ProgressBar
		if progressBar != nil {
			_ = progressBar.Clear()
		}
		_, _ = fmt.Fprintln(prober.dependencies.Output, line)
		if progressBar != nil {
			_ = progressBar.Add(1)
		}
	})
}

func asFatal(err error) error {
	var persistenceError taskrunner.FatalPersistenceError
	if errors.As(err, &persistenceError) {
		return err
	}
	return taskrunner.NewFatalPersistenceError(err)
}

func storeKey(target string) string {
	return storeKeyPrefixConstant + target
}

func statusLabel(statusCode int) string {
	label := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 500:
		return errorColor(label)
	case statusCode >= 300:
		return warningColor(label)
	default:
		return successColor(label)
	}
}

func firstField(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return value
	}
	return fields[0]
}

func workerName(worker *taskrunner.Worker) string {
	if worker == nil {
		return ""
	}
	return worker.Name
}
