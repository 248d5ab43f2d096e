package probe_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/threadrun/internal/hashdb"
	"github.com/tyemirov/threadrun/internal/probe"
	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const testPollIntervalConstant = 5 * time.Millisecond

type memoryStore struct {
	mutex      sync.Mutex
	values     map[string]string
	writeError error
	flushes    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (store *memoryStore) Write(key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.writeError != nil {
		return store.writeError
	}
	store.values[key] = value
	return nil
}

func (store *memoryStore) Retrieve(_ context.Context, key string) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, found := store.values[key]
	return value, found, nil
}

func (store *memoryStore) Flush(bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.flushes++
	return nil
}

type probeFixture struct {
	runner       *taskrunner.Runner
	prober       *probe.Prober
	output       *bytes.Buffer
	observedLogs *observer.ObservedLogs
}

func newProbeFixture(testInstance *testing.T, targets []string, configuration probe.Configuration, store probe.Store, progressBar *progressbar.ProgressBar) probeFixture {
	testInstance.Helper()
	observedCore, observedLogs := observer.New(zapcore.DebugLevel)
	logger := zap.New(observedCore)

	runner := taskrunner.NewRunner(logger)
	runner.Errors = &bytes.Buffer{}
	runner.PollInterval = testPollIntervalConstant
	runner.Tracer = func(string, error, []byte) {}
	runner.Resources = taskrunner.NewSharedResourceSet(probe.ValueLockName, probe.OutputLockName)

	output := &bytes.Buffer{}
	prober := probe.NewProber(configuration, probe.Dependencies{
		Queue:       probe.NewQueue(targets, runner.Resources),
		Store:       store,
		Resources:   runner.Resources,
		ProgressBar: progressBar,
		Output:      output,
		Logger:      logger,
	})
	return probeFixture{runner: runner, prober: prober, output: output, observedLogs: observedLogs}
}

func newStatusServer(testInstance *testing.T) *httptest.Server {
	testInstance.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/missing":
			writer.WriteHeader(http.StatusNotFound)
			_, _ = writer.Write([]byte("not here"))
		case "/broken":
			writer.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = writer.Write([]byte("hello " + request.URL.Path))
		}
	}))
	testInstance.Cleanup(server.Close)
	return server
}

func TestProberRecordsEveryTarget(testInstance *testing.T) {
	server := newStatusServer(testInstance)
	targets := []string{server.URL + "/a", server.URL + "/b", server.URL + "/missing", server.URL + "/broken", server.URL + "/c"}
	store := newMemoryStore()
	progressBar := progressbar.NewOptions(len(targets), progressbar.OptionSetWriter(&bytes.Buffer{}))

	fixture := newProbeFixture(testInstance, targets, probe.Configuration{Retries: 1}, store, progressBar)

	outcome, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(3), fixture.prober.Work)
	require.NoError(testInstance, runError)
	require.Zero(testInstance, outcome.Failures)

	require.Equal(testInstance, probe.Stats{Probed: int64(len(targets))}, fixture.prober.Stats())
	require.Len(testInstance, store.values, len(targets))
	require.True(testInstance, strings.HasPrefix(store.values["probe:"+server.URL+"/missing"], "404 8 "))
	require.Equal(testInstance, int64(len(targets)), progressBar.State().CurrentNum)

	outputLines := strings.Split(strings.TrimSpace(fixture.output.String()), "\n")
	require.Len(testInstance, outputLines, len(targets))
	require.Contains(testInstance, fixture.output.String(), server.URL+"/broken")
}

func TestProberResumesFromStore(testInstance *testing.T) {
	server := newStatusServer(testInstance)
	cachedTarget := server.URL + "/cached"
	store := newMemoryStore()
	require.NoError(testInstance, store.Write("probe:"+cachedTarget, "200 5 abcdef"))

	fixture := newProbeFixture(testInstance, []string{cachedTarget, server.URL + "/fresh"}, probe.Configuration{Resume: true}, store, nil)

	_, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(1), fixture.prober.Work)
	require.NoError(testInstance, runError)
	require.Equal(testInstance, probe.Stats{Probed: 1, Cached: 1}, fixture.prober.Stats())
	require.Contains(testInstance, fixture.output.String(), cachedTarget+" (cached)")
}

func TestProberSkipsUnreachableTargetAfterRetries(testInstance *testing.T) {
	unreachableServer := httptest.NewServer(http.NotFoundHandler())
	unreachableTarget := unreachableServer.URL + "/gone"
	unreachableServer.Close()

	reachableServer := newStatusServer(testInstance)
	targets := []string{unreachableTarget, reachableServer.URL + "/ok"}

	fixture := newProbeFixture(testInstance, targets, probe.Configuration{Retries: 2, Timeout: time.Second}, newMemoryStore(), nil)

	outcome, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(1), fixture.prober.Work)
	require.NoError(testInstance, runError)
	require.Zero(testInstance, outcome.Failures)
	require.Equal(testInstance, probe.Stats{Probed: 1, Skipped: 1}, fixture.prober.Stats())
	require.Equal(testInstance, 1, fixture.observedLogs.FilterMessage("retrying target").Len())
	require.Equal(testInstance, 1, fixture.observedLogs.FilterMessage("target skipped after repeated connection failures").Len())
	require.Contains(testInstance, fixture.output.String(), "skipped after 2 attempts")
}

func TestProberInvalidTargetFailsWorker(testInstance *testing.T) {
	testCases := []struct {
		name   string
		target string
	}{
		{name: "unsupported_scheme", target: "ftp://example.test/file"},
		{name: "relative", target: "example.test/path"},
		{name: "unparsable", target: "http://[::1"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			fixture := newProbeFixture(testInstance, []string{testCase.target}, probe.Configuration{}, newMemoryStore(), nil)

			outcome, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(1), fixture.prober.Work)
			require.NoError(testInstance, runError)
			require.Equal(testInstance, 1, outcome.Failures)

			errorLogs := fixture.observedLogs.FilterLevelExact(zapcore.ErrorLevel).All()
			require.Len(testInstance, errorLogs, 1)
			require.Contains(testInstance, errorLogs[0].Message, fmt.Sprintf("invalid target %q", testCase.target))
		})
	}
}

func TestProberStoreFailureIsFatal(testInstance *testing.T) {
	server := newStatusServer(testInstance)
	store := newMemoryStore()
	store.writeError = hashdb.ErrClosed

	fixture := newProbeFixture(testInstance, []string{server.URL + "/a", server.URL + "/b"}, probe.Configuration{}, store, nil)

	config := taskrunner.DefaultRunConfig(2)
	config.ForwardFatal = false
	_, runError := fixture.runner.Run(context.Background(), config, fixture.prober.Work)

	require.Error(testInstance, runError)
	require.Equal(testInstance, taskrunner.KindFatalPersistence, taskrunner.Classify(runError))
	require.True(testInstance, errors.Is(runError, hashdb.ErrClosed))
}

func TestProberWithHashDatabase(testInstance *testing.T) {
	server := newStatusServer(testInstance)
	database, openError := hashdb.Open(filepath.Join(testInstance.TempDir(), "probe.sqlite"), zap.NewNop())
	require.NoError(testInstance, openError)

	targets := []string{server.URL + "/one", server.URL + "/two"}
	fixture := newProbeFixture(testInstance, targets, probe.Configuration{}, database, nil)
	fixture.runner.Persistence = database

	_, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(2), fixture.prober.Work)
	require.NoError(testInstance, runError)
	require.Zero(testInstance, database.Pending())

	value, found, retrieveError := database.Retrieve(context.Background(), "probe:"+server.URL+"/two")
	require.NoError(testInstance, retrieveError)
	require.True(testInstance, found)
	require.True(testInstance, strings.HasPrefix(value, "200 "))
	require.NoError(testInstance, database.CloseAll())
}

func TestProberStopsOnCallerCancellation(testInstance *testing.T) {
	requestStarted := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestStarted <- struct{}{}
		<-request.Context().Done()
	}))
	defer server.Close()

	targets := []string{server.URL + "/1", server.URL + "/2", server.URL + "/3", server.URL + "/4"}
	fixture := newProbeFixture(testInstance, targets, probe.Configuration{Timeout: time.Minute}, newMemoryStore(), nil)

	callerContext, cancelCaller := context.WithCancel(context.Background())
	go func() {
		<-requestStarted
		<-requestStarted
		cancelCaller()
	}()

	outcome, runError := fixture.runner.Run(callerContext, taskrunner.DefaultRunConfig(2), fixture.prober.Work)
	require.ErrorIs(testInstance, runError, taskrunner.ErrCancelled)
	require.True(testInstance, outcome.Cancelled)
	require.Zero(testInstance, fixture.prober.Stats().Probed)
}

func TestProberRateLimitedRun(testInstance *testing.T) {
	server := newStatusServer(testInstance)
	targets := []string{server.URL + "/1", server.URL + "/2", server.URL + "/3"}
	fixture := newProbeFixture(testInstance, targets, probe.Configuration{RatePerSecond: 50}, nil, nil)

	startTime := time.Now()
	_, runError := fixture.runner.Run(context.Background(), taskrunner.DefaultRunConfig(3), fixture.prober.Work)
	require.NoError(testInstance, runError)
	require.Equal(testInstance, int64(3), fixture.prober.Stats().Probed)
	require.GreaterOrEqual(testInstance, time.Since(startTime), 30*time.Millisecond)
}
