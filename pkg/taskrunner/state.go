package taskrunner

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RunState captures the flags shared by the supervisor and every worker of one run.
type RunState struct {
	continueFlag      atomic.Bool
	exceptionObserved atomic.Bool
	multipleCancel    atomic.Bool
	multiWorkerMode   atomic.Bool

	cancelMutex sync.Mutex
	lastCancel  time.Time
}

func newRunState() *RunState {
	state := &RunState{}
	state.reset()
	return state
}

// reset restores the entry flags; the last cancellation timestamp is kept on purpose
// so that signals straddling two runs still escalate.
func (state *RunState) reset() {
	state.continueFlag.Store(true)
	state.exceptionObserved.Store(false)
	state.multipleCancel.Store(false)
	state.multiWorkerMode.Store(false)
}

func (state *RunState) finalize() {
	state.multiWorkerMode.Store(false)
	state.continueFlag.Store(true)
	state.exceptionObserved.Store(false)
}

// Continue reports whether workers should keep going.
func (state *RunState) Continue() bool {
	return state.continueFlag.Load()
}

// ExceptionObserved reports whether the run has seen a cancellation or unexpected failure.
func (state *RunState) ExceptionObserved() bool {
	return state.exceptionObserved.Load()
}

// MultipleCancel reports whether the run escalated to a repeated cancellation.
func (state *RunState) MultipleCancel() bool {
	return state.multipleCancel.Load()
}

// MultiWorkerMode reports whether concurrent workers are currently active.
func (state *RunState) MultiWorkerMode() bool {
	return state.multiWorkerMode.Load()
}

// LastCancel returns the time of the most recent cancellation signal.
func (state *RunState) LastCancel() time.Time {
	state.cancelMutex.Lock()
	defer state.cancelMutex.Unlock()
	return state.lastCancel
}

func (state *RunState) stop() {
	state.continueFlag.Store(false)
	state.exceptionObserved.Store(true)
}

// recordCancellation stores the signal time and reports whether it landed inside
// the escalation window of the previous one.
func (state *RunState) recordCancellation(now time.Time, window time.Duration) bool {
	state.cancelMutex.Lock()
	defer state.cancelMutex.Unlock()
	escalated := !state.lastCancel.IsZero() && now.Sub(state.lastCancel) < window
	state.lastCancel = now
	return escalated
}

// WorkerScratch is the transient per-worker arena; it is created for each worker and dropped when it ends.
type WorkerScratch struct {
	LastCode       int
	LastPage       []byte
	LastRequestUID int
	RetriesCount   int
	Random         *rand.Rand
	ValueStack     []string
}

func newWorkerScratch(seed int64) *WorkerScratch {
	scratch := &WorkerScratch{}
	scratch.Random = rand.New(rand.NewSource(seed))
	return scratch
}

// Reset clears the arena while keeping its random source.
func (scratch *WorkerScratch) Reset() {
	scratch.LastCode = 0
	scratch.LastPage = nil
	scratch.LastRequestUID = 0
	scratch.RetriesCount = 0
	scratch.ValueStack = scratch.ValueStack[:0]
}

// Worker is handed to the unit of work and identifies the execution unit running it.
type Worker struct {
	Name    string
	Scratch *WorkerScratch
	state   *RunState
}

// Continue reports whether the worker should keep processing; workers check it at safe points.
func (worker *Worker) Continue() bool {
	if worker == nil || worker.state == nil {
		return true
	}
	return worker.state.Continue()
}

// WorkFunc is the unit of work executed by each worker. The context is cancelled on the first
// cancellation signal, at the same moment Worker.Continue starts returning false.
type WorkFunc func(ctx context.Context, worker *Worker) error

// workerHandle tracks one spawned goroutine.
type workerHandle struct {
	name string
	done chan struct{}
}

func (handle *workerHandle) alive() bool {
	select {
	case <-handle.done:
		return false
	default:
		return true
	}
}
