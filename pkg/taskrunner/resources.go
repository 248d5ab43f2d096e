package taskrunner

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

const (
	unlockOfUnlockedMessageConstant = "unlock of unlocked mutex"
	lockReleaseTemplateConstant     = "release lock %q: %w"
	lockPanicTemplateConstant       = "release lock %q: %v"
)

var errUnlockOfUnlocked = errors.New(unlockOfUnlockedMessageConstant)

// Lock is a lock-like resource shared across workers.
type Lock interface {
	Lock()
	TryLock() bool
	Unlock() error
	Locked() bool
}

// TrackedMutex is a mutex that knows whether it is held and refuses to unlock when it is not.
type TrackedMutex struct {
	mutex sync.Mutex
	held  atomic.Bool
}

// Lock acquires the mutex.
func (trackedMutex *TrackedMutex) Lock() {
	trackedMutex.mutex.Lock()
	trackedMutex.held.Store(true)
}

// TryLock acquires the mutex when it is free.
func (trackedMutex *TrackedMutex) TryLock() bool {
	if !trackedMutex.mutex.TryLock() {
		return false
	}
	trackedMutex.held.Store(true)
	return true
}

// Unlock releases the mutex.
func (trackedMutex *TrackedMutex) Unlock() error {
	if !trackedMutex.held.CompareAndSwap(true, false) {
		return errUnlockOfUnlocked
	}
	trackedMutex.mutex.Unlock()
	return nil
}

// Locked reports whether the mutex is currently held.
func (trackedMutex *TrackedMutex) Locked() bool {
	return trackedMutex.held.Load()
}

// SharedResourceSet maps resource names to locks shared by all workers.
type SharedResourceSet struct {
	mutex sync.RWMutex
	locks map[string]Lock
}

// NewSharedResourceSet constructs a set pre-populated with tracked mutexes for the given names.
func NewSharedResourceSet(names ...string) *SharedResourceSet {
	resources := &SharedResourceSet{locks: make(map[string]Lock, len(names))}
	for _, name := range names {
		resources.locks[name] = &TrackedMutex{}
	}
	return resources
}

// Set registers or replaces the lock stored under name.
func (resources *SharedResourceSet) Set(name string, lock Lock) {
	resources.mutex.Lock()
	defer resources.mutex.Unlock()
	if resources.locks == nil {
		resources.locks = make(map[string]Lock)
	}
	resources.locks[name] = lock
}

// Get returns the lock stored under name.
func (resources *SharedResourceSet) Get(name string) (Lock, bool) {
	if resources == nil {
		return nil, false
	}
	resources.mutex.RLock()
	defer resources.mutex.RUnlock()
	lock, exists := resources.locks[name]
	return lock, exists
}

// With runs the function while holding the named lock; unknown names run the function unguarded.
func (resources *SharedResourceSet) With(name string, function func()) {
	lock, exists := resources.Get(name)
	if !exists || lock == nil {
		function()
		return
	}
	lock.Lock()
	defer func() {
		_ = lock.Unlock()
	}()
	function()
}

// ReleaseAll attempts to release every held lock. A failing lock never prevents the
// remaining ones from being attempted; failures are returned combined.
func (resources *SharedResourceSet) ReleaseAll() error {
	if resources == nil {
		return nil
	}
	resources.mutex.RLock()
	names := make([]string, 0, len(resources.locks))
	for name := range resources.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make([]Lock, len(names))
	for nameIndex, name := range names {
		snapshot[nameIndex] = resources.locks[name]
	}
	resources.mutex.RUnlock()

	var releaseErrors error
	for lockIndex, lock := range snapshot {
		releaseErrors = multierr.Append(releaseErrors, releaseLock(names[lockIndex], lock))
	}
	return releaseErrors
}

func releaseLock(name string, lock Lock) (releaseError error) {
	if lock == nil {
		return nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			releaseError = fmt.Errorf(lockPanicTemplateConstant, name, recovered)
		}
	}()
	if !lock.Locked() {
		return nil
	}
	if unlockError := lock.Unlock(); unlockError != nil {
		return fmt.Errorf(lockReleaseTemplateConstant, name, unlockError)
	}
	return nil
}
