package probe

import (
	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const (
	// ValueLockName guards the shared target queue.
	ValueLockName = "value"
	// OutputLockName guards the progress bar and result output.
	OutputLockName = "io"
)

// Queue hands out targets to workers one at a time.
type Queue struct {
	targets   []string
	position  int
	resources *taskrunner.SharedResourceSet
}

// NewQueue constructs a queue that pops under the shared value lock.
func NewQueue(targets []string, resources *taskrunner.SharedResourceSet) *Queue {
	return &Queue{
		targets:   append([]string{}, targets...),
		resources: resources,
	}
}

// Next returns the next target, or false when the queue is drained.
func (queue *Queue) Next() (string, bool) {
	var (
		target string
		exists bool
	)
	queue.resources.With(ValueLockName, func() {
		if queue.position >= len(queue.targets) {
			return
		}
		target = queue.targets[queue.position]
		queue.position++
		exists = true
	})
	return target, exists
}

// Len returns the number of targets the queue was built with.
func (queue *Queue) Len() int {
	return len(queue.targets)
}
