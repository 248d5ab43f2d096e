// Package taskrunner runs a unit of work across concurrent workers. A `Runner`
// owns the run state shared with its workers, isolates worker failures so that
// one fault never takes down the supervisor, escalates repeated cancellation
// signals to a hard abort, and always tears down shared locks, the persistent
// handle and the caller's cleanup exactly once. A worker count of one executes
// the work inline on the caller's goroutine.
package taskrunner
