// Package task implements the scheduling and execution core: a
// priority-ordered queue of caller-supplied executors, a coordinator
// bounding concurrent execution, retry-with-backoff for transient
// failures, wall-clock timeouts, and a bounded history of terminal tasks
// for statistics.
//
// The scheduler never interprets the semantic content of a task's work
// or output; executors are opaque collaborators that stream progress via
// callbacks and settle a handle exactly once.
package task
