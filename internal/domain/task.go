package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority determines dispatch order among waiting tasks.
// Higher values are dispatched first.
type Priority int

// Priority tiers, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the canonical lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsValid reports whether p is one of the four defined tiers.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a canonical priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Status represents the current state of a task.
type Status string

// Possible task status values.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timedOut"
)

// IsTerminal reports whether s is one of the four terminal states.
// A task in a terminal state is immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Task is one schedulable unit of external work. The scheduler owns all
// mutation; everyone else observes copies or terminal snapshots.
type Task struct {
	// ID uniquely identifies this attempt.
	ID uuid.UUID

	// RootID is the stable logical identity shared by all retry attempts
	// of the same submission. For a first attempt RootID == ID.
	RootID uuid.UUID

	// Kind is a caller-defined tag used for statistics grouping. Opaque
	// to the scheduler.
	Kind string

	Priority Priority
	Status   Status

	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time

	// Progress is 0-100 and only moves forward while the task is running.
	Progress int

	// RetryCount is the number of redispatch attempts so far.
	RetryCount int

	// Result and Err are mutually exclusive and set only on a terminal
	// transition.
	Result any
	Err    error
}

// Duration returns the wall-clock execution time of a task that has both
// started and ended, and zero otherwise.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Snapshot returns a value copy of the task suitable for handing to
// observers and the history log.
func (t *Task) Snapshot() Task {
	return *t
}
