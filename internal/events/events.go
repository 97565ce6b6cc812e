package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates lifecycle event types.
type Kind string

// Lifecycle event kinds, in the order they can occur for one task.
const (
	KindStarted   Kind = "started"
	KindOutput    Kind = "output"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
	KindTimedOut  Kind = "timedOut"
)

// Event is a typed lifecycle notification for one task. Only the fields
// relevant to Kind are populated; the zero values of the rest are
// meaningless and must be ignored by subscribers.
type Event struct {
	// Kind indicates which lifecycle transition or stream element this is.
	Kind Kind

	// TaskID identifies the attempt the event belongs to.
	TaskID uuid.UUID

	// RootID is the logical identity shared across retry attempts.
	RootID uuid.UUID

	// TaskKind is the caller-supplied grouping tag of the task.
	TaskKind string

	// Time is when the event was emitted.
	Time time.Time

	// Chunk carries streamed output for KindOutput events.
	Chunk string

	// Progress carries the 0-100 completion percentage for KindProgress
	// events.
	Progress int

	// Result carries the opaque success value for KindCompleted events.
	Result any

	// Error carries the failure message for KindFailed and KindTimedOut
	// events.
	Error string

	// WillRetry is set on KindFailed events when a retry successor has
	// been scheduled for the same RootID.
	WillRetry bool
}

// Terminal reports whether the event marks the end of a task's lifecycle.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled, KindTimedOut:
		return true
	default:
		return false
	}
}
