package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch/internal/domain"
)

// DefaultHistoryCapacity is the number of terminal task snapshots kept
// when no explicit capacity is configured.
const DefaultHistoryCapacity = 50

// Registry tracks every live (queued or running) task by id and keeps a
// bounded ring buffer of immutable terminal snapshots for statistics.
// The registry owns the task records: all field mutation goes through
// Update so that readers never observe a torn write.
type Registry struct {
	mu   sync.RWMutex
	live map[uuid.UUID]*domain.Task

	// history is a fixed ring; head is the next write position.
	history []domain.Task
	head    int
	count   int
}

// NewRegistry creates a registry with the given history capacity.
// Non-positive capacities select DefaultHistoryCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &Registry{
		live:    make(map[uuid.UUID]*domain.Task),
		history: make([]domain.Task, capacity),
	}
}

// AddLive registers a newly submitted task record.
func (r *Registry) AddLive(t *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[t.ID] = t
}

// Update applies fn to the live task with the given id under the
// registry lock. It reports whether the task was found.
func (r *Registry) Update(id uuid.UUID, fn func(*domain.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Get returns a copy of the live task with the given id.
func (r *Registry) Get(id uuid.UUID) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.live[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Snapshot(), true
}

// RecordTerminal removes the task from the live set and appends its
// terminal snapshot to the history ring, evicting the oldest entry when
// full. The snapshot is never mutated afterwards.
func (r *Registry) RecordTerminal(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.live[id]
	if !ok {
		return false
	}
	delete(r.live, id)

	r.history[r.head] = t.Snapshot()
	r.head = (r.head + 1) % len(r.history)
	if r.count < len(r.history) {
		r.count++
	}
	return true
}

// InHistory reports whether a terminal snapshot for the id is retained.
func (r *Registry) InHistory(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.history)) % len(r.history)
		if r.history[idx].ID == id {
			return true
		}
	}
	return false
}

// History returns up to limit terminal snapshots, newest first. A
// non-positive limit returns everything retained.
func (r *Registry) History(limit int) []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	if limit <= 0 || limit > r.count {
		limit = r.count
	}

	out := make([]domain.Task, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.head - 1 - i + len(r.history)) % len(r.history)
		out = append(out, r.history[idx])
	}
	return out
}

// ActiveCount returns the number of live tasks currently running.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.live {
		if t.Status == domain.StatusRunning {
			n++
		}
	}
	return n
}

// QueueLength returns the number of live tasks waiting to run, including
// retry successors waiting out their backoff delay.
func (r *Registry) QueueLength() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.live {
		if t.Status == domain.StatusQueued {
			n++
		}
	}
	return n
}

// QueueLengthByPriority returns the waiting tasks per priority tier.
func (r *Registry) QueueLengthByPriority() TierCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c TierCounts
	for _, t := range r.live {
		if t.Status != domain.StatusQueued {
			continue
		}
		switch t.Priority {
		case domain.PriorityCritical:
			c.Critical++
		case domain.PriorityHigh:
			c.High++
		case domain.PriorityNormal:
			c.Normal++
		case domain.PriorityLow:
			c.Low++
		}
	}
	return c
}

// SuccessRate returns the fraction of logical tasks in history that
// ended in success, optionally filtered by kind. Retry attempts sharing
// a RootID count as one logical task, decided by their newest attempt.
// Returns 0 when nothing matches.
func (r *Registry) SuccessRate(kind string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	total, succeeded := 0, 0

	// Walk newest to oldest so the latest attempt of each root decides.
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.history)) % len(r.history)
		t := &r.history[idx]
		if kind != "" && t.Kind != kind {
			continue
		}
		if seen[t.RootID] {
			continue
		}
		seen[t.RootID] = true
		total++
		if t.Status == domain.StatusSuccess {
			succeeded++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total)
}

// AverageDuration returns the mean execution time of terminal attempts
// that actually ran, optionally filtered by kind. Returns 0 when nothing
// matches.
func (r *Registry) AverageDuration(kind string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sum time.Duration
	n := 0
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.history)) % len(r.history)
		t := &r.history[idx]
		if kind != "" && t.Kind != kind {
			continue
		}
		d := t.Duration()
		if d <= 0 {
			continue
		}
		sum += d
		n++
	}

	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}
