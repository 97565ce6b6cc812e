package api

import (
	"time"

	"github.com/phrazzld/dispatch/internal/domain"
	"github.com/phrazzld/dispatch/internal/task"
)

// Task type discriminators accepted by POST /api/tasks.
const (
	TaskTypeShell = "shell"
	TaskTypeAI    = "ai"
)

// SubmitTaskRequest represents the request body for submitting a new task.
// Type selects the executor: "shell" runs Command with Args, "ai" issues
// a completion request for Prompt.
type SubmitTaskRequest struct {
	Type    string   `json:"type"    validate:"required,oneof=shell ai"`
	Command string   `json:"command" validate:"required_if=Type shell"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
	Prompt  string   `json:"prompt"  validate:"required_if=Type ai"`

	Kind     string `json:"kind"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high critical"`

	// TimeoutMs of 0 uses the scheduler default; a negative value
	// disables the deadline for this submission.
	TimeoutMs int `json:"timeout_ms"`

	MaxRetries        int     `json:"max_retries"        validate:"gte=0"`
	BackoffMultiplier float64 `json:"backoff_multiplier" validate:"gte=0"`
	BaseDelayMs       int     `json:"base_delay_ms"      validate:"gte=0"`
}

// TaskResponse represents the response data for a single task attempt.
type TaskResponse struct {
	ID          string     `json:"id"`
	RootID      string     `json:"root_id"`
	Kind        string     `json:"kind"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Progress    int        `json:"progress"`
	RetryCount  int        `json:"retry_count"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// QueueByPriority breaks the queue length down per priority tier.
type QueueByPriority struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
}

// KindStats carries the per-kind statistics requested via ?kind=.
type KindStats struct {
	Kind              string  `json:"kind"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs int64   `json:"average_duration_ms"`
}

// StatsResponse represents the response data for GET /api/stats.
type StatsResponse struct {
	ActiveCount     int             `json:"active_count"`
	QueueLength     int             `json:"queue_length"`
	QueueByPriority QueueByPriority `json:"queue_by_priority"`
	Kind            *KindStats      `json:"kind,omitempty"`
}

func taskToResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID.String(),
		RootID:      t.RootID.String(),
		Kind:        t.Kind,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		SubmittedAt: t.SubmittedAt,
		Progress:    t.Progress,
		RetryCount:  t.RetryCount,
		Result:      t.Result,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		resp.StartedAt = &started
	}
	if !t.EndedAt.IsZero() {
		ended := t.EndedAt
		resp.EndedAt = &ended
		resp.DurationMs = t.Duration().Milliseconds()
	}
	if t.Err != nil {
		resp.Error = t.Err.Error()
	}
	return resp
}

func tierCountsToResponse(c task.TierCounts) QueueByPriority {
	return QueueByPriority{
		Critical: c.Critical,
		High:     c.High,
		Normal:   c.Normal,
		Low:      c.Low,
	}
}
