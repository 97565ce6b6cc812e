package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/dispatch/internal/api/shared"
	"github.com/phrazzld/dispatch/internal/domain"
	"github.com/phrazzld/dispatch/internal/executor/shellexec"
	"github.com/phrazzld/dispatch/internal/task"
)

// Scheduler is the slice of the task scheduler the HTTP handlers use.
type Scheduler interface {
	Submit(executor task.Executor, opts task.Options) (uuid.UUID, error)
	Cancel(id uuid.UUID) error
	CancelAll()
	Get(id uuid.UUID) (domain.Task, bool)
	ActiveCount() int
	QueueLength() int
	QueueLengthByPriority() task.TierCounts
	SuccessRate(kind string) float64
	AverageDuration(kind string) time.Duration
	History(limit int) []domain.Task
}

// AIExecutorFactory builds an executor for an AI completion prompt. Nil
// when the deployment has no language model configured.
type AIExecutorFactory func(prompt string) task.Executor

// TaskHandler handles task submission, cancellation, and inspection.
type TaskHandler struct {
	scheduler Scheduler
	newAIExec AIExecutorFactory
	logger    *slog.Logger
}

// NewTaskHandler creates a new TaskHandler. newAIExec may be nil, in
// which case "ai" submissions are rejected.
func NewTaskHandler(scheduler Scheduler, newAIExec AIExecutorFactory, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		scheduler: scheduler,
		newAIExec: newAIExec,
		logger:    logger.With("component", "task_handler"),
	}
}

// SubmitTask handles POST /api/tasks requests.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	opts, err := h.optionsFrom(&req)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var executor task.Executor
	switch req.Type {
	case TaskTypeShell:
		exec := shellexec.New(h.logger, req.Command, req.Args...)
		if req.Dir != "" {
			exec = exec.WithDir(req.Dir)
		}
		if len(req.Env) > 0 {
			exec = exec.WithEnv(req.Env)
		}
		executor = exec
	case TaskTypeAI:
		if h.newAIExec == nil {
			shared.RespondWithError(w, r, http.StatusServiceUnavailable,
				"AI tasks are not available: no language model configured")
			return
		}
		executor = h.newAIExec(req.Prompt)
	}

	id, err := h.scheduler.Submit(executor, opts)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrSchedulerClosed):
			shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Scheduler is shutting down")
		default:
			shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
				"Failed to submit task", err)
		}
		return
	}

	snapshot, ok := h.scheduler.Get(id)
	if !ok {
		// Extremely short tasks can finish and age out of a tiny history
		// between Submit and Get; answer with what we know.
		snapshot = domain.Task{ID: id, RootID: id, Kind: opts.Kind, Priority: opts.Priority}
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(snapshot))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	snapshot, ok := h.scheduler.Get(id)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(snapshot))
}

// CancelTask handles DELETE /api/tasks/{id} requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	if err := h.scheduler.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to cancel task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelAllTasks handles DELETE /api/tasks requests.
func (h *TaskHandler) CancelAllTasks(w http.ResponseWriter, r *http.Request) {
	h.scheduler.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /api/stats requests. An optional ?kind= query
// adds success rate and average duration for that task kind.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		ActiveCount:     h.scheduler.ActiveCount(),
		QueueLength:     h.scheduler.QueueLength(),
		QueueByPriority: tierCountsToResponse(h.scheduler.QueueLengthByPriority()),
	}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		resp.Kind = &KindStats{
			Kind:              kind,
			SuccessRate:       h.scheduler.SuccessRate(kind),
			AverageDurationMs: h.scheduler.AverageDuration(kind).Milliseconds(),
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetHistory handles GET /api/history requests. An optional ?limit=
// query caps the number of returned records, newest first.
func (h *TaskHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	records := h.scheduler.History(limit)
	resp := make([]TaskResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, taskToResponse(rec))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func (h *TaskHandler) optionsFrom(req *SubmitTaskRequest) (task.Options, error) {
	priority := domain.PriorityNormal
	if req.Priority != "" {
		parsed, err := domain.ParsePriority(req.Priority)
		if err != nil {
			return task.Options{}, err
		}
		priority = parsed
	}

	kind := req.Kind
	if kind == "" {
		kind = req.Type
	}

	var timeout time.Duration
	switch {
	case req.TimeoutMs < 0:
		timeout = -1
	default:
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	return task.Options{
		Kind:     kind,
		Priority: priority,
		Timeout:  timeout,
		Retry: task.RetryPolicy{
			MaxRetries:        req.MaxRetries,
			BackoffMultiplier: req.BackoffMultiplier,
			BaseDelay:         time.Duration(req.BaseDelayMs) * time.Millisecond,
		},
	}, nil
}
