package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch/internal/domain"
	"github.com/phrazzld/dispatch/internal/task"
)

// stubScheduler records calls and returns canned answers.
type stubScheduler struct {
	submitID   uuid.UUID
	submitErr  error
	submitOpts task.Options
	submitExec task.Executor

	cancelErr    error
	cancelledID  uuid.UUID
	cancelledAll bool

	tasks   map[uuid.UUID]domain.Task
	history []domain.Task

	active int
	queued int
	tiers  task.TierCounts
	rate   float64
	avg    time.Duration
}

func (s *stubScheduler) Submit(executor task.Executor, opts task.Options) (uuid.UUID, error) {
	s.submitExec = executor
	s.submitOpts = opts
	return s.submitID, s.submitErr
}

func (s *stubScheduler) Cancel(id uuid.UUID) error {
	s.cancelledID = id
	return s.cancelErr
}

func (s *stubScheduler) CancelAll() { s.cancelledAll = true }

func (s *stubScheduler) Get(id uuid.UUID) (domain.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

func (s *stubScheduler) ActiveCount() int { return s.active }

func (s *stubScheduler) QueueLength() int { return s.queued }

func (s *stubScheduler) QueueLengthByPriority() task.TierCounts { return s.tiers }

func (s *stubScheduler) SuccessRate(string) float64 { return s.rate }

func (s *stubScheduler) AverageDuration(string) time.Duration { return s.avg }

func (s *stubScheduler) History(limit int) []domain.Task {
	if limit > 0 && limit < len(s.history) {
		return s.history[:limit]
	}
	return s.history
}

type nopExecutor struct{}

func (nopExecutor) Start(context.Context, task.Callbacks) (task.Handle, error) {
	return nil, errors.New("not started in tests")
}

func newTestRouter(sched Scheduler, aiFactory AIExecutorFactory) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewTaskHandler(sched, aiFactory, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", h.SubmitTask)
		r.Delete("/tasks", h.CancelAllTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Delete("/tasks/{id}", h.CancelTask)
		r.Get("/stats", h.GetStats)
		r.Get("/history", h.GetHistory)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func queuedTask(id uuid.UUID, kind string) domain.Task {
	return domain.Task{
		ID:          id,
		RootID:      id,
		Kind:        kind,
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusQueued,
		SubmittedAt: time.Now(),
	}
}

func TestSubmitShellTask(t *testing.T) {
	id := uuid.New()
	sched := &stubScheduler{
		submitID: id,
		tasks:    map[uuid.UUID]domain.Task{id: queuedTask(id, "build")},
	}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Type:              TaskTypeShell,
		Command:           "make",
		Args:              []string{"build"},
		Kind:              "build",
		Priority:          "high",
		TimeoutMs:         5000,
		MaxRetries:        2,
		BackoffMultiplier: 2.0,
		BaseDelayMs:       100,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, id.String(), resp.ID)
	assert.Equal(t, "build", resp.Kind)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)

	assert.Equal(t, "build", sched.submitOpts.Kind)
	assert.Equal(t, domain.PriorityHigh, sched.submitOpts.Priority)
	assert.Equal(t, 5*time.Second, sched.submitOpts.Timeout)
	assert.Equal(t, 2, sched.submitOpts.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, sched.submitOpts.Retry.BaseDelay)
	assert.NotNil(t, sched.submitExec)
}

func TestSubmitDefaultsKindToType(t *testing.T) {
	id := uuid.New()
	sched := &stubScheduler{
		submitID: id,
		tasks:    map[uuid.UUID]domain.Task{id: queuedTask(id, "shell")},
	}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Type:    TaskTypeShell,
		Command: "true",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "shell", sched.submitOpts.Kind)
	assert.Equal(t, domain.PriorityNormal, sched.submitOpts.Priority)
}

func TestSubmitAITaskUsesFactory(t *testing.T) {
	id := uuid.New()
	sched := &stubScheduler{
		submitID: id,
		tasks:    map[uuid.UUID]domain.Task{id: queuedTask(id, "ai")},
	}
	var gotPrompt string
	factory := func(prompt string) task.Executor {
		gotPrompt = prompt
		return nopExecutor{}
	}
	router := newTestRouter(sched, factory)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Type:   TaskTypeAI,
		Prompt: "summarize the build log",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "summarize the build log", gotPrompt)
}

func TestSubmitAITaskWithoutModelConfigured(t *testing.T) {
	router := newTestRouter(&stubScheduler{submitID: uuid.New()}, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Type:   TaskTypeAI,
		Prompt: "hello",
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitTaskRequest
	}{
		{"missing type", SubmitTaskRequest{Command: "ls"}},
		{"unknown type", SubmitTaskRequest{Type: "cron", Command: "ls"}},
		{"shell without command", SubmitTaskRequest{Type: TaskTypeShell}},
		{"ai without prompt", SubmitTaskRequest{Type: TaskTypeAI}},
		{"bad priority", SubmitTaskRequest{Type: TaskTypeShell, Command: "ls", Priority: "urgent"}},
		{"negative retries", SubmitTaskRequest{Type: TaskTypeShell, Command: "ls", MaxRetries: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubScheduler{submitID: uuid.New()}, nil)
			rec := doJSON(t, router, http.MethodPost, "/api/tasks", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	router := newTestRouter(&stubScheduler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitWhileShuttingDown(t *testing.T) {
	sched := &stubScheduler{submitErr: fmt.Errorf("submit: %w", domain.ErrSchedulerClosed)}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Type:    TaskTypeShell,
		Command: "true",
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTask(t *testing.T) {
	id := uuid.New()
	sched := &stubScheduler{tasks: map[uuid.UUID]domain.Task{id: queuedTask(id, "build")}}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, id.String(), resp.ID)
}

func TestGetTaskNotFound(t *testing.T) {
	router := newTestRouter(&stubScheduler{tasks: map[uuid.UUID]domain.Task{}}, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskInvalidID(t *testing.T) {
	router := newTestRouter(&stubScheduler{}, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	id := uuid.New()
	sched := &stubScheduler{}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodDelete, "/api/tasks/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, id, sched.cancelledID)
}

func TestCancelTaskNotFound(t *testing.T) {
	sched := &stubScheduler{cancelErr: domain.ErrTaskNotFound}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodDelete, "/api/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAllTasks(t *testing.T) {
	sched := &stubScheduler{}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodDelete, "/api/tasks", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, sched.cancelledAll)
}

func TestGetStats(t *testing.T) {
	sched := &stubScheduler{
		active: 2,
		queued: 5,
		tiers:  task.TierCounts{Critical: 1, Normal: 3, Low: 1},
	}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.ActiveCount)
	assert.Equal(t, 5, resp.QueueLength)
	assert.Equal(t, 1, resp.QueueByPriority.Critical)
	assert.Equal(t, 3, resp.QueueByPriority.Normal)
	assert.Nil(t, resp.Kind)
}

func TestGetStatsWithKind(t *testing.T) {
	sched := &stubScheduler{rate: 0.75, avg: 1500 * time.Millisecond}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/stats?kind=build", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Kind)
	assert.Equal(t, "build", resp.Kind.Kind)
	assert.InDelta(t, 0.75, resp.Kind.SuccessRate, 0.001)
	assert.Equal(t, int64(1500), resp.Kind.AverageDurationMs)
}

func TestGetHistory(t *testing.T) {
	now := time.Now()
	older := domain.Task{
		ID: uuid.New(), RootID: uuid.New(), Kind: "build",
		Priority: domain.PriorityNormal, Status: domain.StatusSuccess,
		SubmittedAt: now.Add(-2 * time.Minute),
		StartedAt:   now.Add(-2 * time.Minute),
		EndedAt:     now.Add(-time.Minute),
	}
	newer := domain.Task{
		ID: uuid.New(), RootID: uuid.New(), Kind: "lint",
		Priority: domain.PriorityLow, Status: domain.StatusFailed,
		SubmittedAt: now.Add(-time.Minute),
		StartedAt:   now.Add(-time.Minute),
		EndedAt:     now,
		Err:         errors.New("exited with code 1"),
	}
	sched := &stubScheduler{history: []domain.Task{newer, older}}
	router := newTestRouter(sched, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "lint", resp[0].Kind)
	assert.Equal(t, "exited with code 1", resp[0].Error)
	assert.Equal(t, int64(60000), resp[0].DurationMs)
	assert.Equal(t, "build", resp[1].Kind)
	assert.Empty(t, resp[1].Error)
}

func TestGetHistoryLimit(t *testing.T) {
	var records []domain.Task
	for i := 0; i < 5; i++ {
		records = append(records, queuedTask(uuid.New(), "build"))
	}
	router := newTestRouter(&stubScheduler{history: records}, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp, 2)
}

func TestGetHistoryInvalidLimit(t *testing.T) {
	router := newTestRouter(&stubScheduler{}, nil)

	for _, limit := range []string{"abc", "-1"} {
		rec := doJSON(t, router, http.MethodGet, "/api/history?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}
