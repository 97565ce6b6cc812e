package task

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch/internal/domain"
	"github.com/phrazzld/dispatch/internal/events"
)

// Execution errors recorded on tasks the scheduler terminates itself.
var (
	// ErrCancelled is recorded on tasks terminated by a caller.
	ErrCancelled = errors.New("task cancelled")

	// ErrTimedOut is recorded on tasks that exceeded their wall-clock
	// timeout. Timed-out tasks are never auto-retried.
	ErrTimedOut = errors.New("task timed out")
)

// Config holds scheduler construction parameters.
type Config struct {
	// MaxConcurrent is the worker-slot budget. Defaults to 3.
	MaxConcurrent int

	// MinDispatchInterval rate-limits dispatches. Zero disables it.
	MinDispatchInterval time.Duration

	// DefaultTimeout applies to submissions that do not set their own.
	// Zero means no default timeout.
	DefaultTimeout time.Duration

	// HistoryCapacity bounds the terminal-task ring buffer.
	// Defaults to DefaultHistoryCapacity.
	HistoryCapacity int

	// TickInterval is the period of the safety-net scheduling pass.
	// Defaults to 500ms.
	TickInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   3,
		HistoryCapacity: DefaultHistoryCapacity,
		TickInterval:    500 * time.Millisecond,
	}
}

// Options configure one submission.
type Options struct {
	// Kind is a caller-defined tag used for statistics grouping.
	Kind string

	// Priority selects the dispatch tier. The zero value is low.
	Priority domain.Priority

	// Timeout overrides the scheduler's default wall-clock timeout.
	// Zero inherits the default; a negative value disables the timeout
	// for this task.
	Timeout time.Duration

	// Retry governs automatic redispatch of transient failures. The zero
	// value never retries.
	Retry RetryPolicy
}

// run is the scheduler's bookkeeping for one active execution.
type run struct {
	item      *Item
	handle    Handle
	timeout   *time.Timer
	finalized bool
}

// delayedEntry is a retry successor waiting out its backoff delay.
type delayedEntry struct {
	runAt time.Time
	seq   uint64
	item  *Item
	index int
}

type delayHeap []*delayedEntry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x interface{}) {
	entry := x.(*delayedEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// Scheduler is the single authority deciding when a queued task starts
// running and the single authority finalizing terminal transitions. All
// scheduling state lives behind one mutex; executor work itself runs
// concurrently outside it.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry

	mu             sync.Mutex
	queue          *PriorityQueue
	active         map[uuid.UUID]*run
	delayed        delayHeap
	delayedByID    map[uuid.UUID]*delayedEntry
	delaySeq       uint64
	delayTimer     *time.Timer
	lastDispatchAt time.Time
	rateArmed      bool
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler publishing lifecycle events to bus.
// Call Start to enable the periodic safety-net pass and Shutdown to stop.
func NewScheduler(cfg Config, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:         cfg,
		logger:      logger.With("component", "scheduler"),
		bus:         bus,
		registry:    NewRegistry(cfg.HistoryCapacity),
		queue:       NewPriorityQueue(),
		active:      make(map[uuid.UUID]*run),
		delayedByID: make(map[uuid.UUID]*delayedEntry),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the periodic safety-net scheduling pass. Submissions
// work before Start is called; the tick only guards against missed
// wake-ups.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tick()
}

// Submit validates and enqueues a unit of work, dispatching it in the
// same call when a slot is free and the rate limiter permits. The task id
// is returned immediately; completion is observed via the event bus.
func (s *Scheduler) Submit(executor Executor, opts Options) (uuid.UUID, error) {
	if executor == nil {
		return uuid.Nil, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNilExecutor)
	}
	if !opts.Priority.IsValid() {
		return uuid.Nil, fmt.Errorf("%w: %w (%d)", domain.ErrValidation, domain.ErrInvalidPriority, opts.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return uuid.Nil, domain.ErrSchedulerClosed
	}

	now := time.Now()
	id := uuid.New()
	t := &domain.Task{
		ID:          id,
		RootID:      id,
		Kind:        opts.Kind,
		Priority:    opts.Priority,
		Status:      domain.StatusQueued,
		SubmittedAt: now,
	}

	s.registry.AddLive(t)
	s.queue.Enqueue(&Item{Task: t, Executor: executor, Opts: opts})

	s.logger.Debug("task submitted",
		"task_id", id,
		"task_kind", opts.Kind,
		"priority", opts.Priority.String(),
		"queue_len", s.queue.Len())

	s.passLocked()
	return id, nil
}

// Cancel terminates the task with the given id. A queued task is removed
// without its executor ever starting; a running task has its executor
// cancelled cooperatively and its slot freed immediately. Cancelling an
// already-terminal task still in the history window is a no-op. Returns
// domain.ErrTaskNotFound for unknown ids, which includes terminal tasks
// already evicted from the bounded history: the scheduler keeps no record
// of them, so they are indistinguishable from ids that never existed.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()

	if item := s.queue.Remove(id); item != nil {
		s.finalizeLocked(item, domain.StatusCancelled, nil, ErrCancelled, false)
		s.mu.Unlock()
		return nil
	}

	if entry, ok := s.delayedByID[id]; ok {
		heap.Remove(&s.delayed, entry.index)
		delete(s.delayedByID, id)
		s.armDelayLocked()
		s.finalizeLocked(entry.item, domain.StatusCancelled, nil, ErrCancelled, false)
		s.mu.Unlock()
		return nil
	}

	if r, ok := s.active[id]; ok && !r.finalized {
		handle := r.handle
		s.finalizeLocked(r.item, domain.StatusCancelled, nil, ErrCancelled, false)
		s.passLocked()
		s.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
		return nil
	}

	s.mu.Unlock()

	if s.registry.InHistory(id) {
		return nil
	}
	return domain.ErrTaskNotFound
}

// CancelAll cancels every queued, delayed, and running task. Used for a
// full reset.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()

	for _, item := range s.queue.DrainAll() {
		s.finalizeLocked(item, domain.StatusCancelled, nil, ErrCancelled, false)
	}

	for len(s.delayed) > 0 {
		entry := heap.Pop(&s.delayed).(*delayedEntry)
		delete(s.delayedByID, entry.item.Task.ID)
		s.finalizeLocked(entry.item, domain.StatusCancelled, nil, ErrCancelled, false)
	}
	s.armDelayLocked()

	handles := make([]Handle, 0, len(s.active))
	for _, r := range s.active {
		if r.finalized {
			continue
		}
		if r.handle != nil {
			handles = append(handles, r.handle)
		}
		s.finalizeLocked(r.item, domain.StatusCancelled, nil, ErrCancelled, false)
	}

	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Shutdown cancels all work, stops the background goroutines, and waits
// for in-flight executor watchers to exit, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.delayTimer != nil {
		s.delayTimer.Stop()
	}
	s.mu.Unlock()

	s.CancelAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Get returns a copy of a live task, or its terminal snapshot from
// history.
func (s *Scheduler) Get(id uuid.UUID) (domain.Task, bool) {
	if t, ok := s.registry.Get(id); ok {
		return t, true
	}
	for _, t := range s.registry.History(0) {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// Read-only statistics projections, delegated to the registry.

func (s *Scheduler) ActiveCount() int { return s.registry.ActiveCount() }

func (s *Scheduler) QueueLength() int { return s.registry.QueueLength() }

func (s *Scheduler) QueueLengthByPriority() TierCounts { return s.registry.QueueLengthByPriority() }

func (s *Scheduler) SuccessRate(kind string) float64 { return s.registry.SuccessRate(kind) }

func (s *Scheduler) AverageDuration(kind string) time.Duration {
	return s.registry.AverageDuration(kind)
}

func (s *Scheduler) History(limit int) []domain.Task { return s.registry.History(limit) }

// tick is the safety-net pass against missed wake-ups. Normal operation
// is edge-triggered from submit, completion, and cancel.
func (s *Scheduler) tick() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				s.passLocked()
			}
			s.mu.Unlock()
		}
	}
}

// passLocked dispatches queued tasks while slots are free and the rate
// limiter permits. Caller holds s.mu.
func (s *Scheduler) passLocked() {
	for !s.closed && len(s.active) < s.cfg.MaxConcurrent && s.queue.Len() > 0 {
		if s.cfg.MinDispatchInterval > 0 {
			wait := s.cfg.MinDispatchInterval - time.Since(s.lastDispatchAt)
			if wait > 0 {
				s.armRateWakeLocked(wait)
				return
			}
		}
		s.dispatchLocked(s.queue.DequeueNext())
	}
}

// dispatchLocked moves one item into the active set and starts its
// executor. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(item *Item) {
	now := time.Now()
	id := item.Task.ID
	s.lastDispatchAt = now

	s.registry.Update(id, func(t *domain.Task) {
		t.Status = domain.StatusRunning
		t.StartedAt = now
	})

	r := &run{item: item}
	s.active[id] = r

	cb := Callbacks{
		OnOutput:   func(chunk string) { s.onOutput(item, chunk) },
		OnProgress: func(pct int) { s.onProgress(item, pct) },
	}

	handle, err := item.Executor.Start(s.ctx, cb)
	if err != nil {
		s.logger.Error("executor start failed",
			"task_id", id,
			"task_kind", item.Task.Kind,
			"error", err)
		s.settleLocked(r, Outcome{Err: err})
		return
	}
	r.handle = handle

	if timeout := s.timeoutFor(item.Opts); timeout > 0 {
		r.timeout = time.AfterFunc(timeout, func() { s.onTimeout(id) })
	}

	s.bus.Publish(events.Event{
		Kind:     events.KindStarted,
		TaskID:   id,
		RootID:   item.Task.RootID,
		TaskKind: item.Task.Kind,
		Time:     now,
	})
	s.logger.Info("task dispatched",
		"task_id", id,
		"task_kind", item.Task.Kind,
		"priority", item.Task.Priority.String(),
		"retry_count", item.Task.RetryCount,
		"active", len(s.active))

	s.wg.Add(1)
	go s.await(id, handle)
}

// await watches one execution until it settles or the scheduler stops.
func (s *Scheduler) await(id uuid.UUID, handle Handle) {
	defer s.wg.Done()

	select {
	case out := <-handle.Done():
		s.mu.Lock()
		if r, ok := s.active[id]; ok && !r.finalized {
			s.settleLocked(r, out)
			s.passLocked()
		}
		s.mu.Unlock()
	case <-s.ctx.Done():
		// Shutdown finalizes active runs via CancelAll.
	}
}

// settleLocked handles an executor's terminal outcome. Caller holds s.mu.
func (s *Scheduler) settleLocked(r *run, out Outcome) {
	item := r.item

	if out.Err == nil {
		s.finalizeLocked(item, domain.StatusSuccess, out.Result, nil, false)
		return
	}

	if IsTransient(out.Err) {
		if delay, ok := item.Opts.Retry.NextDelay(item.Task.RetryCount); ok {
			s.finalizeLocked(item, domain.StatusFailed, nil, out.Err, true)
			s.scheduleRetryLocked(item, delay)
			return
		}
	}

	s.finalizeLocked(item, domain.StatusFailed, nil, out.Err, false)
}

// finalizeLocked applies the terminal transition for one attempt: record
// fields, history, event emission, and slot bookkeeping. Caller holds
// s.mu. The attempt must not already be finalized.
func (s *Scheduler) finalizeLocked(item *Item, status domain.Status, result any, err error, willRetry bool) {
	id := item.Task.ID
	now := time.Now()

	if r, ok := s.active[id]; ok {
		if r.timeout != nil {
			r.timeout.Stop()
		}
		r.finalized = true
		delete(s.active, id)
	}

	s.registry.Update(id, func(t *domain.Task) {
		t.Status = status
		t.EndedAt = now
		if status == domain.StatusSuccess {
			t.Progress = 100
			t.Result = result
		} else {
			t.Err = err
		}
	})
	s.registry.RecordTerminal(id)

	ev := events.Event{
		Kind:      eventKindFor(status),
		TaskID:    id,
		RootID:    item.Task.RootID,
		TaskKind:  item.Task.Kind,
		Time:      now,
		WillRetry: willRetry,
	}
	if status == domain.StatusSuccess {
		ev.Result = result
	} else if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(ev)
	s.bus.ReleaseTask(id)

	// Tasks cancelled before dispatch never started; their run time is zero.
	var duration time.Duration
	if !item.Task.StartedAt.IsZero() {
		duration = now.Sub(item.Task.StartedAt)
	}
	s.logger.Info("task finished",
		"task_id", id,
		"task_kind", item.Task.Kind,
		"status", string(status),
		"retry_count", item.Task.RetryCount,
		"will_retry", willRetry,
		"duration", duration)
}

func eventKindFor(status domain.Status) events.Kind {
	switch status {
	case domain.StatusSuccess:
		return events.KindCompleted
	case domain.StatusCancelled:
		return events.KindCancelled
	case domain.StatusTimedOut:
		return events.KindTimedOut
	default:
		return events.KindFailed
	}
}

// scheduleRetryLocked creates the retry successor for a failed attempt
// and parks it until its backoff delay elapses. The successor is a new
// task record sharing the original RootID and priority. Caller holds s.mu.
func (s *Scheduler) scheduleRetryLocked(orig *Item, delay time.Duration) {
	now := time.Now()
	id := uuid.New()
	t := &domain.Task{
		ID:          id,
		RootID:      orig.Task.RootID,
		Kind:        orig.Task.Kind,
		Priority:    orig.Task.Priority,
		Status:      domain.StatusQueued,
		SubmittedAt: now,
		RetryCount:  orig.Task.RetryCount + 1,
	}
	s.registry.AddLive(t)

	entry := &delayedEntry{
		runAt: now.Add(delay),
		seq:   s.delaySeq,
		item:  &Item{Task: t, Executor: orig.Executor, Opts: orig.Opts},
	}
	s.delaySeq++
	heap.Push(&s.delayed, entry)
	s.delayedByID[id] = entry
	s.armDelayLocked()

	s.logger.Info("retry scheduled",
		"task_id", id,
		"root_id", t.RootID,
		"task_kind", t.Kind,
		"retry_count", t.RetryCount,
		"delay", delay)
}

// armDelayLocked re-arms the single delay timer to the earliest pending
// release, following the one-timer pattern: the head of the heap always
// owns the timer. Caller holds s.mu.
func (s *Scheduler) armDelayLocked() {
	if len(s.delayed) == 0 {
		if s.delayTimer != nil {
			s.delayTimer.Stop()
		}
		return
	}

	d := time.Until(s.delayed[0].runAt)
	if d < 0 {
		d = 0
	}
	if s.delayTimer == nil {
		s.delayTimer = time.AfterFunc(d, s.onDelayFire)
		return
	}
	s.delayTimer.Stop()
	s.delayTimer.Reset(d)
}

// onDelayFire releases every due retry successor into the queue.
func (s *Scheduler) onDelayFire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := time.Now()
	for len(s.delayed) > 0 && !s.delayed[0].runAt.After(now) {
		entry := heap.Pop(&s.delayed).(*delayedEntry)
		delete(s.delayedByID, entry.item.Task.ID)
		s.queue.Enqueue(entry.item)
	}
	s.armDelayLocked()
	s.passLocked()
}

// onTimeout enforces the scheduler-side wall-clock timeout. The slot is
// freed immediately; executor teardown is best effort.
func (s *Scheduler) onTimeout(id uuid.UUID) {
	s.mu.Lock()
	r, ok := s.active[id]
	if !ok || r.finalized {
		s.mu.Unlock()
		return
	}
	handle := r.handle
	s.finalizeLocked(r.item, domain.StatusTimedOut, nil, ErrTimedOut, false)
	s.passLocked()
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}

// armRateWakeLocked schedules a pass for when the dispatch rate limiter
// next permits. Caller holds s.mu.
func (s *Scheduler) armRateWakeLocked(wait time.Duration) {
	if s.rateArmed {
		return
	}
	s.rateArmed = true
	time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rateArmed = false
		if !s.closed {
			s.passLocked()
		}
	})
}

func (s *Scheduler) timeoutFor(opts Options) time.Duration {
	if opts.Timeout < 0 {
		return 0
	}
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.cfg.DefaultTimeout
}

// onOutput relays one streamed output chunk to the bus while the task is
// still running. Chunks arriving after a terminal transition are dropped.
func (s *Scheduler) onOutput(item *Item, chunk string) {
	t, ok := s.registry.Get(item.Task.ID)
	if !ok || t.Status != domain.StatusRunning {
		return
	}
	s.bus.Publish(events.Event{
		Kind:     events.KindOutput,
		TaskID:   item.Task.ID,
		RootID:   item.Task.RootID,
		TaskKind: item.Task.Kind,
		Time:     time.Now(),
		Chunk:    chunk,
	})
}

// onProgress applies a monotone progress update while the task is
// running. Regressing or out-of-range updates are ignored.
func (s *Scheduler) onProgress(item *Item, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	advanced := false
	s.registry.Update(item.Task.ID, func(t *domain.Task) {
		if t.Status != domain.StatusRunning || pct <= t.Progress {
			return
		}
		t.Progress = pct
		advanced = true
	})
	if !advanced {
		return
	}

	s.bus.Publish(events.Event{
		Kind:     events.KindProgress,
		TaskID:   item.Task.ID,
		RootID:   item.Task.RootID,
		TaskKind: item.Task.Kind,
		Time:     time.Now(),
		Progress: pct,
	})
}
