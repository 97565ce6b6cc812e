package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the subscription channel capacity used when a
// caller passes a non-positive buffer size.
const DefaultBufferSize = 16

// Subscription represents one registered observer. Cancel is idempotent
// and closes the channel returned by C.
type Subscription interface {
	// C returns the receive-only event channel.
	C() <-chan Event

	// Cancel unsubscribes and closes the channel.
	Cancel()
}

type subscriber struct {
	id     uint64
	taskID uuid.UUID // uuid.Nil for global subscriptions

	// mu makes sends and close mutually exclusive so a Cancel racing a
	// Publish can never panic the publishing goroutine.
	mu     sync.Mutex
	ch     chan Event
	closed bool

	bus *Bus
}

func (s *subscriber) C() <-chan Event { return s.ch }

func (s *subscriber) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.remove(s)
}

// Bus fans lifecycle events out to any number of observers, keyed by task
// id or as an unfiltered global stream. Publishing never blocks: when a
// subscriber's buffer is full the oldest buffered event is dropped to make
// room, so a slow consumer can only lose its own events, never stall the
// scheduler.
type Bus struct {
	mu      sync.RWMutex
	global  map[uint64]*subscriber
	perTask map[uuid.UUID]map[uint64]*subscriber

	nextID  atomic.Uint64
	closed  atomic.Bool
	dropped atomic.Uint64

	logger *slog.Logger
}

// NewBus creates an event bus with no subscribers.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		global:  make(map[uint64]*subscriber),
		perTask: make(map[uuid.UUID]map[uint64]*subscriber),
		logger:  logger.With("component", "event_bus"),
	}
}

// SubscribeAll registers an observer for every event on the bus.
// A non-positive buffer selects DefaultBufferSize.
func (b *Bus) SubscribeAll(buffer int) Subscription {
	return b.subscribe(uuid.Nil, buffer)
}

// SubscribeTask registers an observer for events of a single task id.
// A non-positive buffer selects DefaultBufferSize.
func (b *Bus) SubscribeTask(id uuid.UUID, buffer int) Subscription {
	return b.subscribe(id, buffer)
}

func (b *Bus) subscribe(taskID uuid.UUID, buffer int) Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	sub := &subscriber{
		id:     b.nextID.Add(1),
		taskID: taskID,
		ch:     make(chan Event, buffer),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		// Closed bus: hand back an already-cancelled subscription so the
		// caller's receive loop terminates immediately.
		sub.closed = true
		close(sub.ch)
		return sub
	}

	if taskID == uuid.Nil {
		b.global[sub.id] = sub
	} else {
		if b.perTask[taskID] == nil {
			b.perTask[taskID] = make(map[uint64]*subscriber)
		}
		b.perTask[taskID][sub.id] = sub
	}

	b.logger.Debug("subscriber registered",
		"subscriber_id", sub.id,
		"task_id", taskID,
		"buffer", buffer)
	return sub
}

// Publish delivers ev to all matching subscribers. It never blocks.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}

	// Snapshot matching subscribers under RLock, deliver outside it so a
	// concurrent Cancel never deadlocks against delivery.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.global)+4)
	for _, s := range b.global {
		subs = append(subs, s)
	}
	for _, s := range b.perTask[ev.TaskID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: evict the oldest event, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	b.dropped.Add(1)
	b.logger.Debug("dropped event for slow subscriber",
		"subscriber_id", s.id,
		"event_kind", ev.Kind,
		"task_id", ev.TaskID)
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// ReleaseTask drops the per-task subscriber index for a finished task so
// the map does not grow without bound. Subscribers are cancelled, which
// closes their channels after any buffered events are drained by the
// receiver.
func (b *Bus) ReleaseTask(id uuid.UUID) {
	b.mu.Lock()
	subs := b.perTask[id]
	delete(b.perTask, id)
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Close cancels every subscription and rejects further publishes.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	all := make([]*subscriber, 0, len(b.global))
	for _, s := range b.global {
		all = append(all, s)
	}
	for _, subs := range b.perTask {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.global = make(map[uint64]*subscriber)
	b.perTask = make(map[uuid.UUID]map[uint64]*subscriber)
	b.mu.Unlock()

	// Cancel outside the lock; Cancel re-enters remove.
	for _, s := range all {
		s.Cancel()
	}
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.taskID == uuid.Nil {
		delete(b.global, s.id)
		return
	}
	subs := b.perTask[s.taskID]
	if subs == nil {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.perTask, s.taskID)
	}
}
