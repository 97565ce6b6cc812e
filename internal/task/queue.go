package task

import (
	"container/heap"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch/internal/domain"
)

const defaultQueueCap = 16

// Item pairs a queued task record with the executor and options it was
// submitted with. Queue position depends only on fields that never change
// after submission (priority and insertion sequence).
type Item struct {
	Task     *domain.Task
	Executor Executor
	Opts     Options
}

// TierCounts reports how many queued tasks wait in each priority tier.
type TierCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
}

// Total returns the sum across all tiers.
func (c TierCounts) Total() int {
	return c.Critical + c.High + c.Normal + c.Low
}

type queueEntry struct {
	item  *Item
	seq   uint64 // insertion order, for FIFO within a tier
	index int    // heap bookkeeping
}

// queueHeap implements heap.Interface: highest priority first, then
// smallest sequence (strict FIFO within a tier).
type queueHeap []*queueEntry

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].item.Task.Priority != h[j].item.Task.Priority {
		return h[i].item.Task.Priority > h[j].item.Task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x interface{}) {
	n := len(*h)
	entry := x.(*queueEntry)
	entry.index = n
	*h = append(*h, entry)
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil // avoid memory leak
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// PriorityQueue is an ordered holding area for not-yet-running tasks.
// It is not internally synchronized: the scheduler serializes all access
// inside its own critical section.
type PriorityQueue struct {
	pq      queueHeap
	byID    map[uuid.UUID]*queueEntry
	nextSeq uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		pq:   make(queueHeap, 0, defaultQueueCap),
		byID: make(map[uuid.UUID]*queueEntry),
	}
}

// Enqueue inserts an item behind every already-queued item of the same
// priority tier.
func (q *PriorityQueue) Enqueue(item *Item) {
	entry := &queueEntry{item: item, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.pq, entry)
	q.byID[item.Task.ID] = entry
}

// DequeueNext removes and returns the front item of the highest non-empty
// tier, or nil when the queue is empty.
func (q *PriorityQueue) DequeueNext() *Item {
	if len(q.pq) == 0 {
		return nil
	}
	entry := heap.Pop(&q.pq).(*queueEntry)
	delete(q.byID, entry.item.Task.ID)
	return entry.item
}

// Remove takes the item with the given id out of the queue, returning it,
// or nil when the id is not queued.
func (q *PriorityQueue) Remove(id uuid.UUID) *Item {
	entry, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.pq, entry.index)
	delete(q.byID, id)
	return entry.item
}

// Contains reports whether the id is currently queued.
func (q *PriorityQueue) Contains(id uuid.UUID) bool {
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	return len(q.pq)
}

// Counts returns the number of queued items per priority tier.
func (q *PriorityQueue) Counts() TierCounts {
	var c TierCounts
	for _, entry := range q.pq {
		switch entry.item.Task.Priority {
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

// DrainAll empties the queue and returns the removed items in dispatch
// order. Used by cancelAll.
func (q *PriorityQueue) DrainAll() []*Item {
	out := make([]*Item, 0, len(q.pq))
	for {
		item := q.DequeueNext()
		if item == nil {
			return out
		}
		out = append(out, item)
	}
}
