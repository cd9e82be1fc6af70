// Package queue implements the in-memory priority queue described in
// spec §4.5: three FIFO sub-queues keyed by priority tier (P0 highest),
// duplicate-refusing, with contains()/remove() for recovery reconciliation.
// It is not itself persisted — "queued" rows in the task repository are
// the source of truth; the Recovery Manager rebuilds this queue at boot.
package queue

import (
	"container/list"
	"sync"

	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// Queue is the priority-tiered FIFO task queue.
type Queue struct {
	mu    sync.Mutex
	tiers map[domain.Priority]*list.List
	index map[string]*list.Element
	order []domain.Priority
}

// New constructs an empty queue with the three standard priority tiers.
func New() *Queue {
	return &Queue{
		tiers: map[domain.Priority]*list.List{
			domain.PriorityP0: list.New(),
			domain.PriorityP1: list.New(),
			domain.PriorityP2: list.New(),
		},
		index: make(map[string]*list.Element),
		order: []domain.Priority{domain.PriorityP0, domain.PriorityP1, domain.PriorityP2},
	}
}

// Enqueue appends task to its priority's sub-queue. Returns false if a
// task with the same id is already queued (refused, not replaced).
func (q *Queue) Enqueue(task domain.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; exists {
		return false
	}
	tier := q.tiers[task.Priority]
	if tier == nil {
		tier = list.New()
		q.tiers[task.Priority] = tier
	}
	el := tier.PushBack(task)
	q.index[task.ID] = el
	return true
}

// Dequeue pops the head of the highest-priority non-empty sub-queue.
func (q *Queue) Dequeue() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.order {
		tier := q.tiers[p]
		if tier == nil || tier.Len() == 0 {
			continue
		}
		front := tier.Front()
		task := front.Value.(domain.Task)
		tier.Remove(front)
		delete(q.index, task.ID)
		return task, true
	}
	return domain.Task{}, false
}

// Contains reports whether taskID is currently queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Remove deletes taskID from whichever sub-queue holds it. Returns false
// if it was not queued.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[taskID]
	if !ok {
		return false
	}
	task := el.Value.(domain.Task)
	if tier := q.tiers[task.Priority]; tier != nil {
		tier.Remove(el)
	}
	delete(q.index, taskID)
	return true
}

// Size returns the total number of queued tasks across all tiers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Clear empties every sub-queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.order {
		q.tiers[p] = list.New()
	}
	q.index = make(map[string]*list.Element)
}
