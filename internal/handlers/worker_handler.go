// Package handlers wires the event bus to the daemon's core components:
// admission-controlled dispatch from the priority queue into the worker
// pool, dependency-graph bookkeeping, and terminal-state checkpointing.
// Each handler is constructed with its dependencies and subscribes itself
// to the bus in New, following the teacher's scheduler.go pattern of a
// struct that registers its own event handlers at construction time.
package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/queue"
	"github.com/swarmguard/delegate-daemon/internal/store"
	"github.com/swarmguard/delegate-daemon/internal/workerpool"
)

// SpawnBackoff is how long dispatch waits before re-evaluating admission
// after a spawn is refused (spec §4.8's SPAWN_BACKOFF_MS default).
const SpawnBackoff = 1000 * time.Millisecond

// WorkerHandler pumps tasks from the priority queue into the worker pool
// whenever a slot is available, and routes cancellation requests either to
// the pool (already running) or straight to the queue (still waiting).
type WorkerHandler struct {
	bus     *eventbus.Bus
	q       *queue.Queue
	pool    *workerpool.Pool
	tasks   *store.TaskRepository
	backoff time.Duration

	mu         sync.Mutex
	retryTimer *time.Timer
}

// NewWorkerHandler constructs and subscribes a WorkerHandler.
func NewWorkerHandler(bus *eventbus.Bus, q *queue.Queue, pool *workerpool.Pool, tasks *store.TaskRepository) *WorkerHandler {
	h := &WorkerHandler{bus: bus, q: q, pool: pool, tasks: tasks, backoff: SpawnBackoff}

	mustSubscribe(bus, eventbus.TaskQueued, h.onTaskQueued)
	mustSubscribe(bus, eventbus.TaskUnblocked, h.onTaskUnblocked)
	mustSubscribe(bus, eventbus.TaskCompleted, h.onWorkerFreed)
	mustSubscribe(bus, eventbus.TaskFailed, h.onWorkerFreed)
	mustSubscribe(bus, eventbus.TaskCancelled, h.onWorkerFreed)
	mustSubscribe(bus, eventbus.TaskTimeout, h.onWorkerFreed)
	mustSubscribe(bus, eventbus.TaskCancellationRequested, h.onCancellationRequested)

	bus.Respond(eventbus.NextTaskQuery, h.respondNextTask)

	return h
}

func mustSubscribe(bus *eventbus.Bus, t eventbus.Type, h eventbus.Handler) {
	if _, err := bus.Subscribe(t, h); err != nil {
		// Subscriber caps are sized generously for a fixed set of boot-time
		// handlers; hitting this means a configuration error, not a
		// transient condition, so it is loud rather than swallowed.
		panic("handlers: " + err.Error())
	}
}

func (h *WorkerHandler) onTaskQueued(ctx context.Context, payload any) error {
	h.dispatch(ctx)
	return nil
}

func (h *WorkerHandler) onTaskUnblocked(ctx context.Context, payload any) error {
	p := payload.(eventbus.TaskUnblockedPayload)
	if h.q.Enqueue(p.Task) {
		_ = h.bus.Emit(ctx, eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: p.Task.ID})
	}
	return nil
}

func (h *WorkerHandler) onWorkerFreed(ctx context.Context, payload any) error {
	taskID, status := "", domain.StatusFailed
	switch p := payload.(type) {
	case eventbus.TaskCompletedPayload:
		taskID, status = p.TaskID, domain.StatusCompleted
	case eventbus.TaskCancelledPayload:
		taskID, status = p.TaskID, domain.StatusCancelled
	case eventbus.TaskFailedPayload:
		taskID = p.TaskID
	case eventbus.TaskTimeoutPayload:
		taskID = p.TaskID
	}
	if task, err := h.tasks.Get(ctx, taskID); err == nil && !task.Status.Terminal() {
		done := task.Apply(domain.Patch{Status: &status, CompletedAt: timePtrPtr(nowPtr())}, time.Now())
		if err := h.tasks.Update(ctx, done); err != nil {
			slog.Error("persist terminal status failed", "task_id", taskID, "error", err)
		}
	}
	h.dispatch(ctx)
	return nil
}

// dispatch pulls as many tasks as the pool currently has room for.
func (h *WorkerHandler) dispatch(ctx context.Context) {
	for {
		task, ok := h.q.Dequeue()
		if !ok {
			return
		}
		now := time.Now()
		running := task.Apply(domain.Patch{Status: statusPtr(domain.StatusRunning), StartedAt: timePtrPtr(&now)}, now)

		if err := h.tasks.Update(ctx, running); err != nil {
			slog.Error("persist running status failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := h.pool.Spawn(ctx, running); err != nil {
			// Admission refused (capacity/rate/breaker/host resources): put
			// it back, stop trying for this round rather than busy-looping,
			// and arm a backoff timer so dispatch re-evaluates once the
			// denial may have cleared (spec §4.8: "defer for
			// SPAWN_BACKOFF_MS... and re-evaluate").
			slog.Warn("spawn deferred", "task_id", task.ID, "error", err)
			reverted := running.Apply(domain.Patch{Status: statusPtr(domain.StatusQueued)}, time.Now())
			_ = h.tasks.Update(ctx, reverted)
			h.q.Enqueue(task)
			h.scheduleRetry()
			return
		}
	}
}

// scheduleRetry arms a single backoff timer that re-runs dispatch once the
// delay elapses. A timer already pending is left alone — one scheduled
// re-run is enough to cover every task currently stuck behind the same
// admission denial.
func (h *WorkerHandler) scheduleRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retryTimer != nil {
		return
	}
	h.retryTimer = time.AfterFunc(h.backoff, func() {
		h.mu.Lock()
		h.retryTimer = nil
		h.mu.Unlock()
		h.dispatch(context.Background())
	})
}

func (h *WorkerHandler) onCancellationRequested(ctx context.Context, payload any) error {
	p := payload.(eventbus.TaskCancellationRequestedPayload)

	if h.q.Remove(p.TaskID) {
		task, err := h.tasks.Get(ctx, p.TaskID)
		if err != nil {
			return err
		}
		cancelled := task.Apply(domain.Patch{Status: statusPtr(domain.StatusCancelled), CompletedAt: timePtrPtr(nowPtr())}, time.Now())
		if err := h.tasks.Update(ctx, cancelled); err != nil {
			return err
		}
		return h.bus.Emit(ctx, eventbus.TaskCancelled, eventbus.TaskCancelledPayload{TaskID: p.TaskID, Reason: p.Reason})
	}

	return h.pool.Cancel(ctx, p.TaskID, p.Reason)
}

// respondNextTask peeks the head of the queue without dispatching it —
// used by status/debug callers, not by the dispatch loop itself.
func (h *WorkerHandler) respondNextTask(ctx context.Context, payload any) (any, error) {
	task, ok := h.q.Dequeue()
	if !ok {
		return eventbus.NextTaskQueryResult{Found: false}, nil
	}
	h.q.Enqueue(task)
	return eventbus.NextTaskQueryResult{Task: &task, Found: true}, nil
}

func statusPtr(s domain.Status) *domain.Status { return &s }
func timePtrPtr(t *time.Time) **time.Time      { return &t }
func nowPtr() *time.Time                        { t := time.Now(); return &t }
