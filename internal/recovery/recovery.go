// Package recovery implements the startup reconciliation pass (spec
// §4.12): it runs once, before the daemon starts accepting new work, and
// brings the in-memory queue back in line with what the task repository
// says survived the last process lifetime. No worker is assumed alive
// across a restart — the worker pool starts empty and the heartbeat
// ledger is not consulted, so every previously-running task is either re-queued or
// declared failed based purely on how long ago it started.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// StaleRunningAfter is the age threshold past which a task still marked
// running is presumed abandoned by a dead worker and failed outright.
// Strictly greater-than: a task at exactly this age is re-queued, not
// failed (spec Open Question, decided in SPEC_FULL.md §6.1).
const StaleRunningAfter = 30 * time.Minute

// RetentionPeriod bounds how long a terminal task's row survives before
// Run prunes it.
const RetentionPeriod = 7 * 24 * time.Hour

// queueEnqueuer mirrors the minimal surface internal/handlers depends on,
// kept local so recovery does not need to import internal/queue's
// concrete type just to call Enqueue/Contains.
type queueEnqueuer interface {
	Enqueue(task domain.Task) bool
	Contains(taskID string) bool
}

// Manager runs the one-shot startup reconciliation.
type Manager struct {
	bus   *eventbus.Bus
	tasks *store.TaskRepository
	q     queueEnqueuer
	now   func() time.Time
}

// New constructs a Manager.
func New(bus *eventbus.Bus, tasks *store.TaskRepository, q queueEnqueuer) *Manager {
	return &Manager{bus: bus, tasks: tasks, q: q, now: time.Now}
}

// Run executes the recovery pass described in spec §4.12. It returns an
// error only when loading task lists from the repository fails;
// individual task-level problems are logged and recovery continues.
func (m *Manager) Run(ctx context.Context) error {
	_ = m.bus.Emit(ctx, eventbus.RecoveryStarted, eventbus.RecoveryStartedPayload{})

	now := m.now()
	removed, err := m.tasks.DeleteOlderThan(ctx, now.Add(-RetentionPeriod))
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("recovery pruned old terminal tasks", "count", removed)
	}

	recovered := 0
	markedFailed := 0

	queued, err := m.tasks.List(ctx, statusPtr(domain.StatusQueued))
	if err != nil {
		return err
	}
	for _, t := range queued {
		if m.requeue(ctx, t) {
			recovered++
		}
	}

	running, err := m.tasks.List(ctx, statusPtr(domain.StatusRunning))
	if err != nil {
		return err
	}
	for _, t := range running {
		reference := t.StartedAt
		if reference == nil {
			reference = &t.CreatedAt
		}
		age := now.Sub(*reference)

		if age > StaleRunningAfter {
			if m.markFailed(ctx, t, now) {
				markedFailed++
			}
			continue
		}
		if m.requeue(ctx, t) {
			recovered++
		}
	}

	return m.bus.Emit(ctx, eventbus.RecoveryCompleted, eventbus.RecoveryCompletedPayload{
		TasksRecovered:    recovered,
		TasksMarkedFailed: markedFailed,
	})
}

func (m *Manager) requeue(ctx context.Context, t domain.Task) bool {
	if m.q.Contains(t.ID) {
		return false
	}
	if !m.q.Enqueue(t) {
		slog.Warn("recovery could not re-enqueue task", "task_id", t.ID)
		return false
	}
	if err := m.bus.Emit(ctx, eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: t.ID}); err != nil {
		slog.Warn("recovery TaskQueued emit failed", "task_id", t.ID, "error", err)
	}
	return true
}

func (m *Manager) markFailed(ctx context.Context, t domain.Task, now time.Time) bool {
	exitCode := -1
	failed := t.Apply(domain.Patch{
		Status:      statusPtr(domain.StatusFailed),
		CompletedAt: timePtrPtr(&now),
		ExitCode:    intPtrPtr(&exitCode),
	}, now)

	if err := m.tasks.Update(ctx, failed); err != nil {
		slog.Error("recovery failed to mark stale task failed", "task_id", t.ID, "error", err)
		return false
	}
	if err := m.bus.Emit(ctx, eventbus.TaskFailed, eventbus.TaskFailedPayload{TaskID: t.ID, ExitCode: exitCode, Error: "stale running task recovered at startup"}); err != nil {
		slog.Warn("recovery TaskFailed emit failed", "task_id", t.ID, "error", err)
	}
	return true
}

func statusPtr(s domain.Status) *domain.Status { return &s }
func timePtrPtr(t *time.Time) **time.Time      { return &t }
func intPtrPtr(i *int) **int                   { return &i }
