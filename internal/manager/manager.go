// Package manager implements the Task Manager facade (spec §4.11): the
// single entry point the transport layer calls into for delegate,
// getStatus, getLogs, cancel, retry, and resume. It owns no scheduling
// logic itself — it validates input, persists the task row, and emits the
// event that the Dependency/Worker handlers react to.
package manager

import (
	"context"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// Defaults applied to a DelegateParams that leaves a field zero.
type Defaults struct {
	TimeoutMs       int64
	MaxOutputBuffer int64
	Priority        domain.Priority
}

// Manager is the Task Manager facade.
type Manager struct {
	bus         *eventbus.Bus
	tasks       *store.TaskRepository
	checkpoints *store.CheckpointRepository
	capture     *capture.Store
	defaults    Defaults
}

// New constructs a Manager.
func New(bus *eventbus.Bus, tasks *store.TaskRepository, checkpoints *store.CheckpointRepository, captureStore *capture.Store, defaults Defaults) *Manager {
	return &Manager{bus: bus, tasks: tasks, checkpoints: checkpoints, capture: captureStore, defaults: defaults}
}

// DelegateParams is the caller-facing request to create a new task.
type DelegateParams struct {
	Prompt          string
	Priority        domain.Priority
	Cwd             string
	TimeoutMs       int64
	MaxOutputBuffer int64
	Worktree        *domain.WorktreeConfig
	ParentTaskID    string
	RetryOf         string
	RetryCount      int
	ContinueFrom    string
	DependsOn       []string
	Tags            []string
	Metadata        map[string]string
}

// Delegate validates params, persists a new queued task, and emits
// TaskDelegated for the Dependency Handler to pick up.
func (m *Manager) Delegate(ctx context.Context, p DelegateParams) (domain.Task, error) {
	if p.Prompt == "" {
		return domain.Task{}, apperr.New(apperr.InvalidOperation, "prompt must not be empty")
	}
	if p.Cwd == "" {
		return domain.Task{}, apperr.New(apperr.InvalidOperation, "cwd must not be empty")
	}
	if p.Priority == "" {
		p.Priority = m.defaults.Priority
	}
	if !p.Priority.Valid() {
		return domain.Task{}, apperr.Newf(apperr.InvalidOperation, "invalid priority %q", p.Priority)
	}
	if p.TimeoutMs == 0 {
		p.TimeoutMs = m.defaults.TimeoutMs
	}
	if p.MaxOutputBuffer == 0 {
		p.MaxOutputBuffer = m.defaults.MaxOutputBuffer
	}

	if p.ContinueFrom != "" {
		if _, err := m.tasks.Get(ctx, p.ContinueFrom); err != nil {
			return domain.Task{}, err
		}
		if !containsString(p.DependsOn, p.ContinueFrom) {
			p.DependsOn = append(p.DependsOn, p.ContinueFrom)
		}
	}

	task := domain.New(domain.NewTaskParams{
		Prompt:          p.Prompt,
		Priority:        p.Priority,
		Cwd:             p.Cwd,
		TimeoutMs:       p.TimeoutMs,
		MaxOutputBuffer: p.MaxOutputBuffer,
		Worktree:        p.Worktree,
		ParentTaskID:    p.ParentTaskID,
		RetryOf:         p.RetryOf,
		RetryCount:      p.RetryCount,
		ContinueFrom:    p.ContinueFrom,
		DependsOn:       p.DependsOn,
		Tags:            p.Tags,
		Metadata:        p.Metadata,
	})

	if err := m.tasks.Create(ctx, task); err != nil {
		return domain.Task{}, err
	}
	if err := m.bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}); err != nil {
		return task, err
	}
	return task, nil
}

// GetStatus returns the task's current row, or every task if taskID is empty.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (domain.Task, []domain.Task, error) {
	if taskID == "" {
		all, err := m.tasks.List(ctx, nil)
		return domain.Task{}, all, err
	}
	t, err := m.tasks.Get(ctx, taskID)
	return t, nil, err
}

// GetLogs returns captured stdout/stderr for taskID, falling back to the
// most recent checkpoint's truncated summaries if the task has already
// been cleaned out of the in-memory capture store.
func (m *Manager) GetLogs(ctx context.Context, taskID string, tail int) (capture.Output, error) {
	if out, ok := m.capture.GetOutput(taskID, tail); ok {
		return out, nil
	}
	cp, found, err := m.checkpoints.LatestForTask(ctx, taskID)
	if err != nil {
		return capture.Output{}, err
	}
	if !found {
		return capture.Output{}, apperr.Newf(apperr.TaskNotFound, "no logs or checkpoint for task %s", taskID)
	}
	return capture.Output{Stdout: []string{cp.OutputSummary}, Stderr: []string{cp.ErrorSummary}}, nil
}

// Cancel requests cancellation of taskID, regardless of whether it is
// still queued or already running — the Worker Handler routes it to the
// right place.
func (m *Manager) Cancel(ctx context.Context, taskID, reason string) error {
	t, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return apperr.Newf(apperr.TaskCannotCancel, "task %s is already %s", taskID, t.Status)
	}
	return m.bus.Emit(ctx, eventbus.TaskCancellationRequested, eventbus.TaskCancellationRequestedPayload{TaskID: taskID, Reason: reason})
}

// Retry creates a fresh task cloned from a failed/completed/cancelled one,
// linked via RetryOf, with RetryCount incremented and ParentTaskID
// defaulting to the original's own id when it has none (spec §4.11's
// retry-chain formula: parentTaskId = original.parentTaskId ?? original.id).
func (m *Manager) Retry(ctx context.Context, taskID string) (domain.Task, error) {
	orig, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	switch orig.Status {
	case domain.StatusFailed, domain.StatusCompleted, domain.StatusCancelled:
	default:
		return domain.Task{}, apperr.Newf(apperr.InvalidOperation, "task %s is not retryable from status %s", taskID, orig.Status)
	}

	parentTaskID := orig.ParentTaskID
	if parentTaskID == "" {
		parentTaskID = orig.ID
	}

	return m.Delegate(ctx, DelegateParams{
		Prompt:          orig.Prompt,
		Priority:        orig.Priority,
		Cwd:             orig.Cwd,
		TimeoutMs:       orig.TimeoutMs,
		MaxOutputBuffer: orig.MaxOutputBuffer,
		Worktree:        orig.Worktree,
		ParentTaskID:    parentTaskID,
		RetryOf:         orig.ID,
		RetryCount:      orig.RetryCount + 1,
		Tags:            orig.Tags,
		Metadata:        orig.Metadata,
	})
}

// Resume creates a fresh task continuing from a terminal one's latest
// checkpoint, carrying the checkpoint's context note into the new
// prompt so the collaborator has continuity.
func (m *Manager) Resume(ctx context.Context, taskID string) (domain.Task, error) {
	orig, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !orig.Status.Terminal() {
		return domain.Task{}, apperr.Newf(apperr.InvalidOperation, "task %s is not terminal (status %s)", taskID, orig.Status)
	}

	cp, found, err := m.checkpoints.LatestForTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	prompt := orig.Prompt
	if found && cp.ContextNote != "" {
		prompt = orig.Prompt + "\n\nContinuation context:\n" + cp.ContextNote
	}

	next, err := m.Delegate(ctx, DelegateParams{
		Prompt:          prompt,
		Priority:        orig.Priority,
		Cwd:             orig.Cwd,
		TimeoutMs:       orig.TimeoutMs,
		MaxOutputBuffer: orig.MaxOutputBuffer,
		Worktree:        orig.Worktree,
		ParentTaskID:    orig.ParentTaskID,
		ContinueFrom:    taskID,
		Tags:            orig.Tags,
		Metadata:        orig.Metadata,
	})
	if err != nil {
		return domain.Task{}, err
	}

	_ = m.bus.Emit(ctx, eventbus.TaskResumed, eventbus.TaskResumedPayload{OriginalTaskID: taskID, NewTaskID: next.ID, CheckpointUsed: found})
	return next, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Delete removes a terminal task's row entirely (spec §4.11's prune op).
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	t, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return apperr.Newf(apperr.InvalidOperation, "cannot delete non-terminal task %s (status %s)", taskID, t.Status)
	}
	if err := m.tasks.Delete(ctx, taskID); err != nil {
		return err
	}
	return m.bus.Emit(ctx, eventbus.TaskDeleted, eventbus.TaskDeletedPayload{TaskID: taskID})
}
