package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/queue"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

func newTestDependencyHandler(t *testing.T) (*DependencyHandler, *eventbus.Bus, *store.TaskRepository, *store.DependencyRepository, *store.CheckpointRepository, *queue.Queue) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := store.NewTaskRepository(db)
	deps := store.NewDependencyRepository(db)
	checkpoints := store.NewCheckpointRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()

	h, err := NewDependencyHandler(context.Background(), bus, deps, tasks, checkpoints, q)
	require.NoError(t, err)
	return h, bus, tasks, deps, checkpoints, q
}

func TestOnTaskDelegatedEnqueuesWhenNoDependencies(t *testing.T) {
	_, bus, tasks, _, _, q := newTestDependencyHandler(t)
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, task))

	require.NoError(t, bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}))
	require.True(t, q.Contains(task.ID))
}

func TestOnTaskDelegatedHoldsBackOnPendingDependency(t *testing.T) {
	_, bus, tasks, _, _, q := newTestDependencyHandler(t)
	ctx := context.Background()

	dep := domain.New(domain.NewTaskParams{Prompt: "dep", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, dep))

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024, DependsOn: []string{dep.ID}})
	require.NoError(t, tasks.Create(ctx, task))

	require.NoError(t, bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}))
	require.False(t, q.Contains(task.ID))
}

func TestOnTaskDelegatedAtomicBatchRejectsWholeSetOnOneInvalidEdge(t *testing.T) {
	_, bus, tasks, deps, _, q := newTestDependencyHandler(t)
	ctx := context.Background()

	dep1 := domain.New(domain.NewTaskParams{Prompt: "dep1", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, dep1))
	dep2 := domain.New(domain.NewTaskParams{Prompt: "dep2", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, dep2))

	task := domain.New(domain.NewTaskParams{
		Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024,
		DependsOn: []string{dep1.ID, dep2.ID, "does-not-exist"},
	})
	require.NoError(t, tasks.Create(ctx, task))

	var failed eventbus.TaskDependencyFailedPayload
	_, err := bus.Subscribe(eventbus.TaskDependencyFailed, func(_ context.Context, payload any) error {
		failed = payload.(eventbus.TaskDependencyFailedPayload)
		return nil
	})
	require.NoError(t, err)

	added := 0
	_, err = bus.Subscribe(eventbus.TaskDependencyAdded, func(_ context.Context, payload any) error {
		added++
		return nil
	})
	require.NoError(t, err)

	require.Error(t, bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}))

	require.Equal(t, 0, added, "no TaskDependencyAdded should fire when any edge in the batch is invalid")
	require.Equal(t, task.ID, failed.TaskID)
	require.False(t, q.Contains(task.ID))

	rows, err := deps.ListForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, rows, "no dependency row should be inserted when the batch contains an invalid edge")
}

func TestOnTaskDelegatedRejectsBatchOverPerTaskCap(t *testing.T) {
	_, bus, tasks, deps, _, q := newTestDependencyHandler(t)
	ctx := context.Background()

	dependsOn := make([]string, 0, MaxDependencyCount+1)
	for i := 0; i < MaxDependencyCount+1; i++ {
		d := domain.New(domain.NewTaskParams{Prompt: "dep", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
		require.NoError(t, tasks.Create(ctx, d))
		dependsOn = append(dependsOn, d.ID)
	}

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024, DependsOn: dependsOn})
	require.NoError(t, tasks.Create(ctx, task))

	require.Error(t, bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}))
	require.False(t, q.Contains(task.ID))

	rows, err := deps.ListForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestOnTaskTerminalUnblocksDependentWithEnrichedPrompt(t *testing.T) {
	_, bus, tasks, _, checkpoints, q := newTestDependencyHandler(t)
	ctx := context.Background()

	dep := domain.New(domain.NewTaskParams{Prompt: "Set up DB", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, dep))

	task := domain.New(domain.NewTaskParams{Prompt: "Seed data", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024, DependsOn: []string{dep.ID}, ContinueFrom: dep.ID})
	require.NoError(t, tasks.Create(ctx, task))
	require.NoError(t, bus.Emit(ctx, eventbus.TaskDelegated, eventbus.TaskDelegatedPayload{Task: task}))
	require.False(t, q.Contains(task.ID))

	cp := domain.TaskCheckpoint{
		TaskID:         dep.ID,
		CheckpointType: domain.CheckpointCompleted,
		OutputSummary:  "schema ready",
		Git:            &domain.GitState{Branch: "main", CommitSHA: "abc"},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, checkpoints.Create(ctx, cp))

	var unblocked eventbus.TaskUnblockedPayload
	_, err := bus.Subscribe(eventbus.TaskUnblocked, func(_ context.Context, payload any) error {
		unblocked = payload.(eventbus.TaskUnblockedPayload)
		q.Enqueue(unblocked.Task)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskCompleted, eventbus.TaskCompletedPayload{TaskID: dep.ID}))

	require.Equal(t, task.ID, unblocked.TaskID)
	require.Contains(t, unblocked.Task.Prompt, "DEPENDENCY CONTEXT:")
	require.Contains(t, unblocked.Task.Prompt, "Set up DB")
	require.Contains(t, unblocked.Task.Prompt, "schema ready")
	require.Contains(t, unblocked.Task.Prompt, "main")
	require.Contains(t, unblocked.Task.Prompt, "abc")
	require.Contains(t, unblocked.Task.Prompt, "YOUR TASK:")
	require.True(t, q.Contains(task.ID))
}
