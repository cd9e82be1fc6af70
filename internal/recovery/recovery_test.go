package recovery

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

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMarksStaleRunningTaskFailed(t *testing.T) {
	db := newTestStore(t)
	tasks := store.NewTaskRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()

	ctx := context.Background()
	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	startedAt := time.Now().Add(-31 * time.Minute)
	task = task.Apply(domain.Patch{
		Status:    statusPtr(domain.StatusRunning),
		StartedAt: timePtrPtr(&startedAt),
	}, time.Now())
	require.NoError(t, tasks.Create(ctx, task))

	var completed eventbus.RecoveryCompletedPayload
	_, err := bus.Subscribe(eventbus.RecoveryCompleted, func(ctx context.Context, payload any) error {
		completed = payload.(eventbus.RecoveryCompletedPayload)
		return nil
	})
	require.NoError(t, err)

	m := New(bus, tasks, q)
	require.NoError(t, m.Run(ctx))

	require.Equal(t, 1, completed.TasksMarkedFailed)
	require.Equal(t, 0, completed.TasksRecovered)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, -1, *got.ExitCode)
	require.False(t, q.Contains(task.ID))
}

func TestRunRequeuesYoungRunningAndQueuedTasks(t *testing.T) {
	db := newTestStore(t)
	tasks := store.NewTaskRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()

	ctx := context.Background()

	queuedTask := domain.New(domain.NewTaskParams{Prompt: "q", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, queuedTask))

	runningTask := domain.New(domain.NewTaskParams{Prompt: "r", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	startedAt := time.Now().Add(-5 * time.Minute)
	runningTask = runningTask.Apply(domain.Patch{Status: statusPtr(domain.StatusRunning), StartedAt: timePtrPtr(&startedAt)}, time.Now())
	require.NoError(t, tasks.Create(ctx, runningTask))

	m := New(bus, tasks, q)
	require.NoError(t, m.Run(ctx))

	require.True(t, q.Contains(queuedTask.ID))
	require.True(t, q.Contains(runningTask.ID))
}

func TestRunPrunesOldTerminalTasks(t *testing.T) {
	db := newTestStore(t)
	tasks := store.NewTaskRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "old", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	completedAt := time.Now().Add(-8 * 24 * time.Hour)
	task = task.Apply(domain.Patch{Status: statusPtr(domain.StatusCompleted), CompletedAt: timePtrPtr(&completedAt)}, time.Now())
	require.NoError(t, tasks.Create(ctx, task))

	m := New(bus, tasks, q)
	require.NoError(t, m.Run(ctx))

	_, err := tasks.Get(ctx, task.ID)
	require.Error(t, err)
}
