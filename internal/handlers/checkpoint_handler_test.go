package handlers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

func newTestCheckpointHandler(t *testing.T) (*eventbus.Bus, *store.TaskRepository, *store.CheckpointRepository, *capture.Store) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := store.NewTaskRepository(db)
	checkpoints := store.NewCheckpointRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	capStore := capture.New("")

	NewCheckpointHandler(bus, checkpoints, tasks, capStore, nil)
	return bus, tasks, checkpoints, capStore
}

func TestCheckpointHandlerPersistsOnCompletion(t *testing.T) {
	bus, tasks, checkpoints, capStore := newTestCheckpointHandler(t)
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, task))

	capStore.ConfigureTask(task.ID, 1024)
	require.NoError(t, capStore.Capture(task.ID, capture.Stdout, []byte("build succeeded\n")))

	created := make(chan eventbus.CheckpointCreatedPayload, 1)
	_, err := bus.Subscribe(eventbus.CheckpointCreated, func(_ context.Context, payload any) error {
		created <- payload.(eventbus.CheckpointCreatedPayload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskCompleted, eventbus.TaskCompletedPayload{TaskID: task.ID, ExitCode: 0}))

	select {
	case p := <-created:
		require.Equal(t, task.ID, p.TaskID)
		require.Equal(t, domain.CheckpointCompleted, p.Checkpoint.CheckpointType)
		require.Contains(t, p.Checkpoint.OutputSummary, "build succeeded")
	default:
		t.Fatal("expected CheckpointCreated to be emitted synchronously")
	}

	cp, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, cp.OutputSummary, "build succeeded")

	_, ok := capStore.GetOutput(task.ID, 10)
	require.False(t, ok)
}

func TestCheckpointHandlerFallsBackToEventErrorWhenStderrEmpty(t *testing.T) {
	bus, tasks, checkpoints, capStore := newTestCheckpointHandler(t)
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, task))
	capStore.ConfigureTask(task.ID, 1024)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskFailed, eventbus.TaskFailedPayload{TaskID: task.ID, ExitCode: 1, Error: "collaborator process crashed before writing output"}))

	cp, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "collaborator process crashed before writing output", cp.ErrorSummary)
}

func TestCheckpointHandlerFallsBackToCancellationReasonWhenStderrEmpty(t *testing.T) {
	bus, tasks, checkpoints, capStore := newTestCheckpointHandler(t)
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, task))
	capStore.ConfigureTask(task.ID, 1024)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskCancelled, eventbus.TaskCancelledPayload{TaskID: task.ID, Reason: "user requested cancellation"}))

	cp, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "user requested cancellation", cp.ErrorSummary)
}

func TestCheckpointHandlerPrefersStderrOverEventError(t *testing.T) {
	bus, tasks, checkpoints, capStore := newTestCheckpointHandler(t)
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/repo", Priority: domain.PriorityP1, TimeoutMs: 1000, MaxOutputBuffer: 1024})
	require.NoError(t, tasks.Create(ctx, task))
	capStore.ConfigureTask(task.ID, 1024)
	require.NoError(t, capStore.Capture(task.ID, capture.Stderr, []byte("panic: nil pointer\n")))

	require.NoError(t, bus.Emit(ctx, eventbus.TaskFailed, eventbus.TaskFailedPayload{TaskID: task.ID, ExitCode: 1, Error: "nonzero exit"}))

	cp, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, cp.ErrorSummary, "panic: nil pointer")
	require.NotContains(t, cp.ErrorSummary, "nonzero exit")
}
