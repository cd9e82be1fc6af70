package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTaskRepositoryCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewTaskRepository(db)

	task := domain.New(domain.NewTaskParams{Prompt: "do the thing", Priority: domain.PriorityP1, Cwd: "/tmp"})
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Prompt, got.Prompt)
	require.Equal(t, domain.StatusQueued, got.Status)

	patched := got.Apply(domain.Patch{Status: statusPtr(domain.StatusRunning)}, time.Now())
	require.NoError(t, repo.Update(ctx, patched))

	got2, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got2.Status)

	require.NoError(t, repo.Delete(ctx, task.ID))
	_, err = repo.Get(ctx, task.ID)
	require.Error(t, err)
}

func TestTaskRepositoryListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewTaskRepository(db)

	a := domain.New(domain.NewTaskParams{Prompt: "a", Priority: domain.PriorityP0, Cwd: "/tmp"})
	b := domain.New(domain.NewTaskParams{Prompt: "b", Priority: domain.PriorityP0, Cwd: "/tmp"})
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	running := b.Apply(domain.Patch{Status: statusPtr(domain.StatusRunning)}, time.Now())
	require.NoError(t, repo.Update(ctx, running))

	queuedStatus := domain.StatusQueued
	queued, err := repo.List(ctx, &queuedStatus)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, a.ID, queued[0].ID)
}

func TestDependencyRepositoryAddAndResolve(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tasks := NewTaskRepository(db)
	deps := NewDependencyRepository(db)

	parent := domain.New(domain.NewTaskParams{Prompt: "parent", Priority: domain.PriorityP1, Cwd: "/tmp"})
	child := domain.New(domain.NewTaskParams{Prompt: "child", Priority: domain.PriorityP1, Cwd: "/tmp"})
	require.NoError(t, tasks.Create(ctx, parent))
	require.NoError(t, tasks.Create(ctx, child))

	dep := domain.TaskDependency{TaskID: child.ID, DependsOnTaskID: parent.ID, Resolution: domain.ResolutionPending, CreatedAt: time.Now()}
	require.NoError(t, deps.Add(ctx, dep))

	pending, err := deps.PendingCount(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	require.NoError(t, deps.ResolveForDependent(ctx, parent.ID, domain.ResolutionCompleted, time.Now()))

	pending, err = deps.PendingCount(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestDependencyRepositoryRejectsMissingTask(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	deps := NewDependencyRepository(db)

	err := deps.Add(ctx, domain.TaskDependency{TaskID: "ghost-a", DependsOnTaskID: "ghost-b", Resolution: domain.ResolutionPending, CreatedAt: time.Now()})
	require.Error(t, err)
}

func TestCheckpointRepositoryLatestForTask(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tasks := NewTaskRepository(db)
	checkpoints := NewCheckpointRepository(db)

	task := domain.New(domain.NewTaskParams{Prompt: "p", Priority: domain.PriorityP2, Cwd: "/tmp"})
	require.NoError(t, tasks.Create(ctx, task))

	_, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, found)

	cp := domain.TaskCheckpoint{
		TaskID:         task.ID,
		CheckpointType: domain.CheckpointCompleted,
		OutputSummary:  "done",
		Git:            &domain.GitState{Branch: "main", CommitSHA: "abc123", DirtyFiles: []string{"a.go"}},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, checkpoints.Create(ctx, cp))

	got, found, err := checkpoints.LatestForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "done", got.OutputSummary)
	require.NotNil(t, got.Git)
	require.Equal(t, []string{"a.go"}, got.Git.DirtyFiles)
}

func TestScheduleRepositoryCreateListDueUpdate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewScheduleRepository(db)

	now := time.Now().UTC()
	s := domain.Schedule{
		ID:              "sched-1",
		Template:        domain.TaskTemplate{Prompt: "nightly build", Priority: domain.PriorityP1, Cwd: "/repo", Tags: []string{}, Metadata: map[string]string{}},
		Type:            domain.ScheduleCron,
		CronExpression:  "0 2 * * *",
		Timezone:        "UTC",
		MissedRunPolicy: domain.MissedRunSkip,
		Status:          domain.ScheduleActive,
		NextRunAt:       &now,
		Metadata:        map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, repo.Create(ctx, s))

	due, err := repo.ListDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	due[0].RunCount++
	next := now.Add(24 * time.Hour)
	due[0].NextRunAt = &next
	due[0].UpdatedAt = time.Now()
	require.NoError(t, repo.Update(ctx, due[0]))

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RunCount)
}

func statusPtr(s domain.Status) *domain.Status { return &s }
