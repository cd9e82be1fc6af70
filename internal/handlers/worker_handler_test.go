package handlers

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/collab"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/queue"
	"github.com/swarmguard/delegate-daemon/internal/store"
	"github.com/swarmguard/delegate-daemon/internal/workerpool"
)

type fakeSpawner struct {
	exitCode int
	output   string
	delay    time.Duration
	pid      int32
}

func (s *fakeSpawner) Spawn(ctx context.Context, req collab.SpawnRequest) (*collab.SpawnedProcess, error) {
	pid := int(atomic.AddInt32(&s.pid, 1))
	return &collab.SpawnedProcess{
		PID:    pid,
		Stdout: io.NopCloser(strings.NewReader(s.output)),
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait: func() (int, error) {
			time.Sleep(s.delay)
			return s.exitCode, nil
		},
		Signal: func(sig collab.Signal) error { return nil },
	}, nil
}

func newTestWorkerHandler(t *testing.T, spawner collab.ProcessSpawner) (*WorkerHandler, *eventbus.Bus, *store.TaskRepository, *queue.Queue) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := store.NewTaskRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()
	pool := workerpool.New(workerpool.DefaultConfig(), spawner, capture.New(""), bus, nil, nil)

	h := NewWorkerHandler(bus, q, pool, tasks)
	return h, bus, tasks, q
}

func TestDispatchSpawnsQueuedTask(t *testing.T) {
	_, bus, tasks, q := newTestWorkerHandler(t, &fakeSpawner{exitCode: 0, output: "ok", delay: 20 * time.Millisecond})
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/tmp", Priority: domain.PriorityP1, TimeoutMs: 5000, MaxOutputBuffer: 1 << 20})
	require.NoError(t, tasks.Create(ctx, task))
	q.Enqueue(task)

	completed := make(chan eventbus.TaskCompletedPayload, 1)
	_, err := bus.Subscribe(eventbus.TaskCompleted, func(_ context.Context, payload any) error {
		completed <- payload.(eventbus.TaskCompletedPayload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: task.ID}))

	select {
	case p := <-completed:
		require.Equal(t, task.ID, p.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TaskCompleted")
	}

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
}

func TestDispatchSchedulesBackoffRetryOnAdmissionDenial(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := store.NewTaskRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	q := queue.New()
	cfg := workerpool.DefaultConfig()
	cfg.MaxConcurrent = 0 // every Spawn is refused by the concurrency cap
	pool := workerpool.New(cfg, &fakeSpawner{exitCode: 0, output: "x", delay: time.Second}, capture.New(""), bus, nil, nil)

	h := NewWorkerHandler(bus, q, pool, tasks)
	h.backoff = 20 * time.Millisecond

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/tmp", Priority: domain.PriorityP1, TimeoutMs: 5000, MaxOutputBuffer: 1 << 20})
	require.NoError(t, tasks.Create(context.Background(), task))
	q.Enqueue(task)

	require.NoError(t, bus.Emit(context.Background(), eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: task.ID}))

	h.mu.Lock()
	armed := h.retryTimer != nil
	h.mu.Unlock()
	require.True(t, armed, "expected a backoff timer to be armed after admission denial")

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.retryTimer == nil
	}, time.Second, 5*time.Millisecond, "expected the backoff timer to fire and clear itself")

	require.True(t, q.Contains(task.ID), "task should remain queued while admission keeps refusing it")
}

func TestCancellationRequestedRemovesStillQueuedTask(t *testing.T) {
	_, bus, tasks, q := newTestWorkerHandler(t, &fakeSpawner{exitCode: 0, delay: 10 * time.Second})
	ctx := context.Background()

	task := domain.New(domain.NewTaskParams{Prompt: "p", Cwd: "/tmp", Priority: domain.PriorityP2, TimeoutMs: 5000, MaxOutputBuffer: 1 << 20})
	require.NoError(t, tasks.Create(ctx, task))
	q.Enqueue(task)

	cancelled := make(chan eventbus.TaskCancelledPayload, 1)
	_, err := bus.Subscribe(eventbus.TaskCancelled, func(_ context.Context, payload any) error {
		cancelled <- payload.(eventbus.TaskCancelledPayload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, eventbus.TaskCancellationRequested, eventbus.TaskCancellationRequestedPayload{TaskID: task.ID, Reason: "user cancelled"}))

	select {
	case p := <-cancelled:
		require.Equal(t, task.ID, p.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TaskCancelled")
	}
	require.False(t, q.Contains(task.ID))
}
