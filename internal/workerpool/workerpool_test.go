package workerpool

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/collab"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
)

func newFakeSpawner(exitCode int, output string, waitDelay time.Duration) *fakeSpawner {
	return &fakeSpawner{exitCode: exitCode, output: output, waitDelay: waitDelay}
}

type fakeSpawner struct {
	exitCode  int
	output    string
	waitDelay time.Duration
	pid       int32
}

func (s *fakeSpawner) Spawn(ctx context.Context, req collab.SpawnRequest) (*collab.SpawnedProcess, error) {
	pid := int(atomic.AddInt32(&s.pid, 1))
	exitCh := make(chan struct{})
	killed := &atomic.Bool{}

	go func() {
		select {
		case <-time.After(s.waitDelay):
		case <-exitCh:
		}
	}()

	return &collab.SpawnedProcess{
		PID:    pid,
		Stdout: io.NopCloser(strings.NewReader(s.output)),
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait: func() (int, error) {
			select {
			case <-time.After(s.waitDelay):
			case <-exitCh:
			}
			if killed.Load() {
				return -1, nil
			}
			return s.exitCode, nil
		},
		Signal: func(sig collab.Signal) error {
			killed.Store(true)
			close(exitCh)
			return nil
		},
	}, nil
}

func TestPoolSpawnEmitsCompletedOnSuccess(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	done := make(chan eventbus.TaskCompletedPayload, 1)
	_, err := bus.Subscribe(eventbus.TaskCompleted, func(ctx context.Context, payload any) error {
		done <- payload.(eventbus.TaskCompletedPayload)
		return nil
	})
	require.NoError(t, err)

	pool := New(DefaultConfig(), newFakeSpawner(0, "hello\n", 50*time.Millisecond), capture.New(""), bus, nil, nil)

	task := domain.New(domain.NewTaskParams{Prompt: "p", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})
	require.NoError(t, pool.Spawn(context.Background(), task))

	select {
	case payload := <-done:
		require.Equal(t, task.ID, payload.TaskID)
		require.Equal(t, 0, payload.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TaskCompleted")
	}
}

func TestPoolCancelKillsWorker(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	cancelled := make(chan eventbus.TaskCancelledPayload, 1)
	_, err := bus.Subscribe(eventbus.TaskCancelled, func(ctx context.Context, payload any) error {
		cancelled <- payload.(eventbus.TaskCancelledPayload)
		return nil
	})
	require.NoError(t, err)

	pool := New(DefaultConfig(), newFakeSpawner(0, "", 10*time.Second), capture.New(""), bus, nil, nil)
	task := domain.New(domain.NewTaskParams{Prompt: "p", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})
	require.NoError(t, pool.Spawn(context.Background(), task))

	require.NoError(t, pool.Cancel(context.Background(), task.ID, "user requested"))

	select {
	case payload := <-cancelled:
		require.Equal(t, task.ID, payload.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TaskCancelled")
	}
}

func TestPoolRejectsAtConcurrencyCap(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	pool := New(cfg, newFakeSpawner(0, "", 5*time.Second), capture.New(""), bus, nil, nil)

	t1 := domain.New(domain.NewTaskParams{Prompt: "a", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})
	t2 := domain.New(domain.NewTaskParams{Prompt: "b", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})

	require.NoError(t, pool.Spawn(context.Background(), t1))
	err := pool.Spawn(context.Background(), t2)
	require.Error(t, err)
}

type fakeResourceMonitor struct{ allow bool }

func (m fakeResourceMonitor) Snapshot(pid int) (collab.ResourceSnapshot, error) {
	return collab.ResourceSnapshot{}, nil
}

func (m fakeResourceMonitor) CanSpawnWorker() bool { return m.allow }

func TestPoolRejectsWhenResourceMonitorDenies(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	pool := New(DefaultConfig(), newFakeSpawner(0, "", 5*time.Second), capture.New(""), bus, nil, fakeResourceMonitor{allow: false})

	task := domain.New(domain.NewTaskParams{Prompt: "p", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})
	err := pool.Spawn(context.Background(), task)
	require.Error(t, err)
}

func TestPoolSpawnsWhenResourceMonitorPermits(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	pool := New(DefaultConfig(), newFakeSpawner(0, "", 50*time.Millisecond), capture.New(""), bus, nil, fakeResourceMonitor{allow: true})

	task := domain.New(domain.NewTaskParams{Prompt: "p", Priority: domain.PriorityP1, Cwd: "/tmp", MaxOutputBuffer: 1 << 20})
	require.NoError(t, pool.Spawn(context.Background(), task))
}
