// Package collab defines the narrow collaborator interfaces the worker
// pool depends on without committing to a concrete process-spawning or
// resource-monitoring technology. The daemon's own code only ever talks
// to these interfaces; internal/collab/defaultimpl supplies the
// os/exec-backed adapters used outside of tests.
package collab

import (
	"context"
	"io"
)

// SpawnRequest is the opaque collaborator invocation: a prompt, the
// working directory it should operate against, and the task id it will
// report against over JSON-framed stdio.
type SpawnRequest struct {
	TaskID string
	Prompt string
	Cwd    string
}

// SpawnedProcess is a running collaborator subprocess. Stdout/Stderr are
// read by the worker pool's stream-shepherd goroutines; Wait blocks until
// exit, returning the process's exit code.
type SpawnedProcess struct {
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Wait   func() (exitCode int, err error)
	Signal func(sig Signal) error
}

// Signal is a portable subset of process signals the pool needs to send.
type Signal int

const (
	SignalTerminate Signal = iota // graceful: SIGTERM / equivalent
	SignalKill                    // forceful: SIGKILL / equivalent
)

// ProcessSpawner launches the external collaborator for a task.
type ProcessSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnedProcess, error)
}

// ResourceSnapshot is a point-in-time estimate of a worker's resource use.
type ResourceSnapshot struct {
	CPUPercent  float64
	MemoryBytes int64
}

// ResourceMonitor estimates resource consumption for a running PID and
// gates admission of new workers on host CPU/memory headroom (spec §1/§4.7:
// "admits new work only when host CPU/memory permit"). CanSpawnWorker is
// the admission predicate; a failed underlying probe is tolerated and
// treated as permissive rather than blocking spawns on a monitoring outage.
type ResourceMonitor interface {
	Snapshot(pid int) (ResourceSnapshot, error)
	CanSpawnWorker() bool
}

// WorktreeHandle is the outcome of preparing an isolated git worktree for
// a task.
type WorktreeHandle struct {
	Path   string
	Branch string
}

// WorktreeManager prepares and tears down git worktrees for tasks that
// request isolation.
type WorktreeManager interface {
	Prepare(ctx context.Context, taskID string, cfg WorktreeRequest) (WorktreeHandle, error)
	Cleanup(ctx context.Context, taskID string) error
}

// WorktreeRequest mirrors domain.WorktreeConfig without importing domain,
// keeping this package dependency-free of the rest of the daemon.
type WorktreeRequest struct {
	BaseBranch string
	BranchName string
	RepoRoot   string
}
