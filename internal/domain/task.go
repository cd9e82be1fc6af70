// Package domain holds the daemon's immutable entities: Task, Worker,
// TaskCheckpoint, TaskDependency and Schedule. Every "edit" produces a new
// value via patch-style application (Task.Apply) rather than mutating a shared
// instance in place, matching the frozen-object discipline the spec calls
// for in place of the teacher's local habit of mutating structs in tests.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority is a closed tier used by the priority queue; lower ordinal is
// higher priority (P0 is serviced before P1 before P2).
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank returns the sort key for priority ordering (lower = higher
// priority), used by the priority queue's sub-queue selection.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 99
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2:
		return true
	}
	return false
}

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorktreeConfig captures optional git-worktree isolation requested for a
// task. The manager only records this block; nothing in the daemon passes
// it to a WorktreeManager.
type WorktreeConfig struct {
	Enabled    bool   `json:"enabled"`
	BaseBranch string `json:"baseBranch,omitempty"`
	BranchName string `json:"branchName,omitempty"`
}

// Task is the immutable unit of delegated work.
type Task struct {
	ID        string
	Prompt    string
	Priority  Priority
	Status    Status
	Cwd       string
	TimeoutMs int64
	MaxOutputBuffer int64

	Worktree *WorktreeConfig

	ParentTaskID string
	RetryOf      string
	RetryCount   int

	ContinueFrom string
	DependsOn    []string

	Tags     []string
	Metadata map[string]string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	WorkerID string
	ExitCode *int
	DurationMs *int64
}

// NewTaskParams collects the caller-facing fields needed to construct a
// fresh Task. Defaults not supplied here are the manager's job to fill in
// from configuration before calling New.
type NewTaskParams struct {
	Prompt          string
	Priority        Priority
	Cwd             string
	TimeoutMs       int64
	MaxOutputBuffer int64
	Worktree        *WorktreeConfig
	ParentTaskID    string
	RetryOf         string
	RetryCount      int
	ContinueFrom    string
	DependsOn       []string
	Tags            []string
	Metadata        map[string]string
	Now             time.Time
}

// New constructs a fresh, queued Task with a generated id. It performs no
// validation beyond the structural — policy validation (non-empty prompt,
// cycle/depth checks) happens in the callers that own those invariants
// (Task Manager, Dependency Handler) so domain stays free of cross-cutting
// dependencies.
func New(p NewTaskParams) Task {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	deps := append([]string(nil), p.DependsOn...)
	tags := append([]string(nil), p.Tags...)
	var meta map[string]string
	if p.Metadata != nil {
		meta = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = v
		}
	}
	return Task{
		ID:              uuid.NewString(),
		Prompt:          p.Prompt,
		Priority:        p.Priority,
		Status:          StatusQueued,
		Cwd:             p.Cwd,
		TimeoutMs:       p.TimeoutMs,
		MaxOutputBuffer: p.MaxOutputBuffer,
		Worktree:        p.Worktree,
		ParentTaskID:    p.ParentTaskID,
		RetryOf:         p.RetryOf,
		RetryCount:      p.RetryCount,
		ContinueFrom:    p.ContinueFrom,
		DependsOn:       deps,
		Tags:            tags,
		Metadata:        meta,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Patch describes a partial update applied by repositories under a single
// transaction (read-modify-write). Nil fields are left unchanged.
type Patch struct {
	Status      *Status
	Prompt      *string
	StartedAt   **time.Time
	CompletedAt **time.Time
	WorkerID    *string
	ExitCode    **int
	DurationMs  **int64
}

// Apply returns a new Task with patch fields applied and UpdatedAt bumped.
func (t Task) Apply(p Patch, now time.Time) Task {
	out := t
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Prompt != nil {
		out.Prompt = *p.Prompt
	}
	if p.StartedAt != nil {
		out.StartedAt = *p.StartedAt
	}
	if p.CompletedAt != nil {
		out.CompletedAt = *p.CompletedAt
	}
	if p.WorkerID != nil {
		out.WorkerID = *p.WorkerID
	}
	if p.ExitCode != nil {
		out.ExitCode = *p.ExitCode
	}
	if p.DurationMs != nil {
		out.DurationMs = *p.DurationMs
	}
	out.UpdatedAt = now
	return out
}

// HasDependencies reports whether this task was delegated with
// dependencies at all (used by callers deciding whether to consult the
// dependency repository before enqueuing).
func (t Task) HasDependencies() bool {
	return len(t.DependsOn) > 0
}
