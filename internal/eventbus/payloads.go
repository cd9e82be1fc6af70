package eventbus

import "github.com/swarmguard/delegate-daemon/internal/domain"

// Payload types for every event/request named in spec §4.2. Handlers type
// -assert the payload they expect; a mismatch is a programming error and
// panics. Handlers run on the goroutine that calls Emit and Emit recovers
// nothing, so the panic reaches the emitting caller — loud in tests, not
// silently swallowed.

type TaskDelegatedPayload struct {
	Task domain.Task
}

type TaskDependencyAddedPayload struct {
	TaskID          string
	DependsOnTaskID string
	Dependency      domain.TaskDependency
}

type TaskDependencyFailedPayload struct {
	TaskID                string
	FailedDependencyID    string
	RequestedDependencies []string
	Error                 string
}

type TaskDependencyResolvedPayload struct {
	TaskID          string
	DependsOnTaskID string
	Resolution      domain.Resolution
}

type TaskQueuedPayload struct {
	TaskID string
}

type TaskUnblockedPayload struct {
	TaskID string
	Task   domain.Task
}

type TaskStartingPayload struct {
	TaskID string
}

type TaskStartedPayload struct {
	TaskID   string
	WorkerID string
}

type TaskCompletedPayload struct {
	TaskID     string
	WorkerID   string
	ExitCode   int
	DurationMs int64
}

type TaskFailedPayload struct {
	TaskID     string
	WorkerID   string
	ExitCode   int
	DurationMs int64
	Error      string
}

type TaskCancelledPayload struct {
	TaskID string
	Reason string
}

type TaskTimeoutPayload struct {
	TaskID   string
	WorkerID string
}

type TaskCancellationRequestedPayload struct {
	TaskID string
	Reason string
}

type WorkerSpawnedPayload struct {
	WorkerID string
	TaskID   string
	PID      int
}

type WorkerKilledPayload struct {
	WorkerID string
	TaskID   string
	Reason   string
}

type CheckpointCreatedPayload struct {
	TaskID     string
	Checkpoint domain.TaskCheckpoint
}

type RecoveryStartedPayload struct{}

type RecoveryCompletedPayload struct {
	TasksRecovered   int
	TasksMarkedFailed int
}

type RequeueTaskPayload struct {
	Task domain.Task
}

type TaskDeletedPayload struct {
	TaskID string
}

type TaskResumedPayload struct {
	OriginalTaskID  string
	NewTaskID       string
	CheckpointUsed  bool
}

// Request/response payloads.

type NextTaskQueryPayload struct{}

type NextTaskQueryResult struct {
	Task  *domain.Task
	Found bool
}

type TaskStatusQueryPayload struct {
	TaskID string // empty means "list all"
}

type TaskStatusQueryResult struct {
	Task  *domain.Task
	Tasks []domain.Task
	Found bool
}

type TaskLogsQueryPayload struct {
	TaskID string
	Tail   int
}

type TaskLogsQueryResult struct {
	Stdout []string
	Stderr []string
	Found  bool
}
