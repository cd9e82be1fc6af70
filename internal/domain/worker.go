package domain

import (
	"fmt"
	"time"
)

// Worker is a transient, non-persisted record of a spawned subprocess.
type Worker struct {
	WorkerID  string
	TaskID    string
	PID       int
	StartedAt time.Time

	// EstCPUPercent/EstMemoryBytes are best-effort bookkeeping supplied by
	// the resource monitor collaborator; zero when unavailable.
	EstCPUPercent  float64
	EstMemoryBytes int64
}

// WorkerIDForPID formats the canonical "worker-<pid>" identity used throughout
// the spec's event payloads.
func WorkerIDForPID(pid int) string {
	return fmt.Sprintf("worker-%d", pid)
}
