package domain

import "time"

// Resolution is the closed set of terminal states recorded against a
// dependency edge. Once it leaves Pending it never returns there.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionCompleted Resolution = "completed"
	ResolutionFailed    Resolution = "failed"
	ResolutionCancelled Resolution = "cancelled"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionCompleted, ResolutionFailed, ResolutionCancelled:
		return true
	}
	return false
}

// TaskDependency is a directed edge taskID -> dependsOnTaskID.
type TaskDependency struct {
	ID            int64
	TaskID        string
	DependsOnTaskID string
	Resolution    Resolution
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// ResolutionForStatus maps a terminal task Status onto the Resolution
// recorded against dependency edges pointing at that task.
func ResolutionForStatus(s Status) Resolution {
	switch s {
	case StatusCompleted:
		return ResolutionCompleted
	case StatusFailed:
		return ResolutionFailed
	case StatusCancelled:
		return ResolutionCancelled
	default:
		return ResolutionPending
	}
}
