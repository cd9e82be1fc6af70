package domain

import "time"

// ScheduleType distinguishes recurring cron schedules from single-shot
// ones.
type ScheduleType string

const (
	ScheduleCron    ScheduleType = "cron"
	ScheduleOneShot ScheduleType = "one_shot"
)

// MissedRunPolicy governs what happens when a due instant is observed
// late (daemon was down, or the poll loop fell behind).
type MissedRunPolicy string

const (
	MissedRunSkip     MissedRunPolicy = "skip"
	MissedRunCatchup  MissedRunPolicy = "catchup"
	MissedRunFail     MissedRunPolicy = "fail"
)

func (p MissedRunPolicy) Valid() bool {
	switch p {
	case MissedRunSkip, MissedRunCatchup, MissedRunFail:
		return true
	}
	return false
}

// ScheduleStatus is the closed set of schedule lifecycle states.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleExpired   ScheduleStatus = "expired"
)

// TaskTemplate is the subset of NewTaskParams a schedule materializes a
// fresh Task from on each run.
type TaskTemplate struct {
	Prompt          string
	Priority        Priority
	Cwd             string
	TimeoutMs       int64
	MaxOutputBuffer int64
	Worktree        *WorktreeConfig
	Tags            []string
	Metadata        map[string]string
}

// Schedule is a persistent cron/one-shot task-dispatch definition.
type Schedule struct {
	ID              string
	Template        TaskTemplate
	Type            ScheduleType
	CronExpression  string
	ScheduledAt     *time.Time
	Timezone        string
	MissedRunPolicy MissedRunPolicy
	Status          ScheduleStatus
	MaxRuns         *int
	RunCount        int
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	ExpiresAt       *time.Time
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScheduleExecution is one recorded dispatch (success or failure) used by
// getExecutionHistory.
type ScheduleExecution struct {
	ID         int64
	ScheduleID string
	TaskID     string
	RanAt      time.Time
	Error      string
}
