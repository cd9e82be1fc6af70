package domain

import "time"

// CheckpointType mirrors the terminal task status that produced a
// checkpoint.
type CheckpointType string

const (
	CheckpointCompleted CheckpointType = "completed"
	CheckpointFailed    CheckpointType = "failed"
	CheckpointCancelled CheckpointType = "cancelled"
)

// GitState captures the working tree state at the moment a checkpoint was
// taken; all fields empty when the task had no working directory or the
// git-state capture failed (tolerated, never fatal).
type GitState struct {
	Branch     string   `json:"branch,omitempty"`
	CommitSHA  string   `json:"commitSha,omitempty"`
	DirtyFiles []string `json:"dirtyFiles,omitempty"`
}

// TaskCheckpoint is an append-only terminal-state snapshot.
type TaskCheckpoint struct {
	ID             int64
	TaskID         string
	CheckpointType CheckpointType
	OutputSummary  string
	ErrorSummary   string
	Git            *GitState
	ContextNote    string
	CreatedAt      time.Time
}

// MaxSummaryChars bounds the truncated output/error summaries kept on a
// checkpoint, per spec §3.
const MaxSummaryChars = 2000

// TruncateTail returns the last MaxSummaryChars characters of s, or s
// unchanged if it already fits.
func TruncateTail(s string) string {
	r := []rune(s)
	if len(r) <= MaxSummaryChars {
		return s
	}
	return string(r[len(r)-MaxSummaryChars:])
}
