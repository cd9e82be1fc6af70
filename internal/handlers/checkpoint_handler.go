package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// GitStateReader captures the working tree state for a task's cwd. It is
// optional — a nil reader (or one that errors) simply yields a checkpoint
// with no Git block, never blocking checkpoint creation.
type GitStateReader interface {
	Read(ctx context.Context, cwd string) (domain.GitState, error)
}

// CheckpointHandler subscribes to terminal task events and persists a
// TaskCheckpoint capturing truncated output/error tails and (if available)
// git state, per spec §4.9.
type CheckpointHandler struct {
	bus         *eventbus.Bus
	checkpoints *store.CheckpointRepository
	tasks       *store.TaskRepository
	capture     *capture.Store
	git         GitStateReader
}

// NewCheckpointHandler constructs and subscribes a CheckpointHandler. git
// may be nil.
func NewCheckpointHandler(bus *eventbus.Bus, checkpoints *store.CheckpointRepository, tasks *store.TaskRepository, captureStore *capture.Store, git GitStateReader) *CheckpointHandler {
	h := &CheckpointHandler{bus: bus, checkpoints: checkpoints, tasks: tasks, capture: captureStore, git: git}

	mustSubscribe(bus, eventbus.TaskCompleted, h.onTerminal(domain.CheckpointCompleted))
	mustSubscribe(bus, eventbus.TaskFailed, h.onTerminal(domain.CheckpointFailed))
	mustSubscribe(bus, eventbus.TaskCancelled, h.onTerminal(domain.CheckpointCancelled))

	return h
}

func (h *CheckpointHandler) onTerminal(ct domain.CheckpointType) eventbus.Handler {
	return func(ctx context.Context, payload any) error {
		taskID := terminalTaskID(payload)
		if taskID == "" {
			return nil
		}

		task, err := h.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}

		out, _ := h.capture.GetOutput(taskID, 50)
		outputSummary := domain.TruncateTail(joinLines(out.Stdout))

		errorText := joinLines(out.Stderr)
		if errorText == "" {
			errorText = terminalErrorText(payload)
		}
		errorSummary := domain.TruncateTail(errorText)

		var gitState *domain.GitState
		if h.git != nil {
			if gs, err := h.git.Read(ctx, task.Cwd); err == nil {
				gitState = &gs
			} else {
				slog.Warn("git state capture failed", "task_id", taskID, "error", err)
			}
		}

		cp := domain.TaskCheckpoint{
			TaskID:         taskID,
			CheckpointType: ct,
			OutputSummary:  outputSummary,
			ErrorSummary:   errorSummary,
			Git:            gitState,
			CreatedAt:      time.Now(),
		}
		if err := h.checkpoints.Create(ctx, cp); err != nil {
			return err
		}

		h.capture.Cleanup(taskID)
		return h.bus.Emit(ctx, eventbus.CheckpointCreated, eventbus.CheckpointCreatedPayload{TaskID: taskID, Checkpoint: cp})
	}
}

// terminalErrorText extracts the terminal event's own error/reason text,
// used as the errorSummary fallback when stderr captured nothing (spec
// §3/§4.10: stderr-preferred, then event error message; for TaskCancelled,
// the cancellation reason).
func terminalErrorText(payload any) string {
	switch p := payload.(type) {
	case eventbus.TaskFailedPayload:
		return p.Error
	case eventbus.TaskCancelledPayload:
		return p.Reason
	default:
		return ""
	}
}

func joinLines(lines []string) string {
	total := 0
	for _, l := range lines {
		total += len(l)
	}
	buf := make([]byte, 0, total)
	for _, l := range lines {
		buf = append(buf, l...)
	}
	return string(buf)
}
