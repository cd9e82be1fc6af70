package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/graph"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// MaxDependencyDepth bounds how deep a dependency chain may run before a
// new edge is refused (spec §4.3/§4.4's depth guard against pathological DAGs).
const MaxDependencyDepth = 100

// MaxDependencyCount bounds how many dependencies a single task may carry
// (spec §4.3's per-task cap).
const MaxDependencyCount = 100

// EnrichmentTimeout bounds how long onTaskTerminal waits for a checkpoint
// to arrive for a continueFrom target before giving up and unblocking the
// dependent without enrichment (spec §4.9's "functional correctness does
// not depend on the enrichment" escape hatch).
const EnrichmentTimeout = 5 * time.Second

// DependencyHandler owns the in-memory dependency graph mirror and the
// bus wiring that keeps it, the repository, and the priority queue in
// sync. It is built from a factory (NewDependencyHandler) that performs a
// full repository scan to seed the graph before subscribing to further
// mutations, matching the "build one copy at boot" contract in
// internal/graph's doc comment.
type DependencyHandler struct {
	bus         *eventbus.Bus
	graph       *graph.Graph
	deps        *store.DependencyRepository
	tasks       *store.TaskRepository
	checkpoints *store.CheckpointRepository
	q           queueEnqueuer
}

// queueEnqueuer is the minimal surface DependencyHandler needs from
// internal/queue, kept as an interface here so unit tests can substitute a
// recorder without depending on container/list internals.
type queueEnqueuer interface {
	Enqueue(task domain.Task) bool
}

// NewDependencyHandler builds the graph from a full scan of deps, then
// subscribes to further task lifecycle events.
func NewDependencyHandler(ctx context.Context, bus *eventbus.Bus, deps *store.DependencyRepository, tasks *store.TaskRepository, checkpoints *store.CheckpointRepository, q queueEnqueuer) (*DependencyHandler, error) {
	h := &DependencyHandler{bus: bus, graph: graph.New(), deps: deps, tasks: tasks, checkpoints: checkpoints, q: q}

	all, err := deps.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		h.graph.AddEdge(d.TaskID, d.DependsOnTaskID)
	}

	mustSubscribe(bus, eventbus.TaskDelegated, h.onTaskDelegated)
	mustSubscribe(bus, eventbus.TaskCompleted, h.onTaskTerminal(domain.StatusCompleted))
	mustSubscribe(bus, eventbus.TaskFailed, h.onTaskTerminal(domain.StatusFailed))
	mustSubscribe(bus, eventbus.TaskCancelled, h.onTaskTerminal(domain.StatusCancelled))

	return h, nil
}

// onTaskDelegated validates and records the edges of a freshly delegated
// task, then enqueues it immediately if it has no pending dependencies.
func (h *DependencyHandler) onTaskDelegated(ctx context.Context, payload any) error {
	p := payload.(eventbus.TaskDelegatedPayload)
	task := p.Task

	if !task.HasDependencies() {
		if h.q.Enqueue(task) {
			return h.bus.Emit(ctx, eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: task.ID})
		}
		return nil
	}

	if len(task.DependsOn) > MaxDependencyCount {
		err := apperr.Newf(apperr.InvalidOperation, "task %s proposes %d dependencies, exceeding the per-task cap %d", task.ID, len(task.DependsOn), MaxDependencyCount)
		_ = h.bus.Emit(ctx, eventbus.TaskDependencyFailed, eventbus.TaskDependencyFailedPayload{
			TaskID: task.ID, RequestedDependencies: task.DependsOn, Error: err.Error(),
		})
		return err
	}

	// Validate the whole batch before touching the store or the graph: a
	// delegate that proposes [d1..dn] with any invalid edge must leave
	// zero dependency rows, zero graph mutations, and zero
	// TaskDependencyAdded events (spec §4.3/§8's atomic-batch-adds
	// property). Existence is checked here too, not left to surface late
	// as a foreign-key failure mid-insert.
	now := time.Now()
	deps := make([]domain.TaskDependency, 0, len(task.DependsOn))
	pending := 0
	for _, depID := range task.DependsOn {
		if h.graph.WouldCreateCycle(task.ID, depID) {
			err := apperr.Newf(apperr.InvalidOperation, "dependency %s on %s would create a cycle", task.ID, depID)
			_ = h.bus.Emit(ctx, eventbus.TaskDependencyFailed, eventbus.TaskDependencyFailedPayload{
				TaskID: task.ID, FailedDependencyID: depID, RequestedDependencies: task.DependsOn, Error: err.Error(),
			})
			return err
		}
		if depth := h.graph.GetMaxDepth(depID) + 1; depth > MaxDependencyDepth {
			err := apperr.Newf(apperr.InvalidOperation, "dependency chain through %s exceeds max depth %d", depID, MaxDependencyDepth)
			_ = h.bus.Emit(ctx, eventbus.TaskDependencyFailed, eventbus.TaskDependencyFailedPayload{
				TaskID: task.ID, FailedDependencyID: depID, RequestedDependencies: task.DependsOn, Error: err.Error(),
			})
			return err
		}

		depTask, err := h.tasks.Get(ctx, depID)
		if err != nil {
			wrapped := apperr.Wrapf(apperr.InvalidOperation, err, "dependency %s not found", depID)
			_ = h.bus.Emit(ctx, eventbus.TaskDependencyFailed, eventbus.TaskDependencyFailedPayload{
				TaskID: task.ID, FailedDependencyID: depID, RequestedDependencies: task.DependsOn, Error: wrapped.Error(),
			})
			return wrapped
		}

		resolution := domain.ResolutionPending
		var resolvedAt *time.Time
		if depTask.Status.Terminal() {
			resolution = domain.ResolutionForStatus(depTask.Status)
			resolvedAt = &now
		} else {
			pending++
		}

		deps = append(deps, domain.TaskDependency{TaskID: task.ID, DependsOnTaskID: depID, Resolution: resolution, CreatedAt: now, ResolvedAt: resolvedAt})
	}

	// The entire batch commits in one transaction, or none of it does.
	if err := h.deps.AddBatch(ctx, deps); err != nil {
		_ = h.bus.Emit(ctx, eventbus.TaskDependencyFailed, eventbus.TaskDependencyFailedPayload{
			TaskID: task.ID, FailedDependencyID: deps[0].DependsOnTaskID, RequestedDependencies: task.DependsOn, Error: err.Error(),
		})
		return err
	}

	// Graph mutation and event emission happen only after the batch write
	// has durably committed.
	for _, dep := range deps {
		h.graph.AddEdge(task.ID, dep.DependsOnTaskID)
		_ = h.bus.Emit(ctx, eventbus.TaskDependencyAdded, eventbus.TaskDependencyAddedPayload{TaskID: task.ID, DependsOnTaskID: dep.DependsOnTaskID, Dependency: dep})
	}

	if pending == 0 {
		if h.q.Enqueue(task) {
			return h.bus.Emit(ctx, eventbus.TaskQueued, eventbus.TaskQueuedPayload{TaskID: task.ID})
		}
	}
	return nil
}

// onTaskTerminal resolves every dependency edge pointing at the finished
// task, then re-checks each dependent to see if it has become unblocked.
func (h *DependencyHandler) onTaskTerminal(status domain.Status) eventbus.Handler {
	return func(ctx context.Context, payload any) error {
		taskID := terminalTaskID(payload)
		if taskID == "" {
			return nil
		}

		resolution := domain.ResolutionForStatus(status)
		now := time.Now()
		if err := h.deps.ResolveForDependent(ctx, taskID, resolution, now); err != nil {
			return err
		}

		for _, dependentID := range h.graph.Dependents(taskID) {
			pending, err := h.deps.PendingCount(ctx, dependentID)
			if err != nil {
				slog.Error("pending count failed", "task_id", dependentID, "error", err)
				continue
			}
			if pending > 0 {
				continue
			}
			_ = h.bus.Emit(ctx, eventbus.TaskDependencyResolved, eventbus.TaskDependencyResolvedPayload{TaskID: dependentID, DependsOnTaskID: taskID, Resolution: resolution})

			dependent, err := h.tasks.Get(ctx, dependentID)
			if err != nil {
				slog.Error("load unblocked task failed", "task_id", dependentID, "error", err)
				continue
			}
			if dependent.Status != domain.StatusQueued {
				continue
			}

			if dependent.ContinueFrom != "" {
				dependent = h.enrich(ctx, dependent)
			}
			_ = h.bus.Emit(ctx, eventbus.TaskUnblocked, eventbus.TaskUnblockedPayload{TaskID: dependentID, Task: dependent})
		}
		return nil
	}
}

// enrich implements the subscribe-first, then-probe race described in
// spec §4.9: it subscribes to CheckpointCreated before checking whether
// the checkpoint already landed, so a checkpoint written between the
// probe and the subscribe can never be missed. If nothing arrives within
// EnrichmentTimeout, it proceeds without enrichment — correctness never
// depends on this step succeeding.
func (h *DependencyHandler) enrich(ctx context.Context, dependent domain.Task) domain.Task {
	target := dependent.ContinueFrom

	arrived := make(chan domain.TaskCheckpoint, 1)
	sub, err := h.bus.Subscribe(eventbus.CheckpointCreated, func(_ context.Context, payload any) error {
		p, ok := payload.(eventbus.CheckpointCreatedPayload)
		if !ok || p.TaskID != target {
			return nil
		}
		select {
		case arrived <- p.Checkpoint:
		default:
		}
		return nil
	})
	if err != nil {
		slog.Warn("enrichment subscribe failed, proceeding without it", "task_id", dependent.ID, "error", err)
		return dependent
	}
	defer sub.Unsubscribe()

	var cp domain.TaskCheckpoint
	found := false
	if existing, ok, err := h.checkpoints.LatestForTask(ctx, target); err == nil && ok {
		cp, found = existing, true
	}

	if !found {
		select {
		case cp = <-arrived:
			found = true
		case <-time.After(EnrichmentTimeout):
		case <-ctx.Done():
		}
	}

	if !found {
		slog.Warn("no checkpoint arrived for continuation enrichment, proceeding without it", "task_id", dependent.ID, "continue_from", target)
		return dependent
	}

	depTask, err := h.tasks.Get(ctx, target)
	if err != nil {
		slog.Warn("continuation source task lookup failed, proceeding without enrichment", "task_id", dependent.ID, "continue_from", target, "error", err)
		return dependent
	}

	enrichedPrompt := buildEnrichedPrompt(depTask, cp, dependent.Prompt)
	updated := dependent.Apply(domain.Patch{Prompt: &enrichedPrompt}, time.Now())
	if err := h.tasks.Update(ctx, updated); err != nil {
		slog.Warn("persisting enriched prompt failed, proceeding without enrichment", "task_id", dependent.ID, "error", err)
		return dependent
	}

	refetched, err := h.tasks.Get(ctx, dependent.ID)
	if err != nil {
		return updated
	}
	return refetched
}

func buildEnrichedPrompt(dep domain.Task, cp domain.TaskCheckpoint, originalPrompt string) string {
	var b strings.Builder
	b.WriteString("DEPENDENCY CONTEXT: ")
	b.WriteString(dep.Prompt)
	b.WriteString("\n")
	b.WriteString(cp.OutputSummary)
	b.WriteString("\n")
	b.WriteString(cp.ErrorSummary)
	if cp.Git != nil {
		b.WriteString(fmt.Sprintf("\ngit: %s@%s", cp.Git.Branch, cp.Git.CommitSHA))
		if len(cp.Git.DirtyFiles) > 0 {
			b.WriteString(" dirty: " + strings.Join(cp.Git.DirtyFiles, ", "))
		}
	}
	b.WriteString("\n\nYOUR TASK: ")
	b.WriteString(originalPrompt)
	return b.String()
}

func terminalTaskID(payload any) string {
	switch p := payload.(type) {
	case eventbus.TaskCompletedPayload:
		return p.TaskID
	case eventbus.TaskFailedPayload:
		return p.TaskID
	case eventbus.TaskCancelledPayload:
		return p.TaskID
	default:
		return ""
	}
}
