// Package workerpool implements the Worker Pool component of spec §4.7:
// admission-controlled spawning of the collaborator subprocess, worker-id
// <-> task-id tracking, stream shepherding into the output capture store,
// per-task timeout enforcement, and a soft-then-hard kill sequence on
// cancellation. Its active-execution bookkeeping is adapted from the
// teacher's CancellationManager (root cancellation.go): a mutex-guarded
// map of in-flight work keyed by id, with a CancelFunc per entry.
package workerpool

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/collab"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/resilience"
)

// Config bounds pool admission and kill-sequence timing.
type Config struct {
	MaxConcurrent      int
	SpawnRateCapacity  int64
	SpawnFillRate      float64
	SpawnWindow        time.Duration
	SpawnMaxPerWindow  int64
	GracefulKillWindow time.Duration
}

// DefaultConfig matches spec §4.7/§4.8's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      8,
		SpawnRateCapacity:  4,
		SpawnFillRate:      1,
		SpawnWindow:        10 * time.Second,
		SpawnMaxPerWindow:  20,
		GracefulKillWindow: 5 * time.Second,
	}
}

type activeWorker struct {
	worker domain.Worker
	proc   *collab.SpawnedProcess
	cancel context.CancelFunc
	timer  *time.Timer
	exited chan struct{} // closed by await() once proc.Wait() returns
}

// Pool is the admission-controlled worker pool.
type Pool struct {
	cfg       Config
	spawner   collab.ProcessSpawner
	resources collab.ResourceMonitor
	capture   *capture.Store
	bus       *eventbus.Bus
	ledger    *HeartbeatLedger
	limiter   *resilience.RateLimiter
	breaker   *resilience.CircuitBreaker

	mu      sync.Mutex
	active  map[string]*activeWorker // keyed by taskID
	byWorker map[string]string       // workerID -> taskID

	spawnedCounter metric.Int64Counter
	killedCounter  metric.Int64Counter
	rejectCounter  metric.Int64Counter
}

// New constructs a Pool. ledger may be nil in tests that don't care about
// heartbeat persistence. resources may be nil, in which case host
// CPU/memory admission control is skipped entirely (tests that don't
// exercise it, or environments with no /proc to probe).
func New(cfg Config, spawner collab.ProcessSpawner, captureStore *capture.Store, bus *eventbus.Bus, ledger *HeartbeatLedger, resources collab.ResourceMonitor) *Pool {
	meter := otel.GetMeterProvider().Meter("delegate-daemon")
	spawnedCounter, _ := meter.Int64Counter("delegate_daemon_workerpool_spawned_total")
	killedCounter, _ := meter.Int64Counter("delegate_daemon_workerpool_killed_total")
	rejectCounter, _ := meter.Int64Counter("delegate_daemon_workerpool_spawn_rejected_total")

	return &Pool{
		cfg:       cfg,
		spawner:   spawner,
		resources: resources,
		capture:   captureStore,
		bus:       bus,
		ledger:    ledger,
		limiter:   resilience.NewRateLimiter(cfg.SpawnRateCapacity, cfg.SpawnFillRate, cfg.SpawnWindow, cfg.SpawnMaxPerWindow),
		breaker:   resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		active:    make(map[string]*activeWorker),
		byWorker:  make(map[string]string),

		spawnedCounter: spawnedCounter,
		killedCounter:  killedCounter,
		rejectCounter:  rejectCounter,
	}
}

// ActiveCount returns how many workers are currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Spawn admits and starts a worker for task, subject to concurrency cap,
// spawn-rate limiter, and circuit breaker. It emits WorkerSpawned,
// TaskStarted, and eventually TaskCompleted/TaskFailed/TaskTimeout.
func (p *Pool) Spawn(ctx context.Context, task domain.Task) error {
	if p.resources != nil && !p.resources.CanSpawnWorker() {
		p.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "host_resources")))
		return apperr.New(apperr.InsufficientResources, "host CPU/memory do not permit another worker")
	}

	p.mu.Lock()
	if len(p.active) >= p.cfg.MaxConcurrent {
		p.mu.Unlock()
		p.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "concurrency_cap")))
		return apperr.Newf(apperr.InsufficientResources, "worker pool at capacity (%d)", p.cfg.MaxConcurrent)
	}
	p.mu.Unlock()

	if !p.breaker.Allow() {
		p.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "circuit_open")))
		return apperr.New(apperr.WorkerSpawnFailed, "spawn circuit breaker open")
	}
	if !p.limiter.Allow() {
		p.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
		return apperr.New(apperr.QueueFull, "spawn rate limit exceeded")
	}

	_ = p.bus.Emit(ctx, eventbus.TaskStarting, eventbus.TaskStartingPayload{TaskID: task.ID})

	proc, err := p.spawner.Spawn(ctx, collab.SpawnRequest{TaskID: task.ID, Prompt: task.Prompt, Cwd: task.Cwd})
	if err != nil {
		p.breaker.RecordResult(false)
		return apperr.Wrap(apperr.WorkerSpawnFailed, "spawn collaborator process", err)
	}
	p.breaker.RecordResult(true)

	workerID := domain.WorkerIDForPID(proc.PID)
	runCtx, cancel := context.WithCancel(ctx)

	aw := &activeWorker{
		worker: domain.Worker{WorkerID: workerID, TaskID: task.ID, PID: proc.PID, StartedAt: time.Now()},
		proc:   proc,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	p.mu.Lock()
	p.active[task.ID] = aw
	p.byWorker[workerID] = task.ID
	p.mu.Unlock()

	p.capture.ConfigureTask(task.ID, task.MaxOutputBuffer)
	if p.ledger != nil {
		_ = p.ledger.Touch(workerID, task.ID, proc.PID, time.Now())
	}

	p.spawnedCounter.Add(ctx, 1)
	_ = p.bus.Emit(ctx, eventbus.WorkerSpawned, eventbus.WorkerSpawnedPayload{WorkerID: workerID, TaskID: task.ID, PID: proc.PID})
	_ = p.bus.Emit(ctx, eventbus.TaskStarted, eventbus.TaskStartedPayload{TaskID: task.ID, WorkerID: workerID})

	if task.TimeoutMs > 0 {
		aw.timer = time.AfterFunc(time.Duration(task.TimeoutMs)*time.Millisecond, func() {
			p.handleTimeout(context.Background(), task.ID)
		})
	}

	go p.shepherd(runCtx, task.ID, proc.Stdout, capture.Stdout)
	go p.shepherd(runCtx, task.ID, proc.Stderr, capture.Stderr)
	go p.await(runCtx, task, aw)

	return nil
}

func (p *Pool) shepherd(ctx context.Context, taskID string, r io.ReadCloser, stream capture.Stream) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if err := p.capture.Capture(taskID, stream, line); err != nil {
			slog.Warn("output capture limit exceeded", "task_id", taskID, "stream", string(stream))
			return
		}
	}
}

func (p *Pool) await(ctx context.Context, task domain.Task, aw *activeWorker) {
	exitCode, waitErr := aw.proc.Wait()
	close(aw.exited)
	started := aw.worker.StartedAt
	duration := time.Since(started).Milliseconds()

	p.mu.Lock()
	_, stillActive := p.active[task.ID]
	delete(p.active, task.ID)
	delete(p.byWorker, aw.worker.WorkerID)
	p.mu.Unlock()

	if aw.timer != nil {
		aw.timer.Stop()
	}
	if p.ledger != nil {
		_ = p.ledger.Remove(aw.worker.WorkerID)
	}
	if !stillActive {
		// Already reaped via handleTimeout/Cancel; avoid a duplicate terminal event.
		return
	}

	if waitErr != nil {
		_ = p.bus.Emit(ctx, eventbus.TaskFailed, eventbus.TaskFailedPayload{
			TaskID: task.ID, WorkerID: aw.worker.WorkerID, ExitCode: exitCode, DurationMs: duration, Error: waitErr.Error(),
		})
		return
	}
	if exitCode == 0 {
		_ = p.bus.Emit(ctx, eventbus.TaskCompleted, eventbus.TaskCompletedPayload{
			TaskID: task.ID, WorkerID: aw.worker.WorkerID, ExitCode: exitCode, DurationMs: duration,
		})
		return
	}
	_ = p.bus.Emit(ctx, eventbus.TaskFailed, eventbus.TaskFailedPayload{
		TaskID: task.ID, WorkerID: aw.worker.WorkerID, ExitCode: exitCode, DurationMs: duration, Error: "nonzero exit",
	})
}

func (p *Pool) handleTimeout(ctx context.Context, taskID string) {
	p.mu.Lock()
	aw, ok := p.active[taskID]
	if ok {
		delete(p.active, taskID)
		delete(p.byWorker, aw.worker.WorkerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.killSequence(aw)
	_ = p.bus.Emit(ctx, eventbus.TaskTimeout, eventbus.TaskTimeoutPayload{TaskID: taskID, WorkerID: aw.worker.WorkerID})
}

// Cancel requests cancellation of the worker running taskID, if any. It
// returns apperr.WorkerNotFound if no worker is currently assigned.
func (p *Pool) Cancel(ctx context.Context, taskID, reason string) error {
	p.mu.Lock()
	aw, ok := p.active[taskID]
	if ok {
		delete(p.active, taskID)
		delete(p.byWorker, aw.worker.WorkerID)
	}
	p.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.WorkerNotFound, "no active worker for task %s", taskID)
	}

	p.killSequence(aw)
	p.killedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	_ = p.bus.Emit(ctx, eventbus.WorkerKilled, eventbus.WorkerKilledPayload{WorkerID: aw.worker.WorkerID, TaskID: taskID, Reason: reason})
	_ = p.bus.Emit(ctx, eventbus.TaskCancelled, eventbus.TaskCancelledPayload{TaskID: taskID, Reason: reason})
	return nil
}

// killSequence sends SIGTERM, waits up to GracefulKillWindow, then SIGKILL
// if the process has not exited (soft-then-hard, per spec §4.7).
func (p *Pool) killSequence(aw *activeWorker) {
	if aw.timer != nil {
		aw.timer.Stop()
	}
	aw.cancel()

	_ = aw.proc.Signal(collab.SignalTerminate)
	select {
	case <-aw.exited:
		return
	case <-time.After(p.cfg.GracefulKillWindow):
		_ = aw.proc.Signal(collab.SignalKill)
	}
	<-aw.exited
}

// Worker returns the tracked worker for taskID, if any.
func (p *Pool) Worker(taskID string) (domain.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	aw, ok := p.active[taskID]
	if !ok {
		return domain.Worker{}, false
	}
	return aw.worker, true
}

// ShutdownAll forcefully kills every active worker (daemon shutdown path).
func (p *Pool) ShutdownAll(ctx context.Context) int {
	p.mu.Lock()
	workers := make([]*activeWorker, 0, len(p.active))
	for _, aw := range p.active {
		workers = append(workers, aw)
	}
	p.active = make(map[string]*activeWorker)
	p.byWorker = make(map[string]string)
	p.mu.Unlock()

	for _, aw := range workers {
		p.killSequence(aw)
	}
	return len(workers)
}
