// Package eventbus implements the daemon's single-process, single-
// threaded cooperative pub/sub and request/response primitives (spec
// §4.2). Handlers run on whichever goroutine calls Emit/Request; the Bus
// itself serializes access to its subscriber tables with a mutex so that
// concurrent Emit/Request calls from the I/O-shepherd goroutines (worker
// stdout/stderr readers, timers) still observe the single-writer ordering
// guarantees §5 requires, without requiring every handler to run on one
// dedicated goroutine.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Type is an event or request/response message type name.
type Type string

const (
	TaskDelegated              Type = "TaskDelegated"
	TaskDependencyAdded        Type = "TaskDependencyAdded"
	TaskDependencyFailed       Type = "TaskDependencyFailed"
	TaskDependencyResolved     Type = "TaskDependencyResolved"
	TaskQueued                 Type = "TaskQueued"
	TaskUnblocked              Type = "TaskUnblocked"
	TaskStarting               Type = "TaskStarting"
	TaskStarted                Type = "TaskStarted"
	TaskCompleted              Type = "TaskCompleted"
	TaskFailed                 Type = "TaskFailed"
	TaskCancelled              Type = "TaskCancelled"
	TaskTimeout                Type = "TaskTimeout"
	TaskCancellationRequested  Type = "TaskCancellationRequested"
	WorkerSpawned              Type = "WorkerSpawned"
	WorkerKilled               Type = "WorkerKilled"
	CheckpointCreated          Type = "CheckpointCreated"
	RecoveryStarted            Type = "RecoveryStarted"
	RecoveryCompleted          Type = "RecoveryCompleted"
	RequeueTask                Type = "RequeueTask"
	TaskDeleted                Type = "TaskDeleted"
	TaskResumed                Type = "TaskResumed"

	NextTaskQuery   Type = "NextTaskQuery"
	TaskStatusQuery Type = "TaskStatusQuery"
	TaskLogsQuery   Type = "TaskLogsQuery"
)

// Handler reacts to an emitted event. Returning an error does not stop
// later subscribers of the same emit from running; Emit surfaces the
// first error encountered.
type Handler func(ctx context.Context, payload any) error

// Responder answers a Request for a given type. Exactly one responder
// may be registered per request type.
type Responder func(ctx context.Context, payload any) (any, error)

// Subscription is an opaque handle returned by Subscribe, used to
// Unsubscribe later.
type Subscription struct {
	id   uint64
	typ  Type
	bus  *Bus
}

// Unsubscribe removes the handler this subscription refers to.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Config bounds the bus against accidental subscriber leaks.
type Config struct {
	MaxSubscribersPerType int
	MaxTotalSubscribers   int
	RequestTimeout        time.Duration
}

// DefaultConfig matches spec §4.2's defaults (5s request timeout) plus
// generous subscriber caps that only guard against leaks, not normal use.
func DefaultConfig() Config {
	return Config{
		MaxSubscribersPerType: 64,
		MaxTotalSubscribers:   2048,
		RequestTimeout:        5 * time.Second,
	}
}

type subscriberEntry struct {
	id uint64
	h  Handler
}

// Bus is the in-process event bus.
type Bus struct {
	cfg Config

	mu          sync.Mutex
	subscribers map[Type][]subscriberEntry
	responders  map[Type]Responder
	nextID      uint64
	totalCount  int

	emitCounter    metric.Int64Counter
	emitErrCounter metric.Int64Counter
	reqCounter     metric.Int64Counter
	reqErrCounter  metric.Int64Counter
}

// New constructs a Bus with the given config (zero value falls back to
// DefaultConfig's fields where unset).
func New(cfg Config) *Bus {
	if cfg.MaxSubscribersPerType == 0 {
		cfg.MaxSubscribersPerType = DefaultConfig().MaxSubscribersPerType
	}
	if cfg.MaxTotalSubscribers == 0 {
		cfg.MaxTotalSubscribers = DefaultConfig().MaxTotalSubscribers
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	meter := otel.GetMeterProvider().Meter("delegate-daemon")
	emitCounter, _ := meter.Int64Counter("delegate_daemon_eventbus_emit_total")
	emitErrCounter, _ := meter.Int64Counter("delegate_daemon_eventbus_emit_errors_total")
	reqCounter, _ := meter.Int64Counter("delegate_daemon_eventbus_request_total")
	reqErrCounter, _ := meter.Int64Counter("delegate_daemon_eventbus_request_errors_total")

	return &Bus{
		cfg:            cfg,
		subscribers:    make(map[Type][]subscriberEntry),
		responders:     make(map[Type]Responder),
		emitCounter:    emitCounter,
		emitErrCounter: emitErrCounter,
		reqCounter:     reqCounter,
		reqErrCounter:  reqErrCounter,
	}
}

// Subscribe registers h for events of type t, in subscription order.
func (b *Bus) Subscribe(t Type, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers[t]) >= b.cfg.MaxSubscribersPerType {
		return nil, fmt.Errorf("eventbus: subscriber cap reached for %s", t)
	}
	if b.totalCount >= b.cfg.MaxTotalSubscribers {
		return nil, fmt.Errorf("eventbus: global subscriber cap reached")
	}

	b.nextID++
	id := b.nextID
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, h: h})
	b.totalCount++

	return &Subscription{id: id, typ: t, bus: b}, nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subscribers[s.typ]
	for i, e := range entries {
		if e.id == s.id {
			b.subscribers[s.typ] = append(entries[:i], entries[i+1:]...)
			b.totalCount--
			return
		}
	}
}

// Respond registers the single responder for request type t, replacing
// any previous responder (used during boot wiring).
func (b *Bus) Respond(t Type, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[t] = r
}

// snapshot returns a copy of the current handler list for t so Emit can
// iterate without holding the bus lock across handler execution
// (handlers may themselves call Emit/Request — re-entrant by design).
func (b *Bus) snapshot(t Type) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subscribers[t]
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

// Emit fans payload out to every subscriber of t in subscription order,
// awaiting each handler before running the next. Returns the first error
// encountered (if any); subsequent subscribers still run regardless.
func (b *Bus) Emit(ctx context.Context, t Type, payload any) error {
	b.emitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))

	handlers := b.snapshot(t)
	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, payload); err != nil {
			slog.Error("eventbus handler failed", "type", string(t), "error", err)
			b.emitErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Request delivers payload to the single responder of t and returns its
// value, bounded by the bus's configured request timeout.
func (b *Bus) Request(ctx context.Context, t Type, payload any) (any, error) {
	b.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))

	b.mu.Lock()
	responder, ok := b.responders[t]
	b.mu.Unlock()
	if !ok {
		b.reqErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
		return nil, fmt.Errorf("eventbus: no responder registered for %s", t)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := responder(reqCtx, payload)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			b.reqErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
		}
		return r.v, r.err
	case <-reqCtx.Done():
		b.reqErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
		return nil, fmt.Errorf("eventbus: request %s timed out: %w", t, reqCtx.Err())
	}
}
