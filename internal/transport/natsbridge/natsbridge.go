// Package natsbridge optionally mirrors a subset of the daemon's
// in-process event bus onto NATS subjects, adapted from the teacher's
// natsctx trace-context propagation helper. It is entirely optional: a
// daemon with DAEMON_NATS_ENABLED unset runs with no bridge at all, and
// nothing in the core Task Manager / handlers depends on it existing.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/delegate-daemon/internal/eventbus"
)

var propagator = propagation.TraceContext{}

// subjectPrefix namespaces every mirrored event under one NATS subject tree.
const subjectPrefix = "delegate-daemon.events."

// mirroredEvents is the set of event types external subscribers (status
// dashboards, alerting) plausibly care about. Internal query/response
// types (NextTaskQuery and friends) never cross the wire.
var mirroredEvents = []eventbus.Type{
	eventbus.TaskDelegated,
	eventbus.TaskQueued,
	eventbus.TaskUnblocked,
	eventbus.TaskStarted,
	eventbus.TaskCompleted,
	eventbus.TaskFailed,
	eventbus.TaskCancelled,
	eventbus.TaskTimeout,
	eventbus.CheckpointCreated,
	eventbus.RecoveryStarted,
	eventbus.RecoveryCompleted,
}

// Bridge subscribes to the in-process bus and republishes each mirrored
// event to NATS with an injected trace-context header.
type Bridge struct {
	nc   *nats.Conn
	subs []*eventbus.Subscription
}

// Connect dials the given NATS URL and returns a Bridge wired to bus.
// Callers must call Close when the daemon shuts down.
func Connect(url string, bus *eventbus.Bus) (*Bridge, error) {
	nc, err := nats.Connect(url, nats.Name("delegate-daemon"))
	if err != nil {
		return nil, err
	}

	b := &Bridge{nc: nc}
	for _, typ := range mirroredEvents {
		typ := typ
		sub, err := bus.Subscribe(typ, b.publisher(typ))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

func (b *Bridge) publisher(typ eventbus.Type) eventbus.Handler {
	return func(ctx context.Context, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("natsbridge: marshal payload failed", "event", typ, "error", err)
			return nil
		}

		hdr := nats.Header{}
		propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
		msg := &nats.Msg{Subject: subjectPrefix + string(typ), Data: data, Header: hdr}
		if err := b.nc.PublishMsg(msg); err != nil {
			slog.Error("natsbridge: publish failed", "event", typ, "error", err)
		}
		return nil
	}
}

// Subscribe wraps an external NATS subscription, extracting the trace
// context from the message header and starting a child span before
// invoking handler, mirroring the teacher's consumer-side tracing.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tracer := otel.Tracer("delegate-daemon-natsbridge")
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Close unsubscribes from the bus and closes the NATS connection.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
