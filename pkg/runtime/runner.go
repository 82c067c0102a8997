// Package runtime drives event-sourced aggregates: it rebuilds state, asks the model
// to decide on a command, logs the resulting state events, snapshots periodically
// and publishes domain events. Dispatcher closes the loop by turning domain events
// into side effects and follow-up commands.
package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/bus"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/eventsourcing"
	"github.com/wilhg/schemeadapter/pkg/metrics"
)

// Outbox records share the aggregate's event log with the model's state events but
// are never handed to Model.Apply. A pending record holds domain events that were
// decided and not yet published; a published record clears it.
const (
	OutboxPendingEvent   = "runtime.DomainEventsPending"
	OutboxPublishedEvent = "runtime.DomainEventsPublished"
)

type outboxBody struct {
	Events []bus.Event `json:"events"`
}

// Change is one state event produced by a model.
type Change struct {
	Name    string
	Payload json.RawMessage
}

// Model defines an aggregate type. Decide must not mutate state.
type Model[S any] interface {
	New(id string) S
	Apply(state S, name string, payload json.RawMessage) (S, error)
	Decide(state S, cmd bus.Event) ([]Change, []bus.Event, error)
}

// SnapshotCodec encodes/decodes state for durable snapshots.
type SnapshotCodec[S any] interface {
	Encode(state S) ([]byte, error)
	Decode(id string, data []byte) (S, error)
}

// JSONCodec snapshots state as JSON.
type JSONCodec[S any] struct{}

func (JSONCodec[S]) Encode(state S) ([]byte, error) { return json.Marshal(state) }

func (JSONCodec[S]) Decode(_ string, data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}

// Option configures a Runner or a Dispatcher.
type Option func(*options)

type options struct {
	snapshotInterval int
	topic            string
	concurrency      int
	log              *zap.Logger
	metrics          *metrics.Collector
}

// WithSnapshotInterval snapshots once n events accumulated after the last snapshot.
// Zero or less disables snapshots.
func WithSnapshotInterval(n int) Option {
	return func(o *options) { o.snapshotInterval = n }
}

// WithTopic overrides the output topic: domain events for a Runner, commands for a Dispatcher.
func WithTopic(topic string) Option {
	return func(o *options) {
		if topic != "" {
			o.topic = topic
		}
	}
}

// WithConcurrency bounds the effects a Dispatcher runs at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

func buildOptions(topic string, opts []Option) options {
	o := options{topic: topic, concurrency: 16, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Runner handles commands for one aggregate type. Commands of one aggregate are
// serialized within the process.
type Runner[S any] struct {
	repo  *eventsourcing.StateRepository
	model Model[S]
	codec SnapshotCodec[S]
	pub   bus.Publisher
	opts  options
	locks keyedMutex
}

// NewRunner constructs a new Runner. A nil codec disables snapshots.
func NewRunner[S any](repo *eventsourcing.StateRepository, model Model[S], codec SnapshotCodec[S], pub bus.Publisher, opts ...Option) *Runner[S] {
	return &Runner[S]{
		repo:  repo,
		model: model,
		codec: codec,
		pub:   pub,
		opts:  buildOptions(bus.DomainEventsTopic, opts),
	}
}

type loaded[S any] struct {
	state S
	// last is the offset of the last applied event, -1 before the first.
	last int64
	// since counts model events applied after the snapshot.
	since int
	// pending holds domain events logged but not yet published.
	pending []bus.Event
}

// Load returns the current state of id; unknown ids yield the model's empty state.
func (r *Runner[S]) Load(ctx context.Context, id string) (S, error) {
	l, err := r.load(ctx, id)
	return l.state, err
}

func (r *Runner[S]) load(ctx context.Context, id string) (loaded[S], error) {
	out := loaded[S]{state: r.model.New(id), last: -1}
	st, err := r.repo.Load(ctx, id)
	if err != nil {
		return out, err
	}
	if st.Snapshot != nil {
		if r.codec == nil {
			return out, errmodel.System("snapshot_codec_missing", "snapshot found but no codec configured", map[string]any{"aggregateId": id}, nil)
		}
		s, err := r.codec.Decode(id, st.Snapshot.Payload)
		if err != nil {
			return out, errmodel.System("snapshot_corrupt", "snapshot state is not decodable", map[string]any{"aggregateId": id}, err)
		}
		out.state, out.last = s, st.Snapshot.LastEventOffset
	}
	for _, ev := range st.Events {
		switch ev.Name {
		case OutboxPendingEvent:
			var b outboxBody
			if err := json.Unmarshal(ev.Payload, &b); err != nil {
				return out, errmodel.System("outbox_corrupt", "pending domain events are not decodable", map[string]any{"aggregateId": id, "offset": ev.Offset}, err)
			}
			out.pending, out.last = b.Events, ev.Offset
			continue
		case OutboxPublishedEvent:
			out.pending, out.last = nil, ev.Offset
			continue
		}
		next, err := r.model.Apply(out.state, ev.Name, ev.Payload)
		if err != nil {
			return out, errmodel.System("event_replay_failed", "state event cannot be applied", map[string]any{"aggregateId": id, "event": ev.Name, "offset": ev.Offset}, err)
		}
		out.state, out.last = next, ev.Offset
		out.since++
	}
	return out, nil
}

// HandleCommand rebuilds the aggregate named by cmd.Key, decides on cmd, logs the
// resulting state events and publishes the domain events. It returns the new state.
func (r *Runner[S]) HandleCommand(ctx context.Context, cmd bus.Event) (S, error) {
	ctx, span := otel.Tracer("runtime/runner").Start(ctx, "Runner.HandleCommand", trace.WithAttributes(
		attribute.String("aggregate.id", cmd.Key),
		attribute.String("command", cmd.Name),
	))
	defer span.End()

	if cmd.Key == "" {
		var zero S
		return zero, errmodel.Validation("aggregate_id_required", "command has no aggregate id", map[string]any{"command": cmd.Name})
	}
	unlock := r.locks.Lock(cmd.Key)
	defer unlock()

	cur, err := r.load(ctx, cmd.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return cur.state, err
	}
	// a previous command logged its state events but could not publish
	if len(cur.pending) > 0 {
		r.opts.log.Info("publishing pending domain events", zap.String("aggregateId", cmd.Key), zap.Int("events", len(cur.pending)))
		if err := r.publish(ctx, cmd.Key, cur.pending); err != nil {
			span.RecordError(err)
			return cur.state, err
		}
		cur.pending = nil
	}
	changes, out, err := r.model.Decide(cur.state, cmd)
	if err != nil {
		r.opts.metrics.RecordBulkCommand(cmd.Name, metrics.OutcomeFailed)
		span.RecordError(err)
		return cur.state, err
	}
	if len(changes) == 0 && len(out) == 0 {
		r.opts.metrics.RecordBulkCommand(cmd.Name, metrics.OutcomeSkipped)
		return cur.state, nil
	}
	for i := range out {
		if out[i].Key == "" {
			out[i].Key = cmd.Key
		}
	}

	msgs := make([]eventsourcing.StateEventMsg, 0, len(changes)+1)
	for _, c := range changes {
		if c.Name == OutboxPendingEvent || c.Name == OutboxPublishedEvent {
			return cur.state, errmodel.System("reserved_event_name", "model emitted a reserved event name", map[string]any{"aggregateId": cmd.Key, "event": c.Name}, nil)
		}
		msgs = append(msgs, eventsourcing.StateEventMsg{AggregateID: cmd.Key, Name: c.Name, Payload: c.Payload})
	}
	if len(out) > 0 {
		body, err := json.Marshal(outboxBody{Events: out})
		if err != nil {
			return cur.state, errmodel.System("outbox_encode", "cannot encode domain events", map[string]any{"aggregateId": cmd.Key}, err)
		}
		msgs = append(msgs, eventsourcing.StateEventMsg{AggregateID: cmd.Key, Name: OutboxPendingEvent, Payload: body})
	}
	appended, err := r.repo.AppendEvents(ctx, cmd.Key, msgs...)
	if err != nil {
		span.RecordError(err)
		return cur.state, errmodel.Backend("event_append_failed", "cannot log state events", map[string]any{"aggregateId": cmd.Key}, err)
	}
	state := cur.state
	for _, m := range appended {
		cur.last = m.Offset
		if m.Name == OutboxPendingEvent {
			continue
		}
		if state, err = r.model.Apply(state, m.Name, m.Payload); err != nil {
			return state, errmodel.System("event_apply_failed", "decided event cannot be applied", map[string]any{"aggregateId": cmd.Key, "event": m.Name}, err)
		}
		cur.since++
	}

	if len(out) > 0 {
		if err := r.publish(ctx, cmd.Key, out); err != nil {
			// the pending record keeps the events; the next command for this
			// aggregate publishes them before deciding
			span.RecordError(err)
			return state, err
		}
	}
	r.opts.metrics.RecordBulkCommand(cmd.Name, metrics.OutcomeSucceeded)

	if r.codec != nil && r.opts.snapshotInterval > 0 && cur.since >= r.opts.snapshotInterval {
		r.snapshot(ctx, cmd.Key, state, cur.last)
	}
	span.SetAttributes(attribute.Int("state_events", len(changes)), attribute.Int("domain_events", len(out)))
	return state, nil
}

// publish emits events and marks the aggregate's outbox as delivered. A lost marker
// only means the events are published again.
func (r *Runner[S]) publish(ctx context.Context, id string, events []bus.Event) error {
	if err := r.pub.Publish(ctx, r.opts.topic, events...); err != nil {
		r.opts.log.Error("domain event publish failed", zap.String("aggregateId", id), zap.Error(err))
		return errmodel.Backend("publish_failed", "cannot publish domain events", map[string]any{"aggregateId": id}, err)
	}
	for _, e := range events {
		r.opts.metrics.RecordDomainEvent(e.Name)
	}
	marker := eventsourcing.StateEventMsg{AggregateID: id, Name: OutboxPublishedEvent, Payload: json.RawMessage(`{}`)}
	if _, err := r.repo.AppendEvents(ctx, id, marker); err != nil {
		r.opts.log.Warn("outbox marker append failed", zap.String("aggregateId", id), zap.Error(err))
	}
	return nil
}

// snapshot failures only cost a longer replay next time.
func (r *Runner[S]) snapshot(ctx context.Context, id string, state S, last int64) {
	data, err := r.codec.Encode(state)
	if err != nil {
		r.opts.log.Warn("snapshot encode failed", zap.String("aggregateId", id), zap.Error(err))
		return
	}
	if _, err := r.repo.Snapshot(ctx, id, data, last); err != nil {
		r.opts.log.Warn("snapshot failed", zap.String("aggregateId", id), zap.Error(err))
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
