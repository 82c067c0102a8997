package eventsourcing

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/metrics"
	"github.com/wilhg/schemeadapter/pkg/store"
)

// State is what Load returns: replaying Events on top of Snapshot (or on the empty
// state when Snapshot is nil) yields the current aggregate.
type State struct {
	Snapshot *StateSnapshotMsg
	Events   []StateEventMsg
}

// Topics names the two log topics of a repository.
type Topics struct {
	Events    string
	Snapshots string
	// Partitions per topic; aggregates are spread by key hash. Zero means one.
	Partitions int32
}

// StateRepository reads and writes aggregate state. Each aggregate must have a
// single writer at a time; concurrent writers can corrupt the offset cache.
type StateRepository struct {
	log     store.LogStore
	fetcher *Fetcher
	offsets *OffsetRepository
	topics  Topics
	logger  *zap.Logger
	metrics *metrics.Collector

	// backfills tracks fire-and-forget offset stores.
	backfills sync.WaitGroup
}

// Option configures a StateRepository.
type Option func(*StateRepository)

func WithLogger(l *zap.Logger) Option {
	return func(r *StateRepository) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *StateRepository) { r.metrics = c }
}

// WithFetcher replaces the fetcher built over the log.
func WithFetcher(f *Fetcher) Option {
	return func(r *StateRepository) {
		if f != nil {
			r.fetcher = f
		}
	}
}

// NewStateRepository wires a repository over ls.
func NewStateRepository(ls store.LogStore, offsets *OffsetRepository, topics Topics, opts ...Option) *StateRepository {
	if topics.Partitions <= 0 {
		topics.Partitions = 1
	}
	r := &StateRepository{
		log:     ls,
		offsets: offsets,
		topics:  topics,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.fetcher == nil {
		r.fetcher = NewFetcher(LogConsumers(ls), r.logger)
	}
	return r
}

// PartitionFor returns the partition an aggregate lives on.
func (r *StateRepository) PartitionFor(aggregateID string) int32 {
	if r.topics.Partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int32(h.Sum32() % uint32(r.topics.Partitions))
}

// Load reconstructs the state of aggregateID.
func (r *StateRepository) Load(ctx context.Context, aggregateID string) (State, error) {
	ctx, span := otel.Tracer("eventsourcing").Start(ctx, "StateRepository.Load", trace.WithAttributes(
		attribute.String("aggregate_id", aggregateID),
	))
	defer span.End()
	started := time.Now()

	cached, err := r.offsets.Load(ctx, aggregateID)
	if err != nil {
		// a broken offset cache only costs a full scan
		r.logger.Warn("offset cache unavailable, scanning from the beginning", zap.String("aggregateId", aggregateID), zap.Error(err))
		cached = nil
	}
	snapPartition, snapOffset := r.PartitionFor(aggregateID), int64(-1)
	if cached != nil && cached.Topic == r.topics.Snapshots {
		snapPartition, snapOffset = cached.Partition, cached.Offset
	}

	last, scannedTo, err := r.fetcher.fetchLast(ctx, aggregateID, r.topics.Snapshots, snapPartition, snapOffset)
	if err != nil {
		span.RecordError(err)
		return State{}, errmodel.Backend("snapshot_fetch_failed", "cannot fetch snapshot", map[string]any{"aggregateId": aggregateID}, err)
	}
	var snap *StateSnapshotMsg
	if last != nil {
		snap, err = snapshotFromMessage(*last)
		if err != nil {
			span.RecordError(err)
			return State{}, errmodel.System("snapshot_corrupt", "snapshot is not decodable", map[string]any{"aggregateId": aggregateID}, err)
		}
	}

	evPartition, evOffset := r.PartitionFor(aggregateID), int64(-1)
	if snap != nil {
		evPartition, evOffset = snap.EventsPartition, snap.LastEventOffset+1
	}
	msgs, err := r.fetcher.FetchAll(ctx, aggregateID, r.topics.Events, evPartition, evOffset)
	if err != nil {
		span.RecordError(err)
		return State{}, errmodel.Backend("events_fetch_failed", "cannot fetch events", map[string]any{"aggregateId": aggregateID}, err)
	}
	events := make([]StateEventMsg, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, eventFromMessage(m))
	}

	if cached == nil {
		rec := OffsetRecord{AggregateID: aggregateID, Topic: r.topics.Snapshots, Partition: snapPartition, Offset: scannedTo}
		if snap != nil {
			rec.Partition, rec.Offset = snap.Partition, snap.Offset
		}
		r.backfill(ctx, rec)
	}

	r.metrics.RecordStateLoad(time.Since(started), len(events))
	span.SetAttributes(attribute.Int("events", len(events)), attribute.Bool("snapshot", snap != nil))
	return State{Snapshot: snap, Events: events}, nil
}

func (r *StateRepository) backfill(ctx context.Context, rec OffsetRecord) {
	r.backfills.Add(1)
	go func() {
		defer r.backfills.Done()
		if err := r.offsets.Store(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("offset backfill failed", zap.String("aggregateId", rec.AggregateID), zap.Error(err))
			return
		}
		r.metrics.RecordOffsetBackfill()
	}()
}

// WaitBackfills blocks until in-flight offset backfills finished.
func (r *StateRepository) WaitBackfills() { r.backfills.Wait() }

// AppendEvents logs state events of aggregateID in order and returns them with offsets.
func (r *StateRepository) AppendEvents(ctx context.Context, aggregateID string, events ...StateEventMsg) ([]StateEventMsg, error) {
	if len(events) == 0 {
		return nil, nil
	}
	recs := make([]store.Record, 0, len(events))
	for _, e := range events {
		recs = append(recs, store.Record{Key: aggregateID, Type: e.Name, Payload: e.Payload})
	}
	msgs, err := r.log.Append(ctx, r.topics.Events, r.PartitionFor(aggregateID), recs...)
	if err != nil {
		return nil, err
	}
	out := make([]StateEventMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventFromMessage(m))
	}
	return out, nil
}

// Snapshot logs the state of aggregateID as of lastEventOffset on the events topic
// and points the offset cache at it.
func (r *StateRepository) Snapshot(ctx context.Context, aggregateID string, state json.RawMessage, lastEventOffset int64) (*StateSnapshotMsg, error) {
	body, err := json.Marshal(snapshotBody{
		EventsPartition: r.PartitionFor(aggregateID),
		LastEventOffset: lastEventOffset,
		State:           state,
	})
	if err != nil {
		return nil, errmodel.System("snapshot_encode", "cannot encode snapshot", map[string]any{"aggregateId": aggregateID}, err)
	}
	msgs, err := r.log.Append(ctx, r.topics.Snapshots, r.PartitionFor(aggregateID), store.Record{Key: aggregateID, Type: SnapshotType, Payload: body})
	if err != nil {
		return nil, err
	}
	snap, err := snapshotFromMessage(msgs[0])
	if err != nil {
		return nil, err
	}
	if err := r.offsets.Store(ctx, OffsetRecord{AggregateID: aggregateID, Topic: r.topics.Snapshots, Partition: snap.Partition, Offset: snap.Offset}); err != nil {
		r.logger.Warn("offset update after snapshot failed", zap.String("aggregateId", aggregateID), zap.Error(err))
	}
	return snap, nil
}
