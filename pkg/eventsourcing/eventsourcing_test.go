package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/schemeadapter/pkg/cache/memcache"
	"github.com/wilhg/schemeadapter/pkg/store"
	"github.com/wilhg/schemeadapter/pkg/store/memstore"
)

var topics = Topics{Events: "bulk-state-events", Snapshots: "bulk-state-snapshots"}

type openCall struct {
	topic  string
	offset int64
}

// recordingFactory wraps LogConsumers and remembers where consumers were opened.
type recordingFactory struct {
	inner  ConsumerFactory
	mu     sync.Mutex
	opened []openCall
	closed int
}

func (f *recordingFactory) factory() ConsumerFactory {
	return func(ctx context.Context, topic string, partition int32, offset int64) (Consumer, error) {
		f.mu.Lock()
		f.opened = append(f.opened, openCall{topic, offset})
		f.mu.Unlock()
		c, err := f.inner(ctx, topic, partition, offset)
		if err != nil {
			return nil, err
		}
		return &closeCounter{Consumer: c, f: f}, nil
	}
}

type closeCounter struct {
	Consumer
	f *recordingFactory
}

func (c *closeCounter) Close() error {
	c.f.mu.Lock()
	c.f.closed++
	c.f.mu.Unlock()
	return c.Consumer.Close()
}

func appendEvent(t *testing.T, ls store.LogStore, key, name string) {
	t.Helper()
	_, err := ls.Append(context.Background(), topics.Events, 0, store.Record{Key: key, Type: name, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
}

func TestOffsetRepository_LoadStore(t *testing.T) {
	ctx := context.Background()
	kv := memcache.New()
	repo := NewOffsetRepository(kv, "")

	rec, err := repo.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, repo.Store(ctx, OffsetRecord{AggregateID: "b1", Topic: "t", Partition: 0, Offset: 7}))
	_, ok, _ := kv.Get(ctx, "offset_b1")
	assert.True(t, ok, "record must be stored under the prefixed key")

	rec, err = repo.Load(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(7), rec.Offset)

	require.NoError(t, repo.Store(ctx, OffsetRecord{AggregateID: "b1", Topic: "t", Offset: 9}))
	rec, _ = repo.Load(ctx, "b1")
	assert.Equal(t, int64(9), rec.Offset)

	assert.Error(t, repo.Store(ctx, OffsetRecord{}))
}

func TestFetcher_FiltersByAggregate(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	for _, k := range []string{"a", "b", "a", "c", "a"} {
		appendEvent(t, ls, k, "E")
	}
	rf := &recordingFactory{inner: LogConsumers(ls)}
	f := NewFetcher(rf.factory(), nil)
	f.batch = 2

	all, err := f.FetchAll(ctx, "a", topics.Events, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{0, 2, 4}, []int64{all[0].Offset, all[1].Offset, all[2].Offset})

	last, err := f.FetchLast(ctx, "a", topics.Events, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(4), last.Offset)

	none, err := f.FetchLast(ctx, "zzz", topics.Events, 0, -1)
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := f.FetchAll(ctx, "a", "empty-topic", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.Equal(t, 4, rf.closed, "every call must close its consumer")
}

type failingConsumer struct{ closed bool }

func (c *failingConsumer) Poll(context.Context, int) ([]store.Message, bool, error) {
	return nil, false, errors.New("broker down")
}
func (c *failingConsumer) Close() error { c.closed = true; return nil }

func TestFetcher_PollErrorClosesConsumer(t *testing.T) {
	fc := &failingConsumer{}
	f := NewFetcher(func(context.Context, string, int32, int64) (Consumer, error) { return fc, nil }, nil)
	_, err := f.FetchAll(context.Background(), "a", "t", 0, 0)
	assert.Error(t, err)
	assert.True(t, fc.closed)
}

func TestLoad_NoSnapshotReturnsAllEventsAndBackfillsOffset(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	kv := memcache.New()
	offsets := NewOffsetRepository(kv, "")
	rf := &recordingFactory{inner: LogConsumers(ls)}
	repo := NewStateRepository(ls, offsets, topics, WithFetcher(NewFetcher(rf.factory(), nil)))

	appendEvent(t, ls, "b1", "BulkRequestReceived")
	appendEvent(t, ls, "b2", "BulkRequestReceived")
	appendEvent(t, ls, "b1", "PartyInfoRequested")

	st, err := repo.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, st.Snapshot)
	require.Len(t, st.Events, 2)
	assert.Equal(t, "BulkRequestReceived", st.Events[0].Name)
	assert.Equal(t, "PartyInfoRequested", st.Events[1].Name)

	repo.WaitBackfills()
	rec, err := offsets.Load(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, rec, "offset must be backfilled after the first load")
	assert.Equal(t, topics.Snapshots, rec.Topic)

	// a snapshot written later must be found from the cached position
	state, _ := json.Marshal(map[string]any{"state": "DISCOVERY_PROCESSING"})
	_, err = ls.Append(ctx, topics.Snapshots, 0, store.Record{Key: "b1", Type: SnapshotType, Payload: mustJSON(t, snapshotBody{LastEventOffset: 2, State: state})})
	require.NoError(t, err)
	appendEvent(t, ls, "b1", "PartyInfoCallbackProcessed")

	rf.opened = nil
	st, err = repo.Load(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, st.Snapshot)
	assert.JSONEq(t, string(state), string(st.Snapshot.Payload))
	require.Len(t, st.Events, 1)
	assert.Equal(t, "PartyInfoCallbackProcessed", st.Events[0].Name)
	require.Len(t, rf.opened, 2)
	assert.Equal(t, openCall{topics.Snapshots, rec.Offset}, rf.opened[0], "second load must seek to the cached offset")
	assert.Equal(t, openCall{topics.Events, 3}, rf.opened[1])
}

func TestSnapshot_UpdatesOffsetAndBoundsReplay(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	kv := memcache.New()
	offsets := NewOffsetRepository(kv, "bulk_")
	repo := NewStateRepository(ls, offsets, topics)

	evs, err := repo.AppendEvents(ctx, "b9",
		StateEventMsg{Name: "A", Payload: json.RawMessage(`{"n":1}`)},
		StateEventMsg{Name: "B", Payload: json.RawMessage(`{"n":2}`)},
	)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "b9", evs[1].AggregateID)

	snap, err := repo.Snapshot(ctx, "b9", json.RawMessage(`{"v":2}`), evs[1].Offset)
	require.NoError(t, err)
	assert.Equal(t, evs[1].Offset, snap.LastEventOffset)

	rec, err := offsets.Load(ctx, "b9")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, snap.Offset, rec.Offset)

	_, err = repo.AppendEvents(ctx, "b9", StateEventMsg{Name: "C"})
	require.NoError(t, err)

	st, err := repo.Load(ctx, "b9")
	require.NoError(t, err)
	require.NotNil(t, st.Snapshot)
	assert.JSONEq(t, `{"v":2}`, string(st.Snapshot.Payload))
	require.Len(t, st.Events, 1)
	assert.Equal(t, "C", st.Events[0].Name)
}

func TestPartitionFor_IsStable(t *testing.T) {
	repo := NewStateRepository(memstore.New(), NewOffsetRepository(memcache.New(), ""), Topics{Events: "e", Snapshots: "s", Partitions: 4})
	p := repo.PartitionFor("bulk-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, p, repo.PartitionFor("bulk-1"))
	}
	assert.True(t, p >= 0 && p < 4)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
