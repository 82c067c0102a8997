package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/schemeadapter/pkg/cache/memcache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/store/memstore"
)

func TestPublishAndPoll_InOrderAndCommitted(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	kv := memcache.New()
	pub := NewLogPublisher(ls, 1)

	require.NoError(t, pub.Publish(ctx, CommandsTopic,
		Event{Name: "ProcessSDKOutboundBulkRequest", Key: "b1", Payload: json.RawMessage(`{"bulkId":"b1"}`)},
		Event{Name: "ProcessSDKOutboundBulkPartyInfoRequest", Key: "b1"},
	))

	sub := NewSubscriber(ls, kv, "orchestrator", CommandsTopic, 0)
	var seen []string
	n, err := sub.Poll(ctx, func(ctx context.Context, e Event) error {
		seen = append(seen, e.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ProcessSDKOutboundBulkRequest", "ProcessSDKOutboundBulkPartyInfoRequest"}, seen)

	committed, err := sub.Committed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed)

	n, err = sub.Poll(ctx, func(context.Context, Event) error { t.Fatal("no event expected"); return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoll_HandlerErrorSkipsEvent(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	pub := NewLogPublisher(ls, 1)
	require.NoError(t, pub.Publish(ctx, DomainEventsTopic, Event{Name: "A", Key: "k"}, Event{Name: "B", Key: "k"}))

	sub := NewSubscriber(ls, memcache.New(), "g", DomainEventsTopic, 0)
	var seen []string
	n, err := sub.Poll(ctx, func(ctx context.Context, e Event) error {
		seen = append(seen, e.Name)
		if e.Name == "A" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "B"}, seen)
}

func TestPoll_RetryableErrorHoldsOffset(t *testing.T) {
	ctx := context.Background()
	ls := memstore.New()
	pub := NewLogPublisher(ls, 1)
	require.NoError(t, pub.Publish(ctx, CommandsTopic, Event{Name: "A", Key: "k"}, Event{Name: "B", Key: "k"}))

	sub := NewSubscriber(ls, memcache.New(), "g", CommandsTopic, 0)
	failures := 1
	var seen []string
	handle := func(ctx context.Context, e Event) error {
		seen = append(seen, e.Name)
		if e.Name == "A" && failures > 0 {
			failures--
			return errmodel.Backend("publish_failed", "cannot publish domain events", nil, errors.New("down"))
		}
		return nil
	}

	n, err := sub.Poll(ctx, handle)
	require.Error(t, err)
	assert.Zero(t, n)
	committed, err := sub.Committed(ctx)
	require.NoError(t, err)
	assert.Zero(t, committed)

	n, err = sub.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "A", "B"}, seen)
}

func TestRetryable_Categories(t *testing.T) {
	assert.True(t, Retryable(errmodel.Backend("x", "x", nil, nil)))
	assert.True(t, Retryable(errmodel.Timeout("x", "x", nil)))
	assert.False(t, Retryable(errmodel.Validation("x", "x", nil)))
	assert.False(t, Retryable(errmodel.NotFound("x", "x", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestPublish_RequiresName(t *testing.T) {
	err := NewLogPublisher(memstore.New(), 1).Publish(context.Background(), CommandsTopic, Event{Key: "k"})
	assert.Error(t, err)
}

func TestPartition_SpreadsByKey(t *testing.T) {
	assert.Equal(t, int32(0), Partition("anything", 1))
	p := Partition("b1", 8)
	assert.Equal(t, p, Partition("b1", 8))
	assert.True(t, p >= 0 && p < 8)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ls := memstore.New()
	pub := NewLogPublisher(ls, 1)
	sub := NewSubscriber(ls, memcache.New(), "g", CommandsTopic, 0, WithPollInterval(5*time.Millisecond))

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(ctx context.Context, e Event) error {
			got <- e.Name
			return nil
		})
	}()
	require.NoError(t, pub.Publish(context.Background(), CommandsTopic, Event{Name: "X", Key: "k"}))
	select {
	case name := <-got:
		assert.Equal(t, "X", name)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
