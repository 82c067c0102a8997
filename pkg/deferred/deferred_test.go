package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/cache/memcache"
)

// countingPubSub wraps memcache and counts calls; unsubscribeErr is returned from Unsubscribe.
type countingPubSub struct {
	*memcache.Cache
	subscribes     atomic.Int32
	unsubscribes   atomic.Int32
	unsubscribeErr error
}

func (c *countingPubSub) Subscribe(ctx context.Context, ch string, h cache.Handler) (string, error) {
	c.subscribes.Add(1)
	return c.Cache.Subscribe(ctx, ch, h)
}

func (c *countingPubSub) Unsubscribe(ctx context.Context, ch, id string) error {
	c.unsubscribes.Add(1)
	if err := c.Cache.Unsubscribe(ctx, ch, id); err != nil {
		return err
	}
	return c.unsubscribeErr
}

func newPubSub() *countingPubSub { return &countingPubSub{Cache: memcache.New()} }

func TestWait_RequiresInitAndJob(t *testing.T) {
	ps := newPubSub()
	cases := map[string]*Job{
		"neither":   New(ps, "ch"),
		"init only": New(ps, "ch").Init(func(context.Context, string, string) error { return nil }),
		"job only":  New(ps, "ch").Job(func(context.Context, json.RawMessage) error { return nil }),
	}
	for name, j := range cases {
		t.Run(name, func(t *testing.T) {
			err := j.Wait(context.Background(), 0)
			if !errors.Is(err, ErrInitAndJobRequired) {
				t.Fatalf("err=%v want ErrInitAndJobRequired", err)
			}
		})
	}
	if n := ps.subscribes.Load(); n != 0 {
		t.Fatalf("subscribe called %d times, want 0", n)
	}
}

func TestWait_ReceivesReply(t *testing.T) {
	ps := newPubSub()
	ctx := context.Background()
	var got map[string]any
	err := New(ps, "quotes-q1").
		Init(func(ctx context.Context, channel, subID string) error {
			if subID == "" {
				t.Error("empty subscription id")
			}
			// the peer answers asynchronously on the same channel
			go func() { _ = Trigger(context.Background(), ps, channel, map[string]any{"quoteId": "q1"}) }()
			return nil
		}).
		Job(func(ctx context.Context, msg json.RawMessage) error {
			return json.Unmarshal(msg, &got)
		}).
		Wait(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got["quoteId"] != "q1" {
		t.Fatalf("got=%v", got)
	}
	if n := ps.Subscribers("quotes-q1"); n != 0 {
		t.Fatalf("leaked %d subscriptions", n)
	}
}

func TestWait_TimeoutUnsubscribesAndIgnoresLateReply(t *testing.T) {
	ps := newPubSub()
	var calls atomic.Int32
	j := New(ps, "transfers-t1", WithDefaultTimeout(30*time.Millisecond)).
		Init(func(context.Context, string, string) error { return nil }).
		Job(func(context.Context, json.RawMessage) error { calls.Add(1); return nil })

	err := j.Wait(context.Background(), 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	if n := ps.Subscribers("transfers-t1"); n != 0 {
		t.Fatalf("leaked %d subscriptions", n)
	}
	if err := j.Trigger(context.Background(), map[string]any{"late": true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("job ran after timeout")
	}
}

func TestWait_InitFailurePropagates(t *testing.T) {
	ps := newPubSub()
	boom := errors.New("peer unreachable")
	err := New(ps, "authorizations-r1").
		Init(func(context.Context, string, string) error { return boom }).
		Job(func(context.Context, json.RawMessage) error { return nil }).
		Wait(context.Background(), time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if ps.unsubscribes.Load() != 1 {
		t.Fatalf("unsubscribes=%d want 1", ps.unsubscribes.Load())
	}
}

func TestWait_AtMostOnceUnderDuplicateReplies(t *testing.T) {
	ps := newPubSub()
	var calls atomic.Int32
	err := New(ps, "parties-MSISDN-123").
		Init(func(ctx context.Context, channel, _ string) error {
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() { defer wg.Done(); _ = Trigger(context.Background(), ps, channel, map[string]int{"n": i}) }()
			}
			wg.Wait()
			return nil
		}).
		Job(func(context.Context, json.RawMessage) error { calls.Add(1); return nil }).
		Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("job calls=%d want 1", calls.Load())
	}
}

func TestWait_UnsubscribeFailureIsLoggedNotReturned(t *testing.T) {
	ps := newPubSub()
	ps.unsubscribeErr = errors.New("connection reset")
	core, logs := observer.New(zapcore.WarnLevel)

	err := New(ps, "quotes-q2", WithLogger(zap.New(core))).
		Init(func(ctx context.Context, channel, _ string) error {
			go func() { _ = Trigger(context.Background(), ps, channel, map[string]any{"ok": true}) }()
			return nil
		}).
		Job(func(context.Context, json.RawMessage) error { return nil }).
		Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("err=%v want nil", err)
	}
	if logs.FilterMessage("deferred job unsubscribe failed").Len() != 1 {
		t.Fatalf("expected one unsubscribe warning, got %v", logs.All())
	}
}

func TestTrigger_RejectsInvalidJSON(t *testing.T) {
	ps := newPubSub()
	if err := Trigger(context.Background(), ps, "ch", []byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}
