// Package bus carries command events into the orchestrator and domain events out
// of it. Both directions ride on store.LogStore topics.
package bus

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/store"
)

// Default topic names.
const (
	CommandsTopic     = "bulk-commands"
	DomainEventsTopic = "bulk-domain-events"
)

// Event is a named message correlated by Key (the bulk id).
type Event struct {
	Name    string          `json:"name"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Publisher emits events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, events ...Event) error
}

// LogPublisher appends events to a LogStore, partitioned by key.
type LogPublisher struct {
	ls         store.LogStore
	partitions int32
}

// NewLogPublisher returns a publisher spreading keys over partitions (minimum one).
func NewLogPublisher(ls store.LogStore, partitions int32) *LogPublisher {
	if partitions <= 0 {
		partitions = 1
	}
	return &LogPublisher{ls: ls, partitions: partitions}
}

// Partition returns the partition events keyed by key go to.
func Partition(key string, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(partitions))
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, events ...Event) error {
	byPartition := make(map[int32][]store.Record)
	order := make([]int32, 0)
	for _, e := range events {
		if e.Name == "" {
			return errmodel.Validation("event_name_required", "event has no name", map[string]any{"topic": topic})
		}
		part := Partition(e.Key, p.partitions)
		if _, ok := byPartition[part]; !ok {
			order = append(order, part)
		}
		byPartition[part] = append(byPartition[part], store.Record{Key: e.Key, Type: e.Name, Payload: e.Payload})
	}
	for _, part := range order {
		if _, err := p.ls.Append(ctx, topic, part, byPartition[part]...); err != nil {
			return err
		}
	}
	return nil
}

// Handler processes one event. A retryable error (backend, network or timeout)
// leaves the event uncommitted so the next poll delivers it again; any other error
// is logged and the event skipped.
type Handler func(ctx context.Context, e Event) error

// Retryable reports whether a handler failure is transient.
func Retryable(err error) bool {
	for _, c := range []string{errmodel.CategoryBackend, errmodel.CategoryNetwork, errmodel.CategoryTimeout} {
		if errmodel.IsCategory(err, c) {
			return true
		}
	}
	return false
}

// Subscriber consumes one topic partition in order, one event at a time, keeping
// its committed offset in a cache.KV under the group name.
type Subscriber struct {
	ls        store.LogStore
	kv        cache.KV
	group     string
	topic     string
	partition int32
	interval  time.Duration
	batch     int
	retryable func(error) bool
	log       *zap.Logger
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

func WithPollInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryable replaces the classification of handler errors that hold the offset.
func WithRetryable(fn func(error) bool) SubscriberOption {
	return func(s *Subscriber) {
		if fn != nil {
			s.retryable = fn
		}
	}
}

func WithLogger(l *zap.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSubscriber returns a subscriber of topic/partition for group.
func NewSubscriber(ls store.LogStore, kv cache.KV, group, topic string, partition int32, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		ls: ls, kv: kv, group: group, topic: topic, partition: partition,
		interval:  100 * time.Millisecond,
		batch:     100,
		retryable: Retryable,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Subscriber) commitKey() string {
	return "bus_" + s.group + "_" + s.topic + "_" + strconv.Itoa(int(s.partition))
}

// Committed returns the next offset the group will read.
func (s *Subscriber) Committed(ctx context.Context) (int64, error) {
	raw, ok, err := s.kv.Get(ctx, s.commitKey())
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errmodel.System("commit_corrupt", "committed offset is not a number", map[string]any{"group": s.group}, err)
	}
	return n, nil
}

func (s *Subscriber) commit(ctx context.Context, next int64) error {
	return s.kv.Set(ctx, s.commitKey(), []byte(strconv.FormatInt(next, 10)))
}

// Poll handles every available event once and returns how many were processed.
func (s *Subscriber) Poll(ctx context.Context, h Handler) (int, error) {
	from, err := s.Committed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		msgs, err := s.ls.Read(ctx, s.topic, s.partition, from, s.batch)
		if err != nil {
			return n, err
		}
		if len(msgs) == 0 {
			return n, nil
		}
		for _, m := range msgs {
			e := Event{Name: m.Type, Key: m.Key, Payload: m.Payload}
			if err := h(ctx, e); err != nil {
				if ctx.Err() != nil {
					return n, ctx.Err()
				}
				if s.retryable(err) {
					s.log.Warn("event handler failed, will retry",
						zap.String("topic", s.topic),
						zap.Int64("offset", m.Offset),
						zap.String("event", e.Name),
						zap.String("key", e.Key),
						zap.Error(err))
					return n, err
				}
				s.log.Warn("event handler failed",
					zap.String("topic", s.topic),
					zap.Int64("offset", m.Offset),
					zap.String("event", e.Name),
					zap.String("key", e.Key),
					zap.Error(err))
			}
			from = m.Offset + 1
			if err := s.commit(ctx, from); err != nil {
				return n, err
			}
			n++
		}
	}
}

// Run polls until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.Poll(ctx, h); err != nil && ctx.Err() == nil {
			s.log.Error("subscriber poll failed", zap.String("topic", s.topic), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
