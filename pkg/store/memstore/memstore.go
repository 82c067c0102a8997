// Package memstore is an in-process store.LogStore for tests and single-node runs.
package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/store"
)

type partitionKey struct {
	topic     string
	partition int32
}

// Store keeps every partition as a slice indexed by offset.
type Store struct {
	mu   sync.RWMutex
	logs map[partitionKey][]store.Message
	now  func() time.Time
}

func New() *Store {
	return &Store{logs: make(map[partitionKey][]store.Message), now: time.Now}
}

func (s *Store) Append(ctx context.Context, topic string, partition int32, recs ...store.Record) ([]store.Message, error) {
	if topic == "" {
		return nil, errmodel.Validation("topic_required", "topic is empty", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := partitionKey{topic, partition}
	out := make([]store.Message, 0, len(recs))
	for _, r := range recs {
		m := store.Message{
			Topic:     topic,
			Partition: partition,
			Offset:    int64(len(s.logs[k])),
			Key:       r.Key,
			Type:      r.Type,
			Payload:   append(json.RawMessage(nil), r.Payload...),
			CreatedAt: s.now().UTC(),
		}
		s.logs[k] = append(s.logs[k], m)
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Read(ctx context.Context, topic string, partition int32, from int64, limit int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[partitionKey{topic, partition}]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(log)) {
		return nil, nil
	}
	end := int64(len(log))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]store.Message, end-from)
	copy(out, log[from:end])
	return out, nil
}

func (s *Store) HighWatermark(ctx context.Context, topic string, partition int32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[partitionKey{topic, partition}])), nil
}
