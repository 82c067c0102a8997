package eventsourcing

import (
	"context"
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// DefaultOffsetPrefix namespaces offset records in the cache.
const DefaultOffsetPrefix = "offset_"

// OffsetRecord is the last known safe replay start for an aggregate.
type OffsetRecord struct {
	AggregateID string `json:"aggregateId"`
	Topic       string `json:"topic"`
	Partition   int32  `json:"partition"`
	Offset      int64  `json:"offset"`
}

// OffsetRepository keeps one OffsetRecord per aggregate under <prefix><aggregateId>.
type OffsetRepository struct {
	kv     cache.KV
	prefix string
}

func NewOffsetRepository(kv cache.KV, prefix string) *OffsetRepository {
	if prefix == "" {
		prefix = DefaultOffsetPrefix
	}
	return &OffsetRepository{kv: kv, prefix: prefix}
}

func (r *OffsetRepository) key(aggregateID string) string { return r.prefix + aggregateID }

// Load returns nil, nil when no record exists.
func (r *OffsetRepository) Load(ctx context.Context, aggregateID string) (*OffsetRecord, error) {
	raw, ok, err := r.kv.Get(ctx, r.key(aggregateID))
	if err != nil {
		return nil, errmodel.Backend("offset_load_failed", "cannot load offset", map[string]any{"aggregateId": aggregateID}, err)
	}
	if !ok {
		return nil, nil
	}
	var rec OffsetRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errmodel.System("offset_corrupt", "offset record is not decodable", map[string]any{"aggregateId": aggregateID}, err)
	}
	return &rec, nil
}

// Store overwrites the record of rec.AggregateID.
func (r *OffsetRepository) Store(ctx context.Context, rec OffsetRecord) error {
	if rec.AggregateID == "" {
		return errmodel.Validation("aggregate_id_required", "offset record has no aggregate id", nil)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errmodel.System("offset_encode", "cannot encode offset record", nil, err)
	}
	if err := r.kv.Set(ctx, r.key(rec.AggregateID), b); err != nil {
		return errmodel.Backend("offset_store_failed", "cannot store offset", map[string]any{"aggregateId": rec.AggregateID}, err)
	}
	return nil
}
