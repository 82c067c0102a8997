// Package eventsourcing rebuilds aggregate state from the latest snapshot plus the
// state events logged after it, caching where the snapshot was found so the next
// load can seek instead of scanning.
package eventsourcing

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/schemeadapter/pkg/store"
)

// SnapshotType is the message type of every state snapshot.
const SnapshotType = "StateSnapshot"

// StateEventMsg is one state change of an aggregate.
type StateEventMsg struct {
	AggregateID string          `json:"aggregateId"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Partition   int32           `json:"partition"`
	Offset      int64           `json:"offset"`
}

// StateSnapshotMsg is the full state of an aggregate as of LastEventOffset of
// EventsPartition on the events topic.
type StateSnapshotMsg struct {
	AggregateID     string          `json:"aggregateId"`
	Payload         json.RawMessage `json:"payload"`
	EventsPartition int32           `json:"eventsPartition"`
	LastEventOffset int64           `json:"lastEventOffset"`
	Partition       int32           `json:"partition"`
	Offset          int64           `json:"offset"`
}

type snapshotBody struct {
	EventsPartition int32           `json:"eventsPartition"`
	LastEventOffset int64           `json:"lastEventOffset"`
	State           json.RawMessage `json:"state"`
}

func eventFromMessage(m store.Message) StateEventMsg {
	return StateEventMsg{AggregateID: m.Key, Name: m.Type, Payload: m.Payload, Partition: m.Partition, Offset: m.Offset}
}

func snapshotFromMessage(m store.Message) (*StateSnapshotMsg, error) {
	var body snapshotBody
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode snapshot at %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return &StateSnapshotMsg{
		AggregateID:     m.Key,
		Payload:         body.State,
		EventsPartition: body.EventsPartition,
		LastEventOffset: body.LastEventOffset,
		Partition:       m.Partition,
		Offset:          m.Offset,
	}, nil
}
