// Package store defines the partitioned, append-only message log that carries
// commands, domain events, state events and state snapshots.
// Implementations must provide identical semantics across backends so replay is
// deterministic regardless of where the log lives.
package store

import (
	"encoding/json"
	"time"
)

// Message is one record of a topic partition. Offsets start at 0 and grow by one
// per appended message within a (Topic, Partition).
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	// Key is the aggregate id the message belongs to.
	Key       string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Record is the input of an append; the log assigns Offset and CreatedAt.
type Record struct {
	Key     string
	Type    string
	Payload json.RawMessage
}
