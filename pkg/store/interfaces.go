package store

import (
	"context"
)

// LogStore appends to and reads from topic partitions.
type LogStore interface {
	// Append writes records in order to one partition and returns them with offsets assigned.
	Append(ctx context.Context, topic string, partition int32, recs ...Record) ([]Message, error)
	// Read returns up to limit messages with offset >= from, in offset order.
	// An empty result means the end of the partition was reached.
	Read(ctx context.Context, topic string, partition int32, from int64, limit int) ([]Message, error)
	// HighWatermark returns the offset the next appended message will get.
	HighWatermark(ctx context.Context, topic string, partition int32) (int64, error)
}

// Closer is implemented by stores holding connections.
type Closer interface {
	Close() error
}
