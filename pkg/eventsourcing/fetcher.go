package eventsourcing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/store"
)

// Consumer reads one topic partition sequentially. Poll returns eof=true once the
// end of the partition was observed.
type Consumer interface {
	Poll(ctx context.Context, max int) (msgs []store.Message, eof bool, err error)
	Close() error
}

// ConsumerFactory opens a consumer positioned at offset (offset < 0 means the beginning).
type ConsumerFactory func(ctx context.Context, topic string, partition int32, offset int64) (Consumer, error)

// LogConsumers returns a factory reading from a store.LogStore.
func LogConsumers(ls store.LogStore) ConsumerFactory {
	return func(ctx context.Context, topic string, partition int32, offset int64) (Consumer, error) {
		if offset < 0 {
			offset = 0
		}
		return &logConsumer{ls: ls, topic: topic, partition: partition, next: offset}, nil
	}
}

type logConsumer struct {
	ls        store.LogStore
	topic     string
	partition int32
	next      int64
}

func (c *logConsumer) Poll(ctx context.Context, max int) ([]store.Message, bool, error) {
	msgs, err := c.ls.Read(ctx, c.topic, c.partition, c.next, max)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, true, nil
	}
	c.next = msgs[len(msgs)-1].Offset + 1
	return msgs, max > 0 && len(msgs) < max, nil
}

func (c *logConsumer) Close() error { return nil }

// DefaultBatchSize is the Poll size used by a Fetcher.
const DefaultBatchSize = 100

// Fetcher replays a partition from an offset, filtering by aggregate id. A consumer
// is created and closed per call.
type Fetcher struct {
	consumers ConsumerFactory
	batch     int
	log       *zap.Logger
}

// NewFetcher returns a Fetcher over consumers from factory.
func NewFetcher(factory ConsumerFactory, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{consumers: factory, batch: DefaultBatchSize, log: log}
}

// FetchLast returns the last message keyed by aggregateID at or after offset, or nil.
func (f *Fetcher) FetchLast(ctx context.Context, aggregateID, topic string, partition int32, offset int64) (*store.Message, error) {
	last, _, err := f.fetchLast(ctx, aggregateID, topic, partition, offset)
	return last, err
}

// fetchLast also reports the offset after the last message read.
func (f *Fetcher) fetchLast(ctx context.Context, aggregateID, topic string, partition int32, offset int64) (*store.Message, int64, error) {
	var last *store.Message
	end, err := f.scan(ctx, "FetchLast", topic, partition, offset, func(m store.Message) {
		if m.Key == aggregateID {
			mm := m
			last = &mm
		}
	})
	return last, end, err
}

// FetchAll returns every message keyed by aggregateID at or after offset.
func (f *Fetcher) FetchAll(ctx context.Context, aggregateID, topic string, partition int32, offset int64) ([]store.Message, error) {
	var out []store.Message
	_, err := f.scan(ctx, "FetchAll", topic, partition, offset, func(m store.Message) {
		if m.Key == aggregateID {
			out = append(out, m)
		}
	})
	return out, err
}

func (f *Fetcher) scan(ctx context.Context, op, topic string, partition int32, offset int64, visit func(store.Message)) (int64, error) {
	ctx, span := otel.Tracer("eventsourcing").Start(ctx, "fetcher."+op, trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	))
	defer span.End()

	c, err := f.consumers(ctx, topic, partition, offset)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			f.log.Warn("fetcher consumer close failed", zap.String("topic", topic), zap.Error(err))
		}
	}()

	end := offset
	if end < 0 {
		end = 0
	}
	for {
		msgs, eof, err := c.Poll(ctx, f.batch)
		if err != nil {
			span.RecordError(err)
			return end, err
		}
		for _, m := range msgs {
			visit(m)
			end = m.Offset + 1
		}
		if eof || len(msgs) == 0 {
			return end, nil
		}
	}
}
