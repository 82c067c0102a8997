// Package storetest holds the behaviour every store.LogStore backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/wilhg/schemeadapter/pkg/store"
)

// Run exercises a fresh store from newStore for each case.
func Run(t *testing.T, newStore func(t *testing.T) store.LogStore) {
	t.Helper()
	t.Run("AppendAssignsContiguousOffsets", func(t *testing.T) { appendAssignsOffsets(t, newStore(t)) })
	t.Run("ReadFromOffsetAndLimit", func(t *testing.T) { readFromOffset(t, newStore(t)) })
	t.Run("PartitionsAreIndependent", func(t *testing.T) { partitionsIndependent(t, newStore(t)) })
	t.Run("ConcurrentAppendsDoNotCollide", func(t *testing.T) { concurrentAppends(t, newStore(t)) })
}

func rec(key, typ string, v any) store.Record {
	b, _ := json.Marshal(v)
	return store.Record{Key: key, Type: typ, Payload: b}
}

func appendAssignsOffsets(t *testing.T, s store.LogStore) {
	ctx := context.Background()
	got, err := s.Append(ctx, "events", 0, rec("b1", "A", map[string]any{"n": 1}), rec("b2", "B", nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Offset != 0 || got[1].Offset != 1 {
		t.Fatalf("offsets=%+v want 0,1", got)
	}
	more, err := s.Append(ctx, "events", 0, rec("b1", "C", map[string]any{"n": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if more[0].Offset != 2 {
		t.Fatalf("offset=%d want 2", more[0].Offset)
	}
	hw, err := s.HighWatermark(ctx, "events", 0)
	if err != nil {
		t.Fatal(err)
	}
	if hw != 3 {
		t.Fatalf("high watermark=%d want 3", hw)
	}
}

func readFromOffset(t *testing.T, s store.LogStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, "snapshots", 0, rec(fmt.Sprintf("k%d", i), "S", map[string]any{"i": i})); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Read(ctx, "snapshots", 0, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Offset != 2 || got[1].Offset != 3 {
		t.Fatalf("read=%+v want offsets 2,3", got)
	}
	if got[0].Key != "k2" || got[0].Type != "S" {
		t.Fatalf("unexpected message %+v", got[0])
	}
	var p map[string]int
	if err := json.Unmarshal(got[1].Payload, &p); err != nil || p["i"] != 3 {
		t.Fatalf("payload=%s err=%v", got[1].Payload, err)
	}
	rest, err := s.Read(ctx, "snapshots", 0, 4, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 {
		t.Fatalf("len=%d want 1", len(rest))
	}
	end, err := s.Read(ctx, "snapshots", 0, 5, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(end) != 0 {
		t.Fatalf("read past end returned %d messages", len(end))
	}
	empty, err := s.Read(ctx, "unknown", 0, 0, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown topic: len=%d err=%v", len(empty), err)
	}
}

func partitionsIndependent(t *testing.T, s store.LogStore) {
	ctx := context.Background()
	if _, err := s.Append(ctx, "events", 0, rec("a", "X", nil)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Append(ctx, "events", 1, rec("b", "X", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Offset != 0 {
		t.Fatalf("partition 1 offset=%d want 0", got[0].Offset)
	}
	other, err := s.Append(ctx, "commands", 0, rec("c", "X", nil))
	if err != nil {
		t.Fatal(err)
	}
	if other[0].Offset != 0 {
		t.Fatalf("topic commands offset=%d want 0", other[0].Offset)
	}
}

func concurrentAppends(t *testing.T, s store.LogStore) {
	ctx := context.Background()
	const writers, each = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.Append(ctx, "domain", 0, rec(fmt.Sprintf("w%d", w), "E", map[string]any{"i": i})); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	all, err := s.Read(ctx, "domain", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != writers*each {
		t.Fatalf("len=%d want %d", len(all), writers*each)
	}
	for i, m := range all {
		if m.Offset != int64(i) {
			t.Fatalf("offset gap at %d: %d", i, m.Offset)
		}
	}
}
