package timeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"piper/server/internal/config"
	"piper/server/internal/model"
)

// 两种实现共用同一组契约测试
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlStore,
	}
}

// TestStoreAppendAssignsSeq 验证 Append 为条目分配递增 seq，且不同 session 互不影响。
func TestStoreAppendAssignsSeq(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seq1, _, err := store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntryChildEvent})
			if err != nil {
				t.Fatalf("append entry: %v", err)
			}
			seq2, _, err := store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntrySafetyDecision})
			if err != nil {
				t.Fatalf("append entry: %v", err)
			}
			other, _, err := store.Append(ctx, "s2", &model.TimelineEntry{Type: model.EntryChildEvent})
			if err != nil {
				t.Fatalf("append entry: %v", err)
			}

			if seq1 != 1 || seq2 != 2 || other != 1 {
				t.Fatalf("unexpected seqs: %d %d %d", seq1, seq2, other)
			}
		})
	}
}

// TestStoreAppendIdempotentByEventID 验证相同 (Type, EventID) 幂等，不同 Type 各自记录。
func TestStoreAppendIdempotentByEventID(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seq1, created1, _ := store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntryChildEvent, EventID: "evt-1"})
			seq2, created2, _ := store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntryChildEvent, EventID: "evt-1"})
			if seq1 != seq2 {
				t.Fatalf("expected idempotent seq, got %d and %d", seq1, seq2)
			}
			if !created1 || created2 {
				t.Fatalf("expected only the first append to report created, got %v and %v", created1, created2)
			}

			seq3, created3, _ := store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntrySafetyDecision, EventID: "evt-1"})
			if seq3 != 2 || !created3 {
				t.Fatalf("expected a new seq for a different entry type, got %d (created=%v)", seq3, created3)
			}

			entries, err := store.List(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
		})
	}
}

// TestStoreListRoundTrip 验证 List 按 seq 返回完整条目。
func TestStoreListRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, _, _ = store.Append(ctx, "s1", &model.TimelineEntry{
				Type:       model.EntryChildEvent,
				EventID:    "e1",
				ChildEvent: &model.Event{Type: model.EventChildResponse, Response: "cat", Correct: model.Bool(true)},
				ServerTS:   ts,
			})
			_, _, _ = store.Append(ctx, "s1", &model.TimelineEntry{
				Type:    model.EntrySafetyDecision,
				EventID: "e1",
				Decision: &model.DecisionRecord{
					Level:         model.LevelOrange,
					Signals:       []model.Signal{model.SignalDistress},
					Interventions: []model.Intervention{model.InterventionSkipCard},
					Reasoning:     []string{"ORANGE: distress detected"},
				},
				ServerTS: ts,
			})

			entries, err := store.List(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
			if entries[0].Seq != 1 || entries[0].SessionID != "s1" || entries[0].ChildEvent.Response != "cat" {
				t.Fatalf("unexpected first entry: %+v", entries[0])
			}
			if entries[1].Decision == nil || entries[1].Decision.Level != model.LevelOrange {
				t.Fatalf("unexpected decision entry: %+v", entries[1])
			}
			if !entries[1].ServerTS.Equal(ts) {
				t.Fatalf("expected server ts preserved")
			}

			empty, err := store.List(ctx, "nobody")
			if err != nil || len(empty) != 0 {
				t.Fatalf("expected empty list, got %v %v", empty, err)
			}
		})
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 返回副本。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_, _, _ = store.Append(ctx, "s1", &model.TimelineEntry{Type: model.EntryChildEvent})

	entries, _ := store.List(ctx, "s1")
	entries[0].Type = "tampered"

	again, _ := store.List(ctx, "s1")
	if again[0].Type != model.EntryChildEvent {
		t.Fatalf("expected internal entries untouched")
	}
}

// TestOpen 验证按驱动选择实现。
func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", s)
	}

	s, err = Open(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "t.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = s.(*SQLStore).Close()

	if _, err := Open(ctx, config.StorageConfig{Driver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query must be unchanged, got %s", got)
	}
}
