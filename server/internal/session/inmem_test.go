package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"piper/server/internal/model"
)

type stubReducer struct{ state model.State }

func (r *stubReducer) ProcessEvent(model.Event, []model.Signal) model.State { return r.state }
func (r *stubReducer) ResetForBreak() model.State                           { return r.state }
func (r *stubReducer) State() model.State                                   { return r.state }

// TestInMemoryStoreLifecycle 验证会话的保存、读取与丢弃。
func TestInMemoryStoreLifecycle(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	sess := New("s1", &stubReducer{}, time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != sess {
		t.Fatalf("expected the same session context back")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

// TestSessionsAreIsolated 验证不同会话持有各自的归约器。
func TestSessionsAreIsolated(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	a := New("a", &stubReducer{state: model.State{EngagementLevel: 1}}, time.Now())
	b := New("b", &stubReducer{state: model.State{EngagementLevel: 9}}, time.Now())
	_ = store.Save(ctx, a)
	_ = store.Save(ctx, b)

	gotA, _ := store.Get(ctx, "a")
	gotB, _ := store.Get(ctx, "b")
	if gotA.Reducer.State().EngagementLevel == gotB.Reducer.State().EngagementLevel {
		t.Fatalf("expected per-session state")
	}
}

// TestSessionReplayCache 已处理的事件可以按 id 取回，空 id 不缓存。
func TestSessionReplayCache(t *testing.T) {
	sess := New("s1", &stubReducer{}, time.Now())

	if _, ok := sess.Reply("evt-1"); ok {
		t.Fatalf("expected no cached reply before processing")
	}
	pkg := &model.UIPackage{Speech: model.Speech{Text: "Great job!"}}
	sess.Remember("evt-1", pkg)
	sess.Remember("", &model.UIPackage{})

	got, ok := sess.Reply("evt-1")
	if !ok || got != pkg {
		t.Fatalf("expected cached reply, got %+v (ok=%v)", got, ok)
	}
	if _, ok := sess.Reply(""); ok {
		t.Fatalf("empty event id must never hit the cache")
	}
}
