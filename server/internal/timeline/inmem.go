package timeline

import (
	"context"
	"sync"

	"piper/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]model.TimelineEntry
	seq     map[string]int64
	seen    map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string][]model.TimelineEntry),
		seq:     make(map[string]int64),
		seen:    make(map[string]map[string]int64),
	}
}

// Append 追加条目到 timeline，并为该 session 分配单调递增 seq。
// 相同 (Type, EventID) 会直接返回已分配的 seq（幂等），created 为 false。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, entry *model.TimelineEntry) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(entry)
	if key != "" {
		if seq, ok := s.seen[sessionID][key]; ok {
			return seq, false, nil
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	entryCopy := *entry
	entryCopy.Seq = seq
	entryCopy.SessionID = sessionID
	s.entries[sessionID] = append(s.entries[sessionID], entryCopy)

	if key != "" {
		if s.seen[sessionID] == nil {
			s.seen[sessionID] = make(map[string]int64)
		}
		s.seen[sessionID][key] = seq
	}

	return seq, true, nil
}

// List 返回某个 session 的全部 timeline 条目（按 seq 顺序）。
// 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[sessionID]
	out := make([]model.TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}
