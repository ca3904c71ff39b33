package session

import (
	"context"
	"sync"
	"time"

	"piper/server/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replayCacheSize 每个会话记住最近下发过的结果，客户端重发同一事件时原样返回。
const replayCacheSize = 256

// Reducer 是会话持有的状态归约器，实现位于 orchestrator。
type Reducer interface {
	ProcessEvent(evt model.Event, signals []model.Signal) model.State
	ResetForBreak() model.State
	State() model.State
}

// Session 是单个会话的上下文对象：会话开始时创建，结束时丢弃。
// 同一会话的事件必须串行处理，调用方通过 Lock/Unlock 保证。
type Session struct {
	ID        string
	CreatedAt time.Time
	Reducer   Reducer

	mu      sync.Mutex
	replies *lru.Cache[string, *model.UIPackage]
}

// New 创建会话上下文。
func New(id string, reducer Reducer, now time.Time) *Session {
	// 容量为正数时 lru.New 不会出错
	replies, _ := lru.New[string, *model.UIPackage](replayCacheSize)
	return &Session{ID: id, CreatedAt: now, Reducer: reducer, replies: replies}
}

// Reply 返回该事件已经下发过的 UIPackage。
func (s *Session) Reply(eventID string) (*model.UIPackage, bool) {
	if eventID == "" {
		return nil, false
	}
	return s.replies.Get(eventID)
}

// Remember 记录事件的处理结果，供重发时回放。
func (s *Session) Remember(eventID string, pkg *model.UIPackage) {
	if eventID == "" || pkg == nil {
		return
	}
	s.replies.Add(eventID, pkg)
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}
