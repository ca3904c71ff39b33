package timeline

import (
	"context"
	"fmt"

	"piper/server/internal/config"
	"piper/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 (Type, EventID) 的请求应幂等返回同一 seq，
	// 此时 created 为 false，调用方据此跳过重复事件。
	Append(ctx context.Context, sessionID string, entry *model.TimelineEntry) (seq int64, created bool, err error)
	// List 返回该 session 的全部条目（按 seq 顺序），用于回放与验收。
	List(ctx context.Context, sessionID string) ([]model.TimelineEntry, error)
}

// Open 按存储配置创建 timeline。
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported timeline driver: %q", cfg.Driver)
	}
}

// dedupeKey 同一个事件会产生多条不同类型的条目，所以幂等键包含类型。
func dedupeKey(entry *model.TimelineEntry) string {
	if entry.EventID == "" {
		return ""
	}
	return entry.Type + "/" + entry.EventID
}
