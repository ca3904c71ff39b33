package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"piper/server/internal/model"

	_ "github.com/lib/pq"  // Postgres driver.
	_ "modernc.org/sqlite" // SQLite driver.
)

// SQLStore 把 timeline 落到 SQLite 或 Postgres。条目整体以 JSON 存在 payload 列中。
type SQLStore struct {
	db     *sql.DB
	driver string
	// mu 串行化写入：seq 由 MAX(seq)+1 分配
	mu sync.Mutex
}

// OpenSQL 打开数据库并执行迁移。driver: sqlite | postgres。
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("timeline dsn not set")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// 单连接避免 SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭底层数据库。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS timeline_entries (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			dedupe_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			server_ts TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_dedupe
			ON timeline_entries(session_id, dedupe_key) WHERE dedupe_key <> '';`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate timeline: %w", err)
		}
	}
	return nil
}

// Append 实现 Store。
func (s *SQLStore) Append(ctx context.Context, sessionID string, entry *model.TimelineEntry) (seq int64, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := dedupeKey(entry)
	if key != "" {
		err = tx.QueryRowContext(ctx,
			s.rebind(`SELECT seq FROM timeline_entries WHERE session_id = ? AND dedupe_key = ?`),
			sessionID, key,
		).Scan(&seq)
		switch {
		case err == nil:
			return seq, false, tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return 0, false, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	if err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_entries WHERE session_id = ?`),
		sessionID,
	).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("next seq: %w", err)
	}

	entryCopy := *entry
	entryCopy.Seq = seq
	entryCopy.SessionID = sessionID
	payload, err := json.Marshal(entryCopy)
	if err != nil {
		return 0, false, fmt.Errorf("marshal entry: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO timeline_entries (session_id, seq, dedupe_key, type, payload, server_ts) VALUES (?, ?, ?, ?, ?, ?)`),
		sessionID, seq, key, entry.Type, string(payload), entry.ServerTS.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return 0, false, fmt.Errorf("insert entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return seq, true, nil
}

// List 实现 Store。
func (s *SQLStore) List(ctx context.Context, sessionID string) ([]model.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT payload FROM timeline_entries WHERE session_id = ? ORDER BY seq ASC`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	out := make([]model.TimelineEntry, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var entry model.TimelineEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// rebind 把 ? 占位符改写成 Postgres 的 $n。
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
