// Package matcher 判断孩子的说法与目标答案是否等价。
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"piper/server/internal/llm"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const equivalencePrompt = `You check answers in a children's picture-naming game.
Decide whether the child's word means the same thing as the target word for this game
(synonyms, plurals, or common child variants count; a different object does not).
Reply with JSON {"equivalent": true} or {"equivalent": false}.`

// ErrNoJudge 表示没有配置 AI，无法判断非字面相同的说法。
var ErrNoJudge = errors.New("matcher: no equivalence judge configured")

var equivalenceSchema = &llm.JSONSchema{
	Name: "answer_equivalence",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"equivalent": map[string]any{"type": "boolean"},
		},
		"required":             []string{"equivalent"},
		"additionalProperties": false,
	},
	Strict: true,
}

// Matcher 先做规范化比较，再用 AI 判断语义等价。
// AI 的结论按规范化词对缓存在有界 LRU 中。
type Matcher struct {
	client  llm.Client
	cache   *lru.Cache[string, bool]
	timeout time.Duration
	logger  *zap.Logger
}

// New 创建匹配器。client 为 nil 时只做规范化比较。
func New(client llm.Client, cacheSize int, timeout time.Duration, logger *zap.Logger) (*Matcher, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create equivalence cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		client:  client,
		cache:   cache,
		timeout: timeout,
		logger:  logger.Named("matcher"),
	}, nil
}

// Equivalent 判断 said 与 target 是否等价。
// 返回错误时调用方应把正确性视为未知。
func (m *Matcher) Equivalent(ctx context.Context, said, target string) (bool, error) {
	a, b := Normalize(said), Normalize(target)
	if a == "" || b == "" {
		return false, nil
	}
	if a == b {
		return true, nil
	}
	if m.client == nil {
		return false, ErrNoJudge
	}

	key := cacheKey(a, b)
	if v, ok := m.cache.Get(key); ok {
		return v, nil
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	raw, err := m.client.Complete(ctx, []llm.Message{
		llm.System(equivalencePrompt),
		llm.User(fmt.Sprintf("Target: %q\nChild said: %q", b, a)),
	}, equivalenceSchema)
	if err != nil {
		return false, fmt.Errorf("judge equivalence: %w", err)
	}

	eq, err := parseVerdict(raw)
	if err != nil {
		return false, err
	}
	m.cache.Add(key, eq)
	m.logger.Debug("equivalence judged", zap.String("said", a), zap.String("target", b), zap.Bool("equivalent", eq))
	return eq, nil
}

// Len 返回缓存条目数。
func (m *Matcher) Len() int {
	return m.cache.Len()
}

// Normalize 小写、去标点、合并空白。
func Normalize(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return sb.String()
}

// 词对与顺序无关
func cacheKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func parseVerdict(raw string) (bool, error) {
	var v struct {
		Equivalent *bool `json:"equivalent"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return false, fmt.Errorf("parse equivalence verdict: %w", err)
	}
	if v.Equivalent == nil {
		return false, fmt.Errorf("equivalence verdict missing: %q", raw)
	}
	return *v.Equivalent, nil
}
