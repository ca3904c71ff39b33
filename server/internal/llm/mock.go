package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockFailure 是 MockClient 在 ShouldFail 时返回的错误。
var ErrMockFailure = errors.New("mock llm failure")

// MockClient 用于测试的 Mock LLM 客户端。
// Responses 按调用顺序返回，用尽后重复最后一条。
type MockClient struct {
	mu sync.Mutex

	Responses  []string
	ShouldFail bool
	// Delay 模拟慢响应，会尊重 ctx 取消。
	Delay time.Duration

	CallCount    int
	LastMessages []Message
	LastSchema   *JSONSchema
}

// NewMockClient 创建 Mock LLM 客户端
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Responses: responses}
}

// Complete 模拟 LLM Complete 方法
func (m *MockClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.LastMessages = append([]Message(nil), messages...)
	m.LastSchema = schema
	delay := m.Delay
	fail := m.ShouldFail
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if fail {
		return "", ErrMockFailure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return "", errors.New("mock llm: no response configured")
	}
	idx := call - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Calls 返回调用次数（并发安全）。
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
