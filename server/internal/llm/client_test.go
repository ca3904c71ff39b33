package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"piper/server/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "{\"speech\":\"Nice try!\",\"choiceMessage\":\"\"}"}
  }]
}`

func TestOpenAIClientComplete(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIReply))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{
		APIURL:      ts.URL,
		APIKey:      "dummy",
		Model:       "gpt-4o-mini",
		Temperature: 0.5,
		MaxTokens:   100,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Complete(ctx, []Message{System("be kind"), User("hi")}, &JSONSchema{
		Name:   "reply",
		Schema: map[string]any{"type": "object"},
		Strict: true,
	})
	require.NoError(t, err)
	assert.Contains(t, res, "Nice try!")

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer dummy", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
	format, ok := gotBody["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIClientAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-4o-mini"})
	_, err := client.Complete(context.Background(), []Message{User("hi")}, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
}

func TestAnthropicClientComplete(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "dummy", r.Header.Get("x-api-key"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"speech\":\"Great job!\"}"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "claude", MaxTokens: 50})
	res, err := client.Complete(context.Background(), []Message{System("sys"), User("hi")}, &JSONSchema{
		Name:   "reply",
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"speech":"Great job!"}`, res)

	// system 单独传，schema 以指令形式附在后面
	system, _ := gotBody["system"].(string)
	assert.Contains(t, system, "sys")
	assert.Contains(t, system, `"type":"object"`)
	msgs, _ := gotBody["messages"].([]any)
	assert.Len(t, msgs, 1)
}

func TestAnthropicClientAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad request`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy"})
	_, err := client.Complete(context.Background(), []Message{User("hi")}, nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad request", apiErr.Body)
	assert.False(t, apiErr.Retryable())
}

func TestAnthropicClientHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, []Message{User("hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClient(t *testing.T) {
	cfg := config.Default().LLM

	cfg.Provider = "openai"
	c, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	cfg.Provider = "anthropic"
	c, err = NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	cfg.Provider = "gemini"
	cfg.Gemini.APIKey = ""
	_, err = NewClient(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Provider = "llama"
	_, err = NewClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient("first", "second")

	r1, err := m.Complete(context.Background(), []Message{User("a")}, nil)
	require.NoError(t, err)
	r2, _ := m.Complete(context.Background(), nil, nil)
	r3, _ := m.Complete(context.Background(), nil, nil)

	assert.Equal(t, "first", r1)
	assert.Equal(t, "second", r2)
	assert.Equal(t, "second", r3)
	assert.Equal(t, 3, m.Calls())

	m.ShouldFail = true
	_, err = m.Complete(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrMockFailure)

	m.ShouldFail = false
	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Complete(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
