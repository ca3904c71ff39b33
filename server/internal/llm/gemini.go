package llm

import (
	"context"
	"errors"
	"fmt"

	"piper/server/internal/config"

	"google.golang.org/genai"
)

// GeminiClient 基于 google genai SDK 的客户端
type GeminiClient struct {
	config config.LLMProviderConfig
	client *genai.Client
}

// NewGeminiClient 创建 Gemini 客户端
func NewGeminiClient(ctx context.Context, cfg config.LLMProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.APIURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{config: cfg, client: client}, nil
}

// Complete 完成文本生成（Gemini）
func (c *GeminiClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if c.config.Temperature > 0 {
		gc.Temperature = genai.Ptr(float32(c.config.Temperature))
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if schema != nil {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseJsonSchema = schema.Schema
	}

	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			gc.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return "", errors.New("no user content to send")
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, gc)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty content in response")
	}
	return text, nil
}
