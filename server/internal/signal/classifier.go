package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"piper/server/internal/llm"
	"piper/server/internal/model"

	"go.uber.org/zap"
)

const classifierPrompt = `You label what a young child said during a speech-therapy activity.
Return JSON {"signals": [...]} using only these tags:
- WANTS_BREAK: asks for a break, says they are tired, or wants to stop for now
- WANTS_QUIT: wants to end the activity entirely
- FRUSTRATION: sounds frustrated, mad or angry
- DISTRESS: screaming, panicking, or repeated refusals like "no no no"
Return {"signals": []} when none apply.`

var classifierSchema = &llm.JSONSchema{
	Name: "child_signals",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"signals": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"signals"},
		"additionalProperties": false,
	},
	Strict: true,
}

// ClassifierInterpreter 用对话 AI 识别文本类信号；音频与重复作答仍走规则。
// AI 出错或超时时整体回落到规则集。
type ClassifierInterpreter struct {
	rules   *RuleInterpreter
	client  llm.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewClassifierInterpreter 创建 AI 信号分类器。
func NewClassifierInterpreter(rules *RuleInterpreter, client llm.Client, timeout time.Duration, logger *zap.Logger) *ClassifierInterpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassifierInterpreter{
		rules:   rules,
		client:  client,
		timeout: timeout,
		logger:  logger.Named("signal"),
	}
}

// Interpret 实现 Interpreter。
func (c *ClassifierInterpreter) Interpret(ctx context.Context, evt model.Event) []model.Signal {
	if evt.Type != model.EventChildResponse || strings.TrimSpace(evt.Response) == "" {
		return c.rules.Interpret(ctx, evt)
	}

	text, err := c.classify(ctx, evt.Response)
	if err != nil {
		c.logger.Warn("classifier failed, using rule set", zap.Error(err))
		return c.rules.Interpret(ctx, evt)
	}

	signals := append(NonTextSignals(evt), text...)
	return model.NormalizeSignals(signals)
}

func (c *ClassifierInterpreter) classify(ctx context.Context, response string) ([]model.Signal, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.client.Complete(ctx, []llm.Message{
		llm.System(classifierPrompt),
		llm.User(response),
	}, classifierSchema)
	if err != nil {
		return nil, err
	}

	var out struct {
		Signals []string `json:"signals"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}

	var signals []model.Signal
	for _, tag := range out.Signals {
		s, ok := model.ParseSignal(tag)
		if !ok {
			c.logger.Debug("ignoring unknown signal tag", zap.String("tag", tag))
			continue
		}
		signals = append(signals, s)
	}
	return signals, nil
}
