// Package signal 把一次儿童事件解释成信号集合。
package signal

import (
	"context"
	"strings"

	"piper/server/internal/config"
	"piper/server/internal/model"
)

// Interpreter 把事件映射成去重后的信号集合，不返回错误。
type Interpreter interface {
	Interpret(ctx context.Context, evt model.Event) []model.Signal
}

// keywordRule 文本子串 -> 信号
type keywordRule struct {
	signal   model.Signal
	keywords []string
}

// RuleInterpreter 是确定性的规则集实现。规则彼此独立、可叠加。
type RuleInterpreter struct {
	rules []keywordRule
}

// NewRuleInterpreter 从配置构造规则集，关键字统一转成小写。
func NewRuleInterpreter(cfg config.SignalsConfig) *RuleInterpreter {
	return &RuleInterpreter{
		rules: []keywordRule{
			{model.SignalWantsBreak, lower(cfg.BreakKeywords)},
			{model.SignalWantsQuit, lower(cfg.QuitKeywords)},
			{model.SignalFrustration, lower(cfg.FrustrationKeywords)},
			{model.SignalDistress, lower(cfg.DistressKeywords)},
		},
	}
}

// Interpret 实现 Interpreter。
func (r *RuleInterpreter) Interpret(_ context.Context, evt model.Event) []model.Signal {
	signals := NonTextSignals(evt)
	if evt.Type == model.EventChildResponse {
		signals = append(signals, r.TextSignals(evt.Response)...)
	}
	return model.NormalizeSignals(signals)
}

// TextSignals 只做文本关键字匹配（大小写不敏感的子串）。
func (r *RuleInterpreter) TextSignals(text string) []model.Signal {
	text = strings.ToLower(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []model.Signal
	for _, rule := range r.rules {
		for _, kw := range rule.keywords {
			if kw != "" && strings.Contains(text, kw) {
				out = append(out, rule.signal)
				break
			}
		}
	}
	return out
}

// NonTextSignals 返回音频标记与重复作答产生的信号，这部分不依赖文本理解。
// 未知类型的事件整体忽略，附带的音频标记也不产生信号。
func NonTextSignals(evt model.Event) []model.Signal {
	if !evt.Type.Valid() {
		return nil
	}
	var out []model.Signal
	audio := evt.Audio()
	if audio.Screaming {
		out = append(out, model.SignalScreaming)
	}
	if audio.Crying {
		out = append(out, model.SignalCrying)
	}
	if audio.ProlongedSilence {
		out = append(out, model.SignalProlongedSilence)
	}
	if evt.Type == model.EventChildResponse && isRepetitive(evt) {
		out = append(out, model.SignalRepetitiveResponse)
	}
	return out
}

// 连续三次相同的非空作答
func isRepetitive(evt model.Event) bool {
	if evt.Response == "" {
		return false
	}
	return evt.Response == evt.PreviousResponse && evt.Response == evt.PreviousPreviousResponse
}

func lower(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, strings.ToLower(w))
	}
	return out
}
