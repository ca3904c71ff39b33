package actor

import (
	"errors"
	"fmt"

	"piper/server/internal/model"
)

// 不活跃时的固定提示
const inactivePrompt = "Are you still there? Tap the card when you're ready!"

// neutralFallback 在模板与运营方追加的禁用词冲突时使用。
var neutralFallback = model.AIReply{
	Speech:        "I'm here with you.",
	ChoiceMessage: "Do you want to keep going or rest for a moment?",
}

// InactivePrompt 返回 CHILD_INACTIVE 快速路径的台词。
func (e *Engine) InactivePrompt() model.AIReply {
	return model.AIReply{Speech: inactivePrompt}
}

// BuildFallback 根据等级与本轮情况生成确定性的兜底台词。
// 模板先按本轮约束自检，不通过时退回中性台词。
func (e *Engine) BuildFallback(resp model.BackendResponse) model.AIReply {
	if resp.ResponseContext.WhatHappened == model.HappenedInactive {
		return e.InactivePrompt()
	}
	reply := e.fallbackTemplate(resp)
	if e.Validate(reply, resp.Constraints).Valid {
		return reply
	}
	return neutralFallback
}

// CheckFallbacks 用当前禁用词表检查所有兜底模板与不活跃提示，配置加载时调用。
// 只报告禁用词冲突，句数与选择要求由模板自身保证。
func (e *Engine) CheckFallbacks() error {
	happened := []string{model.HappenedCorrect, model.HappenedIncorrect, model.HappenedResponse, model.HappenedInactive}
	var errs []error
	for _, level := range model.AllLevels {
		c := e.BuildConstraints(level, model.State{})
		if res := e.Validate(neutralFallback, c); wordConflict(res) {
			errs = append(errs, fmt.Errorf("neutral fallback at %s conflicts with word lists: %s", level, res.Reason))
		}
		for _, what := range happened {
			for _, ivs := range [][]model.Intervention{nil, {model.InterventionBubbleBreathing}} {
				reply := e.fallbackTemplate(model.BackendResponse{
					Level:           level,
					Interventions:   ivs,
					ResponseContext: model.ResponseContext{WhatHappened: what},
				})
				if res := e.Validate(reply, c); wordConflict(res) {
					errs = append(errs, fmt.Errorf("fallback %q at %s conflicts with word lists: %s", reply.Speech, level, res.Reason))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func wordConflict(res model.ValidationResult) bool {
	return res.Reason == model.ReasonJudgmentalLanguage || res.Reason == model.ReasonPressureLanguage
}

func (e *Engine) fallbackTemplate(resp model.BackendResponse) model.AIReply {
	rc := resp.ResponseContext
	if rc.WhatHappened == model.HappenedInactive {
		return e.InactivePrompt()
	}

	hasBreathing := false
	for _, iv := range resp.Interventions {
		if iv == model.InterventionBubbleBreathing {
			hasBreathing = true
		}
	}

	switch {
	case resp.Level >= model.LevelRed:
		return model.AIReply{
			Speech:        "Let's get your grown-up to help.",
			ChoiceMessage: "Want to blow some bubbles while we wait?",
		}
	case resp.Level == model.LevelOrange:
		if hasBreathing {
			return model.AIReply{
				Speech:        "It's okay to feel upset.",
				ChoiceMessage: "Do you want to blow some bubbles or pick a new card?",
			}
		}
		return model.AIReply{
			Speech:        "It's okay to feel upset.",
			ChoiceMessage: "Do you want to pick a new card or rest for a moment?",
		}
	case resp.Level == model.LevelYellow:
		return model.AIReply{
			Speech:        "You are working so hard.",
			ChoiceMessage: "Do you want to try this card again or pick a new one?",
		}
	}

	switch rc.WhatHappened {
	case model.HappenedCorrect:
		return model.AIReply{Speech: "Great job! Let's keep going."}
	case model.HappenedIncorrect:
		return model.AIReply{Speech: "Nice try! Let's look at this card together."}
	default:
		return model.AIReply{Speech: "Thanks for telling me! Let's keep going."}
	}
}
