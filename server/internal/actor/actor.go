package actor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"piper/server/internal/config"
	"piper/server/internal/llm"
	"piper/server/internal/model"
)

// Engine 负责约束构建、提示词组装、回复校验与兜底台词。
// 全部是纯函数，可以被多个会话共享。
type Engine struct {
	judgmental []string
	pressure   []string
	// pressureSet 用于把命中的禁用词归类到 CONTAINS_PRESSURE_LANGUAGE
	pressureSet map[string]bool
}

// NewEngine 从安全配置中取出禁用词表。
func NewEngine(cfg config.SafetyConfig) *Engine {
	e := &Engine{
		judgmental:  normalizeWords(cfg.JudgmentalWords),
		pressure:    normalizeWords(cfg.PressureWords),
		pressureSet: make(map[string]bool),
	}
	for _, w := range e.pressure {
		e.pressureSet[w] = true
	}
	return e
}

// 回复必须满足的 JSON 结构
var replySchema = &llm.JSONSchema{
	Name: "child_reply",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"speech":        map[string]any{"type": "string"},
			"choiceMessage": map[string]any{"type": "string"},
		},
		"required":             []string{"speech", "choiceMessage"},
		"additionalProperties": false,
	},
	Strict: true,
}

// ReplySchema 返回对话 AI 的结构化输出定义。
func ReplySchema() *llm.JSONSchema { return replySchema }

// BuildConstraints 随等级收紧：YELLOW 起必须给选择，ORANGE 起必须先共情，RED 只允许一句话。
// 疲劳或参与度过低时额外要求简短。
func (e *Engine) BuildConstraints(level model.Level, state model.State) model.LLMConstraints {
	c := model.LLMConstraints{
		MustNotJudge: true,
		// 评判性词汇永远禁用
		ForbiddenWords: append([]string(nil), e.judgmental...),
	}

	switch {
	case level >= model.LevelRed:
		c.MustBeBrief = true
		c.MustNotPressure = true
		c.MustOfferChoices = true
		c.MustValidateFeelings = true
		c.MaxSentences = 1
		c.RequiredApproach = "safety_first"
	case level == model.LevelOrange:
		c.MustBeBrief = true
		c.MustNotPressure = true
		c.MustOfferChoices = true
		c.MustValidateFeelings = true
		c.MaxSentences = 2
		c.RequiredApproach = "calming"
	case level == model.LevelYellow:
		c.MustBeBrief = true
		c.MustNotPressure = true
		c.MustOfferChoices = true
		c.MaxSentences = 2
		c.RequiredApproach = "supportive"
	default:
		c.MaxSentences = 3
		c.RequiredApproach = "encouraging"
	}

	if c.MustNotPressure {
		c.ForbiddenWords = append(c.ForbiddenWords, e.pressure...)
	}

	if state.FatigueLevel >= 7 || state.EngagementLevel <= 3 {
		c.MustBeBrief = true
		if c.MaxSentences > 1 {
			c.MaxSentences--
		}
	}
	return c
}

// BuildSystemPrompt 组装给对话 AI 的系统提示词。
// 只透露语气需要的信息（等级、语气、提示强度），不透露内部数值状态。
func (e *Engine) BuildSystemPrompt(resp model.BackendResponse) string {
	var sb strings.Builder
	rc := resp.ResponseContext
	c := resp.Constraints

	sb.WriteString("[Role Definition]\n")
	sb.WriteString("You are Piper, a friendly speech-therapy buddy talking with a young child during a picture-card activity.\n")
	sb.WriteString("You speak out loud, so use short, simple, spoken sentences.\n\n")

	sb.WriteString("[Current Situation]\n")
	sb.WriteString(fmt.Sprintf("What happened: %s\n", describeHappened(rc.WhatHappened)))
	if rc.ChildSaid != "" {
		sb.WriteString(fmt.Sprintf("Child said: %q\n", rc.ChildSaid))
	}
	if rc.Target != "" {
		sb.WriteString(fmt.Sprintf("Target word: %q\n", rc.Target))
	}
	if rc.AttemptNumber > 0 {
		sb.WriteString(fmt.Sprintf("Attempt number: %d\n", rc.AttemptNumber))
	}
	if resp.TaskContext.Question != "" {
		sb.WriteString(fmt.Sprintf("Card question: %s\n", resp.TaskContext.Question))
	}
	if resp.TaskContext.Category != "" {
		sb.WriteString(fmt.Sprintf("Category: %s\n", resp.TaskContext.Category))
	}
	sb.WriteString("\n")

	sb.WriteString("[Safety Level]\n")
	sb.WriteString(fmt.Sprintf("Level: %s\n", resp.Level))
	sb.WriteString(fmt.Sprintf("Tone: %s\n", resp.SessionConfig.AvatarTone))
	sb.WriteString(fmt.Sprintf("Prompting: %s\n\n", resp.SessionConfig.PromptIntensityLabel()))

	sb.WriteString("[Interventions]\n")
	if len(resp.Interventions) > 0 {
		names := make([]string, 0, len(resp.Interventions))
		for _, iv := range resp.Interventions {
			names = append(names, describeIntervention(iv))
		}
		sb.WriteString(fmt.Sprintf("Offer, in this order of preference: %s\n\n", strings.Join(names, "; ")))
	} else {
		sb.WriteString("None.\n\n")
	}

	sb.WriteString("[Constraints]\n")
	if c.MaxSentences > 0 {
		sb.WriteString(fmt.Sprintf("- Use at most %d sentence(s) in \"speech\".\n", c.MaxSentences))
	}
	if c.MustBeBrief {
		sb.WriteString("- Be very brief.\n")
	}
	if c.MustNotJudge {
		sb.WriteString("- Never judge or label the answer as a failure.\n")
	}
	if c.MustNotPressure {
		sb.WriteString("- Never rush or pressure the child.\n")
	}
	if c.MustValidateFeelings {
		sb.WriteString("- Start by naming and accepting the child's feelings.\n")
	}
	if c.MustOfferChoices {
		sb.WriteString("- Put a simple either/or choice in \"choiceMessage\".\n")
	}
	if c.RequiredApproach != "" {
		sb.WriteString(fmt.Sprintf("- Approach: %s.\n", c.RequiredApproach))
	}
	if len(c.ForbiddenWords) > 0 {
		sb.WriteString(fmt.Sprintf("- Never use these words or phrases: %s.\n", strings.Join(c.ForbiddenWords, ", ")))
	}
	sb.WriteString("\n")

	sb.WriteString("[Output Format]\n")
	sb.WriteString(`Reply with JSON only: {"speech": "...", "choiceMessage": "..."}. Use an empty choiceMessage when no choice is needed.`)
	sb.WriteString("\n")

	return sb.String()
}

// BuildUserPrompt 是随系统提示词一起发送的简短用户消息。
func (e *Engine) BuildUserPrompt(resp model.BackendResponse) string {
	if resp.ResponseContext.ChildSaid != "" {
		return resp.ResponseContext.ChildSaid
	}
	return "(the child did not say anything)"
}

// ParseReply 解析 AI 返回的 JSON，容忍代码块包裹与前后多余文本。
func ParseReply(raw string) (model.AIReply, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return model.AIReply{}, errors.New("no JSON object in reply")
	}

	var reply model.AIReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &reply); err != nil {
		return model.AIReply{}, fmt.Errorf("unmarshal reply: %w", err)
	}
	reply.Speech = strings.TrimSpace(reply.Speech)
	reply.ChoiceMessage = strings.TrimSpace(reply.ChoiceMessage)
	if reply.Speech == "" {
		return model.AIReply{}, errors.New("empty speech in reply")
	}
	return reply, nil
}

func describeHappened(what string) string {
	switch what {
	case model.HappenedCorrect:
		return "the child answered correctly"
	case model.HappenedIncorrect:
		return "the child tried but the answer did not match the card"
	case model.HappenedInactive:
		return "the child has not responded for a while"
	default:
		return "the child responded"
	}
}

func describeIntervention(iv model.Intervention) string {
	switch iv {
	case model.InterventionRetryCard:
		return "try the same card again"
	case model.InterventionSkipCard:
		return "move on to a new card"
	case model.InterventionBubbleBreathing:
		return "a bubble-breathing game"
	case model.InterventionCallGrownup:
		return "get a grown-up to help"
	}
	return string(iv)
}

func normalizeWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}
