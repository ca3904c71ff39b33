package actor

import (
	"strings"

	"piper/server/internal/model"
)

// 校验项名称
const (
	CheckNoJudgmental = "no_judgmental_language"
	CheckNoPressure   = "no_pressure_language"
	CheckLength       = "within_sentence_limit"
	CheckChoices      = "offers_choices"
)

// Validate 按约束校验候选回复。永远返回结果，不返回错误。
// 多项失败时 Reason 按 评判 > 施压 > 过长 > 缺少选择 的顺序取第一项。
func (e *Engine) Validate(reply model.AIReply, c model.LLMConstraints) model.ValidationResult {
	text := strings.ToLower(reply.Speech + " " + reply.ChoiceMessage)

	judgmental, pressure := false, false
	for _, w := range c.ForbiddenWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || !strings.Contains(text, w) {
			continue
		}
		if e.pressureSet[w] {
			pressure = true
		} else {
			judgmental = true
		}
	}

	withinLimit := c.MaxSentences <= 0 || CountSentences(reply.Speech) <= c.MaxSentences
	offersChoices := !c.MustOfferChoices || strings.TrimSpace(reply.ChoiceMessage) != ""

	res := model.ValidationResult{
		Checks: map[string]bool{
			CheckNoJudgmental: !judgmental,
			CheckNoPressure:   !pressure,
			CheckLength:       withinLimit,
			CheckChoices:      offersChoices,
		},
	}
	switch {
	case judgmental:
		res.Reason = model.ReasonJudgmentalLanguage
	case pressure:
		res.Reason = model.ReasonPressureLanguage
	case !withinLimit:
		res.Reason = model.ReasonTooLong
	case !offersChoices:
		res.Reason = model.ReasonMissingChoices
	default:
		res.Valid = true
	}
	return res
}

// CountSentences 以连续的 . ! ? 作为句子边界，统计非空句子数。
func CountSentences(text string) int {
	n := 0
	inSentence := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if inSentence {
				n++
				inSentence = false
			}
		case ' ', '\t', '\n', '\r', '"', '\'':
		default:
			inSentence = true
		}
	}
	if inSentence {
		n++
	}
	return n
}
