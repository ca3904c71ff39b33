package director

import (
	"fmt"

	"piper/server/internal/config"
	"piper/server/internal/model"
)

// Director 安全导演：判定等级、挑选干预、调整会话节奏。
// 三个方法都是当前状态与信号的纯函数，不保留任何历史。
type Director struct {
	cfg config.SafetyConfig
}

// NewDirector 创建安全导演
func NewDirector(cfg config.SafetyConfig) *Director {
	return &Director{cfg: cfg}
}

// Decision 一次判定的结果，Reasoning 只用于可观测性。
type Decision struct {
	Level         model.Level
	Interventions []model.Intervention
	Reasoning     []string
}

// AssessLevel 按独立谓词求最严重的等级，默认 GREEN。
func (d *Director) AssessLevel(state model.State, signals []model.Signal) model.Level {
	level, _ := d.assess(state, signals)
	return level
}

// Explain 与 AssessLevel 相同，但同时返回命中的理由。
func (d *Director) Explain(state model.State, signals []model.Signal) (model.Level, []string) {
	return d.assess(state, signals)
}

func (d *Director) assess(state model.State, signals []model.Signal) (model.Level, []string) {
	t := d.cfg.Thresholds
	level := model.LevelGreen
	var reasons []string

	hit := func(l model.Level, reason string) {
		level = model.MaxLevel(level, l)
		reasons = append(reasons, fmt.Sprintf("%s: %s", l, reason))
	}

	// YELLOW
	if state.ConsecutiveErrors >= t.YellowConsecutiveErrors {
		hit(model.LevelYellow, fmt.Sprintf("%d consecutive errors", state.ConsecutiveErrors))
	}
	if model.HasSignal(signals, model.SignalWantsBreak) {
		hit(model.LevelYellow, "child asked for a break")
	}
	if model.HasSignal(signals, model.SignalWantsQuit) {
		hit(model.LevelYellow, "child wants to quit")
	}
	if state.EngagementLevel <= t.YellowLowEngagement {
		hit(model.LevelYellow, fmt.Sprintf("low engagement (%.1f)", state.EngagementLevel))
	}

	// ORANGE
	if state.ConsecutiveErrors >= t.OrangeConsecutiveErrors {
		hit(model.LevelOrange, fmt.Sprintf("%d consecutive errors", state.ConsecutiveErrors))
	}
	if model.HasSignal(signals, model.SignalRepetitiveResponse) {
		hit(model.LevelOrange, "repetitive response")
	}
	if model.HasSignal(signals, model.SignalDistress) {
		hit(model.LevelOrange, "distress detected")
	}
	if state.DysregulationLevel >= t.OrangeDysregulation {
		hit(model.LevelOrange, fmt.Sprintf("dysregulation %.1f", state.DysregulationLevel))
	}

	// RED
	if state.DysregulationLevel >= t.RedDysregulation {
		hit(model.LevelRed, fmt.Sprintf("dysregulation %.1f", state.DysregulationLevel))
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "GREEN: no triggers")
	}
	return level, reasons
}

// SelectInterventions 按等级查表，并应用两条硬规则：
// ORANGE 且失调达到呼吸阈值时把 BUBBLE_BREATHING 放到最前；RED 时 CALL_GROWNUP 永远排第一。
// 返回新切片，顺序即优先级。
func (d *Director) SelectInterventions(level model.Level, state model.State, signals []model.Signal) []model.Intervention {
	list := d.cfg.InterventionsFor(level)

	switch level {
	case model.LevelGreen:
		if len(list) == 0 {
			list = []model.Intervention{model.InterventionRetryCard}
		}
	case model.LevelYellow:
		if len(list) == 0 {
			list = []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard}
		}
	case model.LevelOrange:
		if len(list) == 0 {
			list = []model.Intervention{model.InterventionSkipCard}
		}
		if state.DysregulationLevel >= d.cfg.Thresholds.BreathingDysregulation {
			list = prepend(list, model.InterventionBubbleBreathing)
		}
	case model.LevelRed:
		list = prepend(list, model.InterventionCallGrownup)
	default:
		// 越界等级按最谨慎处理
		list = []model.Intervention{model.InterventionCallGrownup}
	}
	return list
}

// AdaptSessionConfig 等级 -> 会话节奏，对任何等级都有定义。
func (d *Director) AdaptSessionConfig(level model.Level) model.SessionConfig {
	if sc, ok := d.cfg.SessionConfigFor(level); ok {
		return sc
	}
	if sc, ok := d.cfg.SessionConfigFor(model.LevelRed); ok {
		return sc
	}
	return model.SessionConfig{PromptIntensity: 0, AvatarTone: "calm", MaxTaskTime: 30, InactivityTimeout: 15}
}

// Decide 组合 AssessLevel 与 SelectInterventions。
func (d *Director) Decide(state model.State, signals []model.Signal) Decision {
	level, reasons := d.assess(state, signals)
	return Decision{
		Level:         level,
		Interventions: d.SelectInterventions(level, state, signals),
		Reasoning:     reasons,
	}
}

// prepend 把 iv 放到最前面，并去掉后面重复的 iv。
func prepend(list []model.Intervention, iv model.Intervention) []model.Intervention {
	out := make([]model.Intervention, 0, len(list)+1)
	out = append(out, iv)
	for _, x := range list {
		if x != iv {
			out = append(out, x)
		}
	}
	return out
}
