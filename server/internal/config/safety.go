package config

import (
	"errors"
	"fmt"
	"time"

	"piper/server/internal/model"
)

// SafetyConfig 是安全闸门的全部可调参数。
// 表格以等级/信号名称作为 key，方便运维直接在 yaml 里调整严重度。
type SafetyConfig struct {
	Bounds         BoundsConfig                    `yaml:"bounds"`
	Initial        InitialStateConfig              `yaml:"initial"`
	SignalDeltas   map[string]SignalEffect         `yaml:"signal_deltas"`
	ResponseDeltas ResponseDeltas                  `yaml:"response_deltas"`
	BreakDeltas    BreakDeltas                     `yaml:"break_deltas"`
	Decay          DecayConfig                     `yaml:"decay"`
	Fatigue        FatigueConfig                   `yaml:"fatigue"`
	Thresholds     Thresholds                      `yaml:"thresholds"`
	Interventions  map[string][]model.Intervention `yaml:"interventions"`
	SessionConfigs map[string]model.SessionConfig  `yaml:"session_configs"`
	Stacking       StackingConfig                  `yaml:"stacking"`

	// ErrorWindow 是 errorFrequency 的滚动窗口。
	ErrorWindow time.Duration `yaml:"error_window"`
	// ErrorHistorySize 是错误时间戳日志的上限。
	ErrorHistorySize int `yaml:"error_history_size"`

	JudgmentalWords []string `yaml:"judgmental_words"`
	PressureWords   []string `yaml:"pressure_words"`
}

type BoundsConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type InitialStateConfig struct {
	Engagement    float64 `yaml:"engagement"`
	Dysregulation float64 `yaml:"dysregulation"`
	Fatigue       float64 `yaml:"fatigue"`
}

// SignalEffect 是单个信号对三个有界指标的增量。
type SignalEffect struct {
	Engagement    float64 `yaml:"engagement"`
	Dysregulation float64 `yaml:"dysregulation"`
	Fatigue       float64 `yaml:"fatigue"`
}

type ResponseDeltas struct {
	CorrectEngagement    float64 `yaml:"correct_engagement"`
	CorrectDysregulation float64 `yaml:"correct_dysregulation"`
	IncorrectEngagement  float64 `yaml:"incorrect_engagement"`
	InactiveEngagement   float64 `yaml:"inactive_engagement"`
}

// BreakDeltas 休息后下调的幅度（正数）。
type BreakDeltas struct {
	Dysregulation float64 `yaml:"dysregulation"`
	Fatigue       float64 `yaml:"fatigue"`
}

type DecayConfig struct {
	Rate  float64 `yaml:"rate"`
	Floor float64 `yaml:"floor"`
}

// FatigueConfig: fatigue = minutes/MinutesDivisor + dysregulation*DysregulationWeight
type FatigueConfig struct {
	MinutesDivisor      float64 `yaml:"minutes_divisor"`
	DysregulationWeight float64 `yaml:"dysregulation_weight"`
}

// Thresholds 是等级判定的阈值。
type Thresholds struct {
	YellowConsecutiveErrors int     `yaml:"yellow_consecutive_errors"`
	YellowLowEngagement     float64 `yaml:"yellow_low_engagement"`
	OrangeConsecutiveErrors int     `yaml:"orange_consecutive_errors"`
	OrangeDysregulation     float64 `yaml:"orange_dysregulation"`
	RedDysregulation        float64 `yaml:"red_dysregulation"`
	// BreathingDysregulation 达到后 ORANGE 会在最前面插入 BUBBLE_BREATHING。
	BreathingDysregulation float64 `yaml:"breathing_dysregulation"`
}

// StackingConfig 多个情绪失调信号同时出现时的额外失调加成，默认关闭。
type StackingConfig struct {
	Enabled          bool    `yaml:"enabled"`
	TwoSignalBonus   float64 `yaml:"two_signal_bonus"`
	ThreeSignalBonus float64 `yaml:"three_signal_bonus"`
}

// DefaultSafety 返回默认的安全表。
func DefaultSafety() SafetyConfig {
	return SafetyConfig{
		Bounds:  BoundsConfig{Min: 0, Max: 10},
		Initial: InitialStateConfig{Engagement: 8, Dysregulation: 1, Fatigue: 1},
		SignalDeltas: map[string]SignalEffect{
			string(model.SignalScreaming):          {Dysregulation: 4},
			string(model.SignalCrying):             {Dysregulation: 3},
			string(model.SignalDistress):           {Dysregulation: 2},
			string(model.SignalFrustration):        {Dysregulation: 1},
			string(model.SignalWantsQuit):          {Engagement: -2},
			string(model.SignalWantsBreak):         {Fatigue: 1},
			string(model.SignalRepetitiveResponse): {Dysregulation: 2, Engagement: -0.5},
			string(model.SignalProlongedSilence):   {Engagement: -1},
		},
		ResponseDeltas: ResponseDeltas{
			CorrectEngagement:    1,
			CorrectDysregulation: -0.5,
			IncorrectEngagement:  -0.5,
			InactiveEngagement:   -2,
		},
		BreakDeltas: BreakDeltas{Dysregulation: 2, Fatigue: 2},
		Decay:       DecayConfig{Rate: 0.5, Floor: 1},
		Fatigue:     FatigueConfig{MinutesDivisor: 2, DysregulationWeight: 0.1},
		Thresholds: Thresholds{
			YellowConsecutiveErrors: 3,
			YellowLowEngagement:     3,
			OrangeConsecutiveErrors: 5,
			OrangeDysregulation:     7,
			RedDysregulation:        9,
			BreathingDysregulation:  6,
		},
		Interventions: map[string][]model.Intervention{
			"GREEN":  {model.InterventionRetryCard},
			"YELLOW": {model.InterventionSkipCard, model.InterventionRetryCard},
			"ORANGE": {model.InterventionSkipCard},
			"RED":    {model.InterventionCallGrownup, model.InterventionBubbleBreathing},
		},
		SessionConfigs: map[string]model.SessionConfig{
			"GREEN":  {PromptIntensity: 1, AvatarTone: "warm", MaxTaskTime: 60, InactivityTimeout: 30},
			"YELLOW": {PromptIntensity: 2, AvatarTone: "encouraging", MaxTaskTime: 45, InactivityTimeout: 25},
			"ORANGE": {PromptIntensity: 3, AvatarTone: "calm", MaxTaskTime: 30, InactivityTimeout: 20},
			"RED":    {PromptIntensity: 0, AvatarTone: "calm", MaxTaskTime: 30, InactivityTimeout: 15},
		},
		Stacking:         StackingConfig{Enabled: false, TwoSignalBonus: 1, ThreeSignalBonus: 2},
		ErrorWindow:      60 * time.Second,
		ErrorHistorySize: 50,
		JudgmentalWords: []string{
			"wrong", "incorrect", "bad", "try harder", "lazy",
			"stupid", "silly", "careless", "should have", "not right",
		},
		PressureWords: []string{
			"hurry", "quickly", "come on", "you have to", "you must",
			"faster", "right now", "don't give up",
		},
	}
}

// Validate 校验安全表的完整性：每个等级都必须有干预与会话配置。
func (s SafetyConfig) Validate() error {
	var errs []error

	if s.Bounds.Min >= s.Bounds.Max {
		errs = append(errs, fmt.Errorf("safety.bounds: min (%v) must be below max (%v)", s.Bounds.Min, s.Bounds.Max))
	}
	t := s.Thresholds
	if t.YellowConsecutiveErrors <= 0 || t.OrangeConsecutiveErrors < t.YellowConsecutiveErrors {
		errs = append(errs, errors.New("safety.thresholds: consecutive error thresholds must satisfy 0 < yellow <= orange"))
	}
	if t.OrangeDysregulation > t.RedDysregulation {
		errs = append(errs, errors.New("safety.thresholds: orange_dysregulation must not exceed red_dysregulation"))
	}
	if s.Decay.Rate < 0 {
		errs = append(errs, errors.New("safety.decay.rate must not be negative"))
	}
	if s.Fatigue.MinutesDivisor <= 0 {
		errs = append(errs, errors.New("safety.fatigue.minutes_divisor must be positive"))
	}
	if s.ErrorWindow <= 0 {
		errs = append(errs, errors.New("safety.error_window must be positive"))
	}
	if s.ErrorHistorySize <= 0 {
		errs = append(errs, errors.New("safety.error_history_size must be positive"))
	}

	for key := range s.SignalDeltas {
		if !model.Signal(key).Valid() {
			errs = append(errs, fmt.Errorf("safety.signal_deltas: unknown signal %q", key))
		}
	}

	for _, key := range LevelKeys() {
		list, ok := s.Interventions[key]
		if !ok || len(list) == 0 {
			errs = append(errs, fmt.Errorf("safety.interventions: missing entry for %s", key))
		}
		for _, iv := range list {
			if !iv.Valid() {
				errs = append(errs, fmt.Errorf("safety.interventions[%s]: unknown intervention %q", key, iv))
			}
		}
		sc, ok := s.SessionConfigs[key]
		if !ok {
			errs = append(errs, fmt.Errorf("safety.session_configs: missing entry for %s", key))
			continue
		}
		if sc.PromptIntensity < 0 || sc.PromptIntensity >= len(model.PromptIntensityLabels) {
			errs = append(errs, fmt.Errorf("safety.session_configs[%s]: prompt_intensity %d out of range", key, sc.PromptIntensity))
		}
		if sc.AvatarTone == "" {
			errs = append(errs, fmt.Errorf("safety.session_configs[%s]: avatar_tone is required", key))
		}
	}

	return errors.Join(errs...)
}

// SignalEffectFor 返回信号的增量，未配置的信号没有任何效果。
func (s SafetyConfig) SignalEffectFor(sig model.Signal) SignalEffect {
	return s.SignalDeltas[string(sig)]
}

// InterventionsFor 返回等级对应的干预列表副本。
func (s SafetyConfig) InterventionsFor(level model.Level) []model.Intervention {
	list := s.Interventions[level.String()]
	out := make([]model.Intervention, len(list))
	copy(out, list)
	return out
}

// SessionConfigFor 返回等级对应的会话配置。
func (s SafetyConfig) SessionConfigFor(level model.Level) (model.SessionConfig, bool) {
	sc, ok := s.SessionConfigs[level.String()]
	return sc, ok
}
