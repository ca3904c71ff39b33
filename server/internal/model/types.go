package model

import (
	"fmt"
	"strings"
	"time"
)

// Signal 表示单次事件中检测到的行为/语言/声学线索。
type Signal string

const (
	SignalScreaming          Signal = "SCREAMING"
	SignalCrying             Signal = "CRYING"
	SignalDistress           Signal = "DISTRESS"
	SignalFrustration        Signal = "FRUSTRATION"
	SignalWantsBreak         Signal = "WANTS_BREAK"
	SignalWantsQuit          Signal = "WANTS_QUIT"
	SignalRepetitiveResponse Signal = "REPETITIVE_RESPONSE"
	SignalProlongedSilence   Signal = "PROLONGED_SILENCE"
)

// AllSignals 列出全部已知信号，新增信号必须同步到这里和 Valid/IsDistress。
var AllSignals = []Signal{
	SignalScreaming,
	SignalCrying,
	SignalDistress,
	SignalFrustration,
	SignalWantsBreak,
	SignalWantsQuit,
	SignalRepetitiveResponse,
	SignalProlongedSilence,
}

// Valid 判断是否为已知信号。
func (s Signal) Valid() bool {
	switch s {
	case SignalScreaming, SignalCrying, SignalDistress, SignalFrustration,
		SignalWantsBreak, SignalWantsQuit, SignalRepetitiveResponse, SignalProlongedSilence:
		return true
	}
	return false
}

// IsDistress 判断信号是否属于“情绪失调类”，这类信号会阻止基线衰减。
func (s Signal) IsDistress() bool {
	switch s {
	case SignalScreaming, SignalCrying, SignalDistress, SignalFrustration:
		return true
	case SignalWantsBreak, SignalWantsQuit, SignalRepetitiveResponse, SignalProlongedSilence:
		return false
	}
	return false
}

// ParseSignal 宽松解析信号标签（大小写、空白不敏感），未知标签返回 false。
func ParseSignal(raw string) (Signal, bool) {
	s := Signal(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// NormalizeSignals 去掉未知标签与重复项，保持首次出现的顺序。
func NormalizeSignals(signals []Signal) []Signal {
	out := make([]Signal, 0, len(signals))
	seen := make(map[Signal]bool, len(signals))
	for _, s := range signals {
		if !s.Valid() || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// HasSignal 判断集合中是否包含某个信号。
func HasSignal(signals []Signal, target Signal) bool {
	for _, s := range signals {
		if s == target {
			return true
		}
	}
	return false
}

// CountDistress 统计情绪失调类信号数量（去重后）。
func CountDistress(signals []Signal) int {
	n := 0
	for _, s := range NormalizeSignals(signals) {
		if s.IsDistress() {
			n++
		}
	}
	return n
}

// Level 是安全阶梯等级：GREEN < YELLOW < ORANGE < RED。
// 等级不落盘，每个事件都从当前状态重新计算。
type Level int

const (
	LevelGreen Level = iota
	LevelYellow
	LevelOrange
	LevelRed
)

// AllLevels 按严重程度升序列出全部等级。
var AllLevels = []Level{LevelGreen, LevelYellow, LevelOrange, LevelRed}

func (l Level) String() string {
	switch l {
	case LevelGreen:
		return "GREEN"
	case LevelYellow:
		return "YELLOW"
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Valid 判断等级是否在阶梯内。
func (l Level) Valid() bool {
	return l >= LevelGreen && l <= LevelRed
}

// ParseLevel 解析等级名称（大小写不敏感）。
func ParseLevel(raw string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GREEN":
		return LevelGreen, nil
	case "YELLOW":
		return LevelYellow, nil
	case "ORANGE":
		return LevelOrange, nil
	case "RED":
		return LevelRed, nil
	}
	return LevelGreen, fmt.Errorf("unknown level %q", raw)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaxLevel 返回更严重的等级。
func MaxLevel(a, b Level) Level {
	if b > a {
		return b
	}
	return a
}

// Intervention 表示一个纠正动作；列表顺序即优先级，第一个为推荐默认动作。
type Intervention string

const (
	InterventionRetryCard       Intervention = "RETRY_CARD"
	InterventionSkipCard        Intervention = "SKIP_CARD"
	InterventionBubbleBreathing Intervention = "BUBBLE_BREATHING"
	InterventionCallGrownup     Intervention = "CALL_GROWNUP"
)

// Valid 判断是否为已知干预。
func (i Intervention) Valid() bool {
	switch i {
	case InterventionRetryCard, InterventionSkipCard, InterventionBubbleBreathing, InterventionCallGrownup:
		return true
	}
	return false
}

// ParseIntervention 解析干预标签，未知标签返回 false。
func ParseIntervention(raw string) (Intervention, bool) {
	i := Intervention(strings.ToUpper(strings.TrimSpace(raw)))
	return i, i.Valid()
}

// EventType 事件类型。
type EventType string

const (
	EventChildResponse EventType = "CHILD_RESPONSE"
	EventChildInactive EventType = "CHILD_INACTIVE"
)

// Valid 判断是否为已知事件类型。
func (t EventType) Valid() bool {
	switch t {
	case EventChildResponse, EventChildInactive:
		return true
	}
	return false
}

// AudioFlags 来自音频侧的可选标记（振幅分析等）。
type AudioFlags struct {
	Screaming        bool `json:"screaming"`
	Crying           bool `json:"crying"`
	ProlongedSilence bool `json:"prolongedSilence"`
}

// Event 是活动客户端每个交互节拍上报的不可变事件。
type Event struct {
	// EventID 用于时间线去重，客户端可不传。
	EventID string    `json:"eventId,omitempty"`
	Type    EventType `json:"type"`

	// 以下字段仅对 CHILD_RESPONSE 有意义。
	Response                 string      `json:"response,omitempty"`
	Correct                  *bool       `json:"correct,omitempty"`
	PreviousResponse         string      `json:"previousResponse,omitempty"`
	PreviousPreviousResponse string      `json:"previousPreviousResponse,omitempty"`
	Signals                  *AudioFlags `json:"signals,omitempty"`
}

// Correctness 返回作答是否正确以及该信息是否已知。缺失时不做任何正确性假设。
func (e Event) Correctness() (correct bool, known bool) {
	if e.Correct == nil {
		return false, false
	}
	return *e.Correct, true
}

// Audio 返回音频标记，缺失时为全 false。
func (e Event) Audio() AudioFlags {
	if e.Signals == nil {
		return AudioFlags{}
	}
	return *e.Signals
}

// Bool 返回指向 v 的指针，便于构造 Event.Correct。
func Bool(v bool) *bool {
	return &v
}

// State 是单个会话的儿童状态快照，只能由状态归约器修改。
type State struct {
	EngagementLevel    float64 `json:"engagementLevel"`
	DysregulationLevel float64 `json:"dysregulationLevel"`
	FatigueLevel       float64 `json:"fatigueLevel"`

	// ErrorFrequency 为滚动窗口内的错误次数。
	ErrorFrequency    int `json:"errorFrequency"`
	ConsecutiveErrors int `json:"consecutiveErrors"`

	// 单位：秒，单调不减（休息只重置 TimeSinceBreak）。
	TimeInSession  float64 `json:"timeInSession"`
	TimeSinceBreak float64 `json:"timeSinceBreak"`

	LastActivityTimestamp time.Time `json:"lastActivityTimestamp"`
}

// PromptIntensityLabels 是 promptIntensity 0-3 对应的标签。
var PromptIntensityLabels = [4]string{"Minimal", "Low", "Medium", "High"}

// SessionConfig 是给活动 UI 的节奏/语气参数，是 Level 的纯函数。
type SessionConfig struct {
	PromptIntensity   int    `json:"promptIntensity" yaml:"prompt_intensity"`
	AvatarTone        string `json:"avatarTone" yaml:"avatar_tone"`
	MaxTaskTime       int    `json:"maxTaskTime" yaml:"max_task_time"`
	InactivityTimeout int    `json:"inactivityTimeout" yaml:"inactivity_timeout"`
}

// PromptIntensityLabel 返回 promptIntensity 对应的标签，越界时夹到边界。
func (c SessionConfig) PromptIntensityLabel() string {
	i := c.PromptIntensity
	if i < 0 {
		i = 0
	}
	if i >= len(PromptIntensityLabels) {
		i = len(PromptIntensityLabels) - 1
	}
	return PromptIntensityLabels[i]
}

// LLMConstraints 约束外部对话 AI 可以说什么。语气不在这里，语气只属于 SessionConfig。
type LLMConstraints struct {
	MustBeBrief          bool     `json:"must_be_brief"`
	MustNotJudge         bool     `json:"must_not_judge"`
	MustNotPressure      bool     `json:"must_not_pressure"`
	MustOfferChoices     bool     `json:"must_offer_choices"`
	MustValidateFeelings bool     `json:"must_validate_feelings"`
	MaxSentences         int      `json:"max_sentences"`
	ForbiddenWords       []string `json:"forbidden_words"`
	RequiredApproach     string   `json:"required_approach"`
}

// TaskContext 由活动/游戏层提供，对管线只读。
type TaskContext struct {
	CardType     string   `json:"cardType"`
	Category     string   `json:"category"`
	Question     string   `json:"question"`
	TargetAnswer string   `json:"targetAnswer"`
	ImageLabels  []string `json:"imageLabels"`
}

// WhatHappened 的取值。
const (
	HappenedCorrect   = "correct_answer"
	HappenedIncorrect = "incorrect_answer"
	HappenedResponse  = "response"
	HappenedInactive  = "inactive"
)

// ResponseContext 描述本轮发生了什么，用于提示词与兜底台词。
type ResponseContext struct {
	WhatHappened  string `json:"whatHappened"`
	ChildSaid     string `json:"childSaid"`
	Target        string `json:"target"`
	AttemptNumber int    `json:"attemptNumber"`
}

// BackendResponse 是每个事件新建的聚合结果，构造后不再修改。
type BackendResponse struct {
	Level           Level           `json:"level"`
	Signals         []Signal        `json:"signals"`
	State           State           `json:"state"`
	Interventions   []Intervention  `json:"interventions"`
	SessionConfig   SessionConfig   `json:"sessionConfig"`
	TaskContext     TaskContext     `json:"taskContext"`
	ResponseContext ResponseContext `json:"responseContext"`
	Constraints     LLMConstraints  `json:"llmConstraints"`
	// Reasoning 只用于可观测性。
	Reasoning []string `json:"reasoning"`
}

// ValidationReason 是校验失败原因的固定集合。
type ValidationReason string

const (
	ReasonJudgmentalLanguage ValidationReason = "CONTAINS_JUDGMENTAL_LANGUAGE"
	ReasonPressureLanguage   ValidationReason = "CONTAINS_PRESSURE_LANGUAGE"
	ReasonTooLong            ValidationReason = "TOO_LONG"
	ReasonMissingChoices     ValidationReason = "MISSING_CHOICES"
)

// ValidationResult 是候选回复的校验结果；Reason 为空表示 null。
type ValidationResult struct {
	Valid  bool             `json:"valid"`
	Reason ValidationReason `json:"reason,omitempty"`
	Checks map[string]bool  `json:"checks"`
}

// AIReply 是对话 AI 需要返回的 JSON 结构，也是兜底台词的结构。
type AIReply struct {
	Speech        string `json:"speech"`
	ChoiceMessage string `json:"choiceMessage,omitempty"`
}

// Overlay 是给治疗师/调试面板看的状态叠层。
type Overlay struct {
	Signals     []Signal `json:"signals"`
	State       State    `json:"state"`
	SafetyLevel Level    `json:"safetyLevel"`
}

// Speech 是最终播报给孩子的台词。
type Speech struct {
	Text string `json:"text"`
}

// UIPackage 是每个事件下发给客户端的结果包。
type UIPackage struct {
	Overlay       Overlay        `json:"overlay"`
	Interventions []Intervention `json:"interventions"`
	SessionConfig SessionConfig  `json:"sessionConfig"`
	Speech        Speech         `json:"speech"`
	ChoiceMessage string         `json:"choiceMessage"`
}

// CreateSessionResponse 是创建会话的响应结构体。
type CreateSessionResponse struct {
	SessionID     string        `json:"sessionId"`
	State         State         `json:"state"`
	SessionConfig SessionConfig `json:"sessionConfig"`
}
