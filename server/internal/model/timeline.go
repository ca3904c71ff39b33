package model

import "time"

// 时间线条目类型。
const (
	EntryChildEvent      = "child_event"
	EntrySafetyDecision  = "safety_decision"
	EntryAssistantSpeech = "assistant_speech"
	EntryBreakTaken      = "break_taken"
)

// TimelineEntry 表示会话时间线中的一个事实记录。
type TimelineEntry struct {
	// Seq 由存储分配的单调序号，用于回放与幂等。
	Seq       int64  `json:"seq,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`

	ChildEvent *Event          `json:"child_event,omitempty"`
	Decision   *DecisionRecord `json:"decision,omitempty"`
	Speech     *SpeechRecord   `json:"speech,omitempty"`

	ServerTS time.Time `json:"server_ts"`
}

// DecisionRecord 记录一次安全闸门裁决，便于验收与复盘。
type DecisionRecord struct {
	Level         Level          `json:"level"`
	Signals       []Signal       `json:"signals"`
	Interventions []Intervention `json:"interventions"`
	State         State          `json:"state"`
	Reasoning     []string       `json:"reasoning"`
}

// SpeechRecord 记录最终下发的台词及其来源。
type SpeechRecord struct {
	Text             string           `json:"text"`
	ChoiceMessage    string           `json:"choice_message,omitempty"`
	Fallback         bool             `json:"fallback"`
	ValidationReason ValidationReason `json:"validation_reason,omitempty"`
	Error            string           `json:"error,omitempty"`
}
