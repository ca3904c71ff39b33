package orchestrator

import (
	"math"
	"time"

	"piper/server/internal/config"
	"piper/server/internal/model"
)

// StateReducer 是单个会话唯一的状态归约器。
// 约定：只消费已经解释好的信号，不再回头解析原始文本；所有增量都来自 SafetyConfig。
// 非并发安全，调用方必须按会话串行调用。
type StateReducer struct {
	cfg   config.SafetyConfig
	now   func() time.Time
	state model.State

	// errorLog 是有界的错误时间戳日志，用于计算 errorFrequency。
	errorLog []time.Time
}

// NewStateReducer 以配置中的初始值创建会话状态。
func NewStateReducer(cfg config.SafetyConfig, now func() time.Time) *StateReducer {
	if now == nil {
		now = time.Now
	}
	r := &StateReducer{cfg: cfg, now: now}
	r.state = model.State{
		EngagementLevel:       r.clamp(cfg.Initial.Engagement),
		DysregulationLevel:    r.clamp(cfg.Initial.Dysregulation),
		FatigueLevel:          r.clamp(cfg.Initial.Fatigue),
		LastActivityTimestamp: now(),
	}
	return r
}

// State 返回当前状态快照。
func (r *StateReducer) State() model.State {
	return r.state
}

// ProcessEvent 把事件与信号归约到下一个状态，每个事件只能调用一次。
// 返回值是快照，修改它不会影响归约器。
func (r *StateReducer) ProcessEvent(evt model.Event, signals []model.Signal) model.State {
	if !evt.Type.Valid() {
		return r.state
	}

	now := r.now()
	s := &r.state

	// 1. 时间推进
	r.advanceClock(now)

	// 2. 事件本身的效果
	switch evt.Type {
	case model.EventChildResponse:
		if correct, known := evt.Correctness(); known {
			if correct {
				s.ConsecutiveErrors = 0
				s.EngagementLevel = r.clamp(s.EngagementLevel + r.cfg.ResponseDeltas.CorrectEngagement)
				s.DysregulationLevel = r.clamp(s.DysregulationLevel + r.cfg.ResponseDeltas.CorrectDysregulation)
			} else {
				s.ConsecutiveErrors++
				r.recordError(now)
				s.EngagementLevel = r.clamp(s.EngagementLevel + r.cfg.ResponseDeltas.IncorrectEngagement)
			}
		}
	case model.EventChildInactive:
		s.EngagementLevel = r.clamp(s.EngagementLevel + r.cfg.ResponseDeltas.InactiveEngagement)
	}

	// 3. 信号增量（查表）
	signals = model.NormalizeSignals(signals)
	for _, sig := range signals {
		eff := r.cfg.SignalEffectFor(sig)
		s.EngagementLevel = r.clamp(s.EngagementLevel + eff.Engagement)
		s.DysregulationLevel = r.clamp(s.DysregulationLevel + eff.Dysregulation)
		s.FatigueLevel = r.clamp(s.FatigueLevel + eff.Fatigue)
	}
	s.DysregulationLevel = r.clamp(s.DysregulationLevel + r.stackingBonus(signals))

	// 4. 平静作答时的自然回落
	if evt.Type == model.EventChildResponse && model.CountDistress(signals) == 0 && s.DysregulationLevel > r.cfg.Decay.Floor {
		s.DysregulationLevel = math.Max(r.cfg.Decay.Floor, s.DysregulationLevel-r.cfg.Decay.Rate)
	}

	// 5. 疲劳由时长与失调程度重新计算，覆盖上面的信号增量
	minutes := s.TimeInSession / 60
	s.FatigueLevel = r.clamp(minutes/r.cfg.Fatigue.MinutesDivisor + s.DysregulationLevel*r.cfg.Fatigue.DysregulationWeight)

	// 6. 滚动窗口内的错误数
	s.ErrorFrequency = r.errorsWithin(now)

	return r.state
}

// ResetForBreak 记录一次休息：清零 timeSinceBreak，并按配置下调失调与疲劳。
func (r *StateReducer) ResetForBreak() model.State {
	now := r.now()
	s := &r.state

	r.advanceClock(now)
	s.TimeSinceBreak = 0
	s.DysregulationLevel = r.clamp(s.DysregulationLevel - r.cfg.BreakDeltas.Dysregulation)
	s.FatigueLevel = r.clamp(s.FatigueLevel - r.cfg.BreakDeltas.Fatigue)
	s.ErrorFrequency = r.errorsWithin(now)

	return r.state
}

func (r *StateReducer) advanceClock(now time.Time) {
	s := &r.state
	delta := now.Sub(s.LastActivityTimestamp).Seconds()
	// 时钟回拨时不倒退
	if delta < 0 {
		delta = 0
	}
	s.TimeInSession += delta
	s.TimeSinceBreak += delta
	if now.After(s.LastActivityTimestamp) {
		s.LastActivityTimestamp = now
	}
}

func (r *StateReducer) recordError(now time.Time) {
	r.errorLog = append(r.errorLog, now)
	if limit := r.cfg.ErrorHistorySize; limit > 0 && len(r.errorLog) > limit {
		r.errorLog = append(r.errorLog[:0], r.errorLog[len(r.errorLog)-limit:]...)
	}
}

func (r *StateReducer) errorsWithin(now time.Time) int {
	n := 0
	for _, ts := range r.errorLog {
		if now.Sub(ts) <= r.cfg.ErrorWindow {
			n++
		}
	}
	return n
}

// stackingBonus 多个情绪失调信号同时出现时的额外加成。
func (r *StateReducer) stackingBonus(signals []model.Signal) float64 {
	st := r.cfg.Stacking
	if !st.Enabled {
		return 0
	}
	switch n := model.CountDistress(signals); {
	case n >= 3:
		return st.ThreeSignalBonus
	case n == 2:
		return st.TwoSignalBonus
	}
	return 0
}

func (r *StateReducer) clamp(v float64) float64 {
	return math.Min(r.cfg.Bounds.Max, math.Max(r.cfg.Bounds.Min, v))
}
