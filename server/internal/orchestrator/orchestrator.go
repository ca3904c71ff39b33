package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"piper/server/internal/actor"
	"piper/server/internal/config"
	"piper/server/internal/director"
	"piper/server/internal/llm"
	"piper/server/internal/matcher"
	"piper/server/internal/model"
	"piper/server/internal/session"
	"piper/server/internal/signal"
	"piper/server/internal/timeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultLLMTimeout 是对话 AI 调用的默认上限。
const DefaultLLMTimeout = 8 * time.Second

// Orchestrator 负责把一次儿童事件编排成 UIPackage。
//
// 职责与契约：
// - append-first：事件先写 Timeline，再归约状态，保证可回放与幂等。
// - 同一 EventID 只归约一次：重发时返回已下发的结果，状态不变。
// - 同一会话串行：持有会话锁完成整条管线，不同会话完全并行。
// - 对话 AI 的任何失败（出错/超时/不合规）都在本地用兜底台词消化，不暴露给孩子。
// - 输出可审计：安全裁决与最终台词都写回 Timeline。
type Orchestrator struct {
	sessions    session.Store
	timeline    timeline.Store
	interpreter signal.Interpreter
	director    *director.Director
	actor       *actor.Engine
	llm         llm.Client
	matcher     *matcher.Matcher
	safety      config.SafetyConfig
	llmTimeout  time.Duration
	logger      *zap.Logger
	now         func() time.Time

	processed  atomic.Int64
	fallbacks  atomic.Int64
	aiFailures atomic.Int64
}

// Options 构造 Orchestrator 的依赖。LLM 与 Matcher 可以为 nil。
type Options struct {
	Sessions    session.Store
	Timeline    timeline.Store
	Interpreter signal.Interpreter
	Safety      config.SafetyConfig
	LLM         llm.Client
	Matcher     *matcher.Matcher
	LLMTimeout  time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// New 创建 Orchestrator，缺省依赖使用内存实现与默认规则集。
func New(opts Options) *Orchestrator {
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}
	if opts.Timeline == nil {
		opts.Timeline = timeline.NewInMemoryStore()
	}
	if opts.Interpreter == nil {
		opts.Interpreter = signal.NewRuleInterpreter(config.Default().Signals)
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = DefaultLLMTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		sessions:    opts.Sessions,
		timeline:    opts.Timeline,
		interpreter: opts.Interpreter,
		director:    director.NewDirector(opts.Safety),
		actor:       actor.NewEngine(opts.Safety),
		llm:         opts.LLM,
		matcher:     opts.Matcher,
		safety:      opts.Safety,
		llmTimeout:  opts.LLMTimeout,
		logger:      opts.Logger.Named("orchestrator"),
		now:         opts.Now,
	}
}

// Stats 运行计数，供健康检查使用。
type Stats struct {
	Processed  int64 `json:"processed"`
	Fallbacks  int64 `json:"fallbacks"`
	AIFailures int64 `json:"aiFailures"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:  o.processed.Load(),
		Fallbacks:  o.fallbacks.Load(),
		AIFailures: o.aiFailures.Load(),
	}
}

// CreateSession 以配置的初始值创建会话上下文。
func (o *Orchestrator) CreateSession(ctx context.Context) (*model.CreateSessionResponse, error) {
	id := uuid.NewString()
	reducer := NewStateReducer(o.safety, o.now)
	if err := o.sessions.Save(ctx, session.New(id, reducer, o.now())); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	state := reducer.State()
	level := o.director.AssessLevel(state, nil)
	o.logger.Info("session created", zap.String("session_id", id))

	return &model.CreateSessionResponse{
		SessionID:     id,
		State:         state,
		SessionConfig: o.director.AdaptSessionConfig(level),
	}, nil
}

// EndSession 丢弃会话上下文；timeline 保留用于复盘。
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	o.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// TakeBreak 记录一次休息并返回新的状态。
func (o *Orchestrator) TakeBreak(ctx context.Context, sessionID string) (model.State, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.State{}, err
	}
	sess.Lock()
	defer sess.Unlock()

	state := sess.Reducer.ResetForBreak()
	o.appendEntry(ctx, sessionID, &model.TimelineEntry{
		Type:     model.EntryBreakTaken,
		EventID:  uuid.NewString(),
		ServerTS: o.now(),
	})
	o.logger.Info("break taken", zap.String("session_id", sessionID),
		zap.Float64("dysregulation", state.DysregulationLevel))
	return state, nil
}

// State 返回会话当前的状态快照。
func (o *Orchestrator) State(ctx context.Context, sessionID string) (model.State, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.State{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	return sess.Reducer.State(), nil
}

// Timeline 返回会话的审计时间线。
func (o *Orchestrator) Timeline(ctx context.Context, sessionID string) ([]model.TimelineEntry, error) {
	return o.timeline.List(ctx, sessionID)
}

// ProcessEvent 对一个事件执行完整管线并返回 UIPackage。
// 只有会话不存在或 ctx 已取消时返回错误。
func (o *Orchestrator) ProcessEvent(ctx context.Context, sessionID string, evt model.Event, task model.TaskContext) (*model.UIPackage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()

	now := o.now()
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	} else if pkg, ok := sess.Reply(evt.EventID); ok {
		o.logger.Debug("duplicate event, replaying previous result",
			zap.String("session_id", sessionID), zap.String("event_id", evt.EventID))
		return pkg, nil
	}
	log := o.logger.With(zap.String("session_id", sessionID), zap.String("event_id", evt.EventID))

	// 未知类型整体忽略：不写时间线，不调用 AI，状态不变
	if !evt.Type.Valid() {
		log.Debug("ignoring unknown event type", zap.String("type", string(evt.Type)))
		return o.snapshotPackage(sess.Reducer.State()), nil
	}

	// 缺失 correct 时尝试语义匹配
	o.resolveCorrectness(ctx, log, &evt, task)

	// append-first；时间线里已有该事件说明是重发（进程重启或回放缓存已淘汰）
	if !o.appendEntry(ctx, sessionID, &model.TimelineEntry{
		Type:       model.EntryChildEvent,
		EventID:    evt.EventID,
		ChildEvent: &evt,
		ServerTS:   now,
	}) {
		log.Info("duplicate event, state unchanged")
		pkg := o.storedPackage(ctx, log, sessionID, evt.EventID, sess.Reducer.State())
		sess.Remember(evt.EventID, pkg)
		return pkg, nil
	}

	prev := sess.Reducer.State()

	// 1-3. 信号 -> 状态 -> 等级
	signals := o.interpreter.Interpret(ctx, evt)
	state := sess.Reducer.ProcessEvent(evt, signals)
	level, reasoning := o.director.Explain(state, signals)

	// 4. 干预与会话节奏互不依赖
	var (
		interventions []model.Intervention
		sessionConfig model.SessionConfig
		g             errgroup.Group
	)
	g.Go(func() error {
		interventions = o.director.SelectInterventions(level, state, signals)
		return nil
	})
	g.Go(func() error {
		sessionConfig = o.director.AdaptSessionConfig(level)
		return nil
	})
	_ = g.Wait()

	// 5-6. 组装 BackendResponse
	resp := model.BackendResponse{
		Level:           level,
		Signals:         signals,
		State:           state,
		Interventions:   interventions,
		SessionConfig:   sessionConfig,
		TaskContext:     task,
		ResponseContext: buildResponseContext(evt, task, prev),
		Constraints:     o.actor.BuildConstraints(level, state),
		Reasoning:       reasoning,
	}

	o.appendEntry(ctx, sessionID, &model.TimelineEntry{
		Type:    model.EntrySafetyDecision,
		EventID: evt.EventID,
		Decision: &model.DecisionRecord{
			Level:         level,
			Signals:       signals,
			Interventions: interventions,
			State:         state,
			Reasoning:     reasoning,
		},
		ServerTS: now,
	})

	// 7-8. 台词
	reply, record := o.speak(ctx, log, evt, resp)
	o.appendEntry(ctx, sessionID, &model.TimelineEntry{
		Type:     model.EntryAssistantSpeech,
		EventID:  evt.EventID,
		Speech:   &record,
		ServerTS: o.now(),
	})

	o.processed.Add(1)
	log.Info("event processed",
		zap.String("level", level.String()),
		zap.Any("signals", signals),
		zap.Bool("fallback", record.Fallback))

	// 9. UIPackage
	pkg := &model.UIPackage{
		Overlay: model.Overlay{
			Signals:     signals,
			State:       state,
			SafetyLevel: level,
		},
		Interventions: interventions,
		SessionConfig: sessionConfig,
		Speech:        model.Speech{Text: reply.Speech},
		ChoiceMessage: reply.ChoiceMessage,
	}
	sess.Remember(evt.EventID, pkg)
	return pkg, nil
}

// snapshotPackage 不经过管线，按当前状态给出等级与节奏，没有信号也没有台词。
func (o *Orchestrator) snapshotPackage(state model.State) *model.UIPackage {
	level := o.director.AssessLevel(state, nil)
	return &model.UIPackage{
		Overlay: model.Overlay{
			Signals:     []model.Signal{},
			State:       state,
			SafetyLevel: level,
		},
		Interventions: o.director.SelectInterventions(level, state, nil),
		SessionConfig: o.director.AdaptSessionConfig(level),
	}
}

// storedPackage 从时间线重建某个事件当时的裁决与台词；记录不全时退回当前状态快照。
func (o *Orchestrator) storedPackage(ctx context.Context, log *zap.Logger, sessionID, eventID string, current model.State) *model.UIPackage {
	entries, err := o.timeline.List(ctx, sessionID)
	if err != nil {
		log.Warn("timeline list failed, replying with current state", zap.Error(err))
		return o.snapshotPackage(current)
	}

	var (
		decision *model.DecisionRecord
		speech   *model.SpeechRecord
	)
	for i := range entries {
		if entries[i].EventID != eventID {
			continue
		}
		switch entries[i].Type {
		case model.EntrySafetyDecision:
			decision = entries[i].Decision
		case model.EntryAssistantSpeech:
			speech = entries[i].Speech
		}
	}
	if decision == nil {
		return o.snapshotPackage(current)
	}

	pkg := &model.UIPackage{
		Overlay: model.Overlay{
			Signals:     decision.Signals,
			State:       decision.State,
			SafetyLevel: decision.Level,
		},
		Interventions: decision.Interventions,
		SessionConfig: o.director.AdaptSessionConfig(decision.Level),
	}
	if speech != nil {
		pkg.Speech = model.Speech{Text: speech.Text}
		pkg.ChoiceMessage = speech.ChoiceMessage
	}
	return pkg
}

// speak 决定最终台词：不活跃走快速路径；否则调用对话 AI 并校验，失败一律兜底。
func (o *Orchestrator) speak(ctx context.Context, log *zap.Logger, evt model.Event, resp model.BackendResponse) (model.AIReply, model.SpeechRecord) {
	if evt.Type == model.EventChildInactive {
		reply := o.actor.InactivePrompt()
		return reply, model.SpeechRecord{Text: reply.Speech}
	}

	fallback := func(reason model.ValidationReason, cause error) (model.AIReply, model.SpeechRecord) {
		o.fallbacks.Add(1)
		reply := o.actor.BuildFallback(resp)
		rec := model.SpeechRecord{
			Text:             reply.Speech,
			ChoiceMessage:    reply.ChoiceMessage,
			Fallback:         true,
			ValidationReason: reason,
		}
		if cause != nil {
			rec.Error = cause.Error()
		}
		return reply, rec
	}

	if o.llm == nil {
		return fallback("", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()

	raw, err := o.llm.Complete(callCtx, []llm.Message{
		llm.System(o.actor.BuildSystemPrompt(resp)),
		llm.User(o.actor.BuildUserPrompt(resp)),
	}, actor.ReplySchema())
	if err != nil {
		o.aiFailures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("conversational AI timed out, using fallback", zap.Duration("timeout", o.llmTimeout))
		} else {
			log.Warn("conversational AI failed, using fallback", zap.Error(err))
		}
		return fallback("", err)
	}

	reply, err := actor.ParseReply(raw)
	if err != nil {
		o.aiFailures.Add(1)
		log.Warn("conversational AI returned unusable reply, using fallback", zap.Error(err))
		return fallback("", err)
	}

	result := o.actor.Validate(reply, resp.Constraints)
	if !result.Valid {
		log.Warn("AI reply failed validation, using fallback",
			zap.String("level", resp.Level.String()),
			zap.String("reason", string(result.Reason)))
		return fallback(result.Reason, nil)
	}

	return reply, model.SpeechRecord{Text: reply.Speech, ChoiceMessage: reply.ChoiceMessage}
}

// resolveCorrectness 在客户端未给出 correct 且有目标答案时，用匹配器判断。
// 匹配失败时保持未知。
func (o *Orchestrator) resolveCorrectness(ctx context.Context, log *zap.Logger, evt *model.Event, task model.TaskContext) {
	if o.matcher == nil || evt.Type != model.EventChildResponse || evt.Correct != nil {
		return
	}
	if matcher.Normalize(evt.Response) == "" || task.TargetAnswer == "" {
		return
	}
	eq, err := o.matcher.Equivalent(ctx, evt.Response, task.TargetAnswer)
	switch {
	case errors.Is(err, matcher.ErrNoJudge):
		return
	case err != nil:
		log.Warn("answer matching failed, correctness stays unknown", zap.Error(err))
		return
	}
	evt.Correct = model.Bool(eq)
}

// appendEntry 写时间线并返回是否为新条目。写入失败不阻断管线，按新条目处理。
func (o *Orchestrator) appendEntry(ctx context.Context, sessionID string, entry *model.TimelineEntry) bool {
	_, created, err := o.timeline.Append(ctx, sessionID, entry)
	if err != nil {
		o.logger.Warn("timeline append failed",
			zap.String("session_id", sessionID),
			zap.String("type", entry.Type),
			zap.Error(err))
		return true
	}
	return created
}

func buildResponseContext(evt model.Event, task model.TaskContext, prev model.State) model.ResponseContext {
	rc := model.ResponseContext{Target: task.TargetAnswer}
	switch evt.Type {
	case model.EventChildInactive:
		rc.WhatHappened = model.HappenedInactive
		return rc
	case model.EventChildResponse:
		rc.ChildSaid = evt.Response
		rc.AttemptNumber = prev.ConsecutiveErrors + 1
	}

	correct, known := evt.Correctness()
	switch {
	case known && correct:
		rc.WhatHappened = model.HappenedCorrect
	case known:
		rc.WhatHappened = model.HappenedIncorrect
	default:
		rc.WhatHappened = model.HappenedResponse
	}
	return rc
}
