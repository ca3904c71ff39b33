package main

import (
	"context"
	"fmt"
	"io"

	"piper/server/internal/config"
	"piper/server/internal/llm"
	"piper/server/internal/logging"
	"piper/server/internal/matcher"
	"piper/server/internal/orchestrator"
	"piper/server/internal/session"
	"piper/server/internal/signal"
	"piper/server/internal/timeline"

	"go.uber.org/zap"
)

// app 持有一次进程运行所需的全部组件。
type app struct {
	orch    *orchestrator.Orchestrator
	closers []io.Closer
	logger  *zap.Logger
}

// newApp 按配置装配管线：timeline 存储、可选的 AI 客户端、信号解释器与答案匹配器。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	logger = logging.OrNop(logger)
	a := &app{logger: logger}

	tl, err := timeline.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	if c, ok := tl.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	var client llm.Client
	if cfg.LLM.Enabled {
		client, err = llm.NewClient(ctx, cfg.LLM)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create llm client: %w", err)
		}
	}

	rules := signal.NewRuleInterpreter(cfg.Signals)
	var interpreter signal.Interpreter = rules
	if cfg.Signals.UseLLMClassifier && client != nil {
		interpreter = signal.NewClassifierInterpreter(rules, client, cfg.Signals.ClassifierTimeout, logger)
	}

	var m *matcher.Matcher
	if cfg.Matcher.Enabled {
		m, err = matcher.New(client, cfg.Matcher.CacheSize, cfg.Matcher.Timeout, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.orch = orchestrator.New(orchestrator.Options{
		Sessions:    session.NewInMemoryStore(),
		Timeline:    tl,
		Interpreter: interpreter,
		Safety:      cfg.Safety,
		LLM:         client,
		Matcher:     m,
		LLMTimeout:  cfg.LLM.Timeout,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close resource", zap.Error(err))
		}
	}
}
