package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"piper/server/internal/actor"
	"piper/server/internal/api"
	"piper/server/internal/config"
	"piper/server/internal/domain"
	"piper/server/internal/logging"
	"piper/server/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string

	simulateScript string
	simulateJSON   bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "piper",
		Short:         "Safety gate for child speech practice sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// 本地开发时从 .env 读取密钥，文件不存在不算错误
			_ = godotenv.Load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults + env when empty)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newCheckConfigCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, err
	}
	// 兜底台词不能撞上运营方配置的禁用词
	if err := actor.NewEngine(cfg.Safety).CheckFallbacks(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg, a.orch, logger)
	httpServer := server.HTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("piper server listening", zap.String("addr", httpServer.Addr),
			zap.Bool("llm", cfg.LLM.Enabled), zap.String("storage", cfg.Storage.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted session through the safety gate and print each decision",
		RunE:  runSimulate,
	}
	cmd.Flags().StringVar(&simulateScript, "script", "server/configs/sample_script.json", "JSON or YAML script of events")
	cmd.Flags().BoolVar(&simulateJSON, "json", false, "print each UI package as a JSON line")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// 日志走 stderr，stdout 只留结果
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	steps, err := domain.LoadScript(simulateScript)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return simulate(cmd.Context(), a, steps, cmd.OutOrStdout(), simulateJSON)
}

func simulate(ctx context.Context, a *app, steps []domain.ScriptStep, out io.Writer, asJSON bool) error {
	created, err := a.orch.CreateSession(ctx)
	if err != nil {
		return err
	}
	id := created.SessionID
	enc := json.NewEncoder(out)

	for i, step := range steps {
		if step.Break {
			state, err := a.orch.TakeBreak(ctx, id)
			if err != nil {
				return err
			}
			if asJSON {
				if err := enc.Encode(map[string]any{"step": i + 1, "break": true, "state": state}); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "#%d BREAK dysregulation=%.1f fatigue=%.1f\n", i+1, state.DysregulationLevel, state.FatigueLevel)
			continue
		}

		pkg, err := a.orch.ProcessEvent(ctx, id, step.Event, step.Task)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if asJSON {
			if err := enc.Encode(map[string]any{"step": i + 1, "package": pkg}); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, describeStep(i+1, step, pkg))
	}
	return nil
}

func describeStep(n int, step domain.ScriptStep, pkg *model.UIPackage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", n, step.Event.Type)
	if step.Event.Response != "" {
		fmt.Fprintf(&sb, " %q", step.Event.Response)
	}
	if step.Note != "" {
		fmt.Fprintf(&sb, " (%s)", step.Note)
	}

	ivs := make([]string, len(pkg.Interventions))
	for i, iv := range pkg.Interventions {
		ivs[i] = string(iv)
	}
	s := pkg.Overlay.State
	fmt.Fprintf(&sb, " -> %s [%s] E=%.1f D=%.1f F=%.1f errors=%d | %s",
		pkg.Overlay.SafetyLevel, strings.Join(ivs, ","),
		s.EngagementLevel, s.DysregulationLevel, s.FatigueLevel, s.ConsecutiveErrors,
		pkg.Speech.Text)
	if pkg.ChoiceMessage != "" {
		fmt.Fprintf(&sb, " / %s", pkg.ChoiceMessage)
	}
	return sb.String()
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  listen:   %s\n", cfg.Server.Addr())
			fmt.Fprintf(out, "  llm:      enabled=%t provider=%s\n", cfg.LLM.Enabled, cfg.LLM.Provider)
			fmt.Fprintf(out, "  storage:  %s\n", cfg.Storage.Driver)
			t := cfg.Safety.Thresholds
			fmt.Fprintf(out, "  levels:   yellow errors>=%d, orange errors>=%d or dysregulation>=%.1f, red dysregulation>=%.1f\n",
				t.YellowConsecutiveErrors, t.OrangeConsecutiveErrors, t.OrangeDysregulation, t.RedDysregulation)
			return nil
		},
	}
}
