package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"piper/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Safety.ErrorWindow)
	assert.Equal(t, 7.0, cfg.Safety.Thresholds.OrangeDysregulation)
	assert.Equal(t, 6.0, cfg.Safety.Thresholds.BreathingDysregulation)
	assert.False(t, cfg.Safety.Stacking.Enabled)
}

// 每个等级都必须能查到干预与会话配置
func TestDefaultSafetyTablesAreTotal(t *testing.T) {
	safety := DefaultSafety()
	for _, level := range model.AllLevels {
		assert.NotEmpty(t, safety.InterventionsFor(level), level.String())
		_, ok := safety.SessionConfigFor(level)
		assert.True(t, ok, level.String())
	}
}

func TestInterventionsForReturnsCopy(t *testing.T) {
	safety := DefaultSafety()
	list := safety.InterventionsFor(model.LevelYellow)
	list[0] = model.InterventionCallGrownup

	assert.Equal(t, model.InterventionSkipCard, safety.InterventionsFor(model.LevelYellow)[0])
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piper.yaml")
	yml := `
server:
  port: 9090
safety:
  thresholds:
    yellow_consecutive_errors: 3
    yellow_low_engagement: 3
    orange_consecutive_errors: 5
    orange_dysregulation: 6
    red_dysregulation: 9
    breathing_dysregulation: 6
  signal_deltas:
    SCREAMING:
      dysregulation: 5
storage:
  driver: sqlite
  dsn: file:piper.db
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 6.0, cfg.Safety.Thresholds.OrangeDysregulation)
	assert.Equal(t, 5.0, cfg.Safety.SignalEffectFor(model.SignalScreaming).Dysregulation)
	// 未出现在文件里的信号沿用默认值
	assert.Equal(t, 3.0, cfg.Safety.SignalEffectFor(model.SignalCrying).Dysregulation)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	// 其它段保持默认
	assert.Equal(t, 100, cfg.Session.QueueCapacity)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  enabled: true\n  provider: openai\n"), 0o644))

	t.Setenv("PIPER_LLM_PROVIDER", "gemini")
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("PIPER_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "test-key", cfg.LLM.Gemini.APIKey)
	assert.Equal(t, "test-key", cfg.LLM.Active().APIKey)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadDefaultUsesEnv(t *testing.T) {
	t.Setenv("PIPER_DB_DRIVER", "sqlite")
	t.Setenv("PIPER_DB_DSN", "file:piper.db")

	cfg, err := LoadDefault()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "file:piper.db", cfg.Storage.DSN)

	t.Setenv("PIPER_DB_DRIVER", "mongo")
	_, err = LoadDefault()
	assert.Error(t, err)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"enabled llm without key", func(c *Config) {
			c.LLM.Enabled = true
			c.LLM.OpenAI.APIKey = ""
		}},
		{"unknown provider", func(c *Config) {
			c.LLM.Enabled = true
			c.LLM.Provider = "llama"
		}},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"missing intervention table", func(c *Config) { delete(c.Safety.Interventions, "RED") }},
		{"missing session config", func(c *Config) { delete(c.Safety.SessionConfigs, "ORANGE") }},
		{"unknown signal key", func(c *Config) { c.Safety.SignalDeltas["YAWNING"] = SignalEffect{} }},
		{"unknown intervention", func(c *Config) {
			c.Safety.Interventions["GREEN"] = []model.Intervention{"DANCE"}
		}},
		{"inverted bounds", func(c *Config) { c.Safety.Bounds = BoundsConfig{Min: 10, Max: 0} }},
		{"orange above red", func(c *Config) { c.Safety.Thresholds.OrangeDysregulation = 9.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
