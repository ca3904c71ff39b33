package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"piper/server/internal/model"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Signals SignalsConfig `yaml:"signals"`
	Safety  SafetyConfig  `yaml:"safety"`
	Session SessionConfig `yaml:"session"`
	Gateway GatewayConfig `yaml:"gateway"`
	Matcher MatcherConfig `yaml:"matcher"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 对话 AI 配置
type LLMConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Provider  string            `yaml:"provider"` // "openai", "anthropic" or "gemini"
	Timeout   time.Duration     `yaml:"timeout"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	Gemini    LLMProviderConfig `yaml:"gemini"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Active 返回当前 provider 的配置。
func (c LLMConfig) Active() LLMProviderConfig {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic
	case "gemini":
		return c.Gemini
	default:
		return c.OpenAI
	}
}

// SignalsConfig 信号解析配置
type SignalsConfig struct {
	// UseLLMClassifier 为 true 时，文本类信号由 AI 分类器给出，失败时回落到规则集。
	UseLLMClassifier    bool          `yaml:"use_llm_classifier"`
	ClassifierTimeout   time.Duration `yaml:"classifier_timeout"`
	BreakKeywords       []string      `yaml:"break_keywords"`
	QuitKeywords        []string      `yaml:"quit_keywords"`
	FrustrationKeywords []string      `yaml:"frustration_keywords"`
	DistressKeywords    []string      `yaml:"distress_keywords"`
}

type SessionConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	EventTimeout  time.Duration `yaml:"event_timeout"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MatcherConfig 答案语义匹配配置
type MatcherConfig struct {
	Enabled   bool          `yaml:"enabled"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig 时间线存储配置
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load 从文件加载配置，未出现的字段沿用 Default()。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadDefault 在没有配置文件时使用：默认值 + 环境变量覆盖。
func LoadDefault() (*Config, error) {
	cfg := Default()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides 从环境变量覆盖敏感信息与部署相关项
func (c *Config) applyEnvOverrides() {
	if provider := os.Getenv("PIPER_LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.Gemini.APIKey = key
	}
	// LLM_API_KEY 作用于当前 provider，优先级最高
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.Anthropic.APIKey = key
		case "gemini":
			c.LLM.Gemini.APIKey = key
		default:
			c.LLM.OpenAI.APIKey = key
		}
	}
	if driver := os.Getenv("PIPER_DB_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("PIPER_DB_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}
	if addr := os.Getenv("PIPER_PORT"); addr != "" {
		var port int
		if _, err := fmt.Sscanf(addr, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	if c.LLM.Enabled {
		switch c.LLM.Provider {
		case "openai", "anthropic", "gemini":
		default:
			errs = append(errs, fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider))
		}
		if c.LLM.Active().APIKey == "" {
			errs = append(errs, fmt.Errorf("LLM API key is required for provider %q (set LLM_API_KEY or config)", c.LLM.Provider))
		}
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}

	switch c.Storage.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver))
	}

	if c.Matcher.Enabled && c.Matcher.CacheSize <= 0 {
		errs = append(errs, errors.New("matcher.cache_size must be positive when matcher is enabled"))
	}
	if c.Session.QueueCapacity <= 0 {
		errs = append(errs, errors.New("session.queue_capacity must be positive"))
	}

	if err := c.Safety.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Default 返回一份可直接运行的默认配置（不启用外部 AI）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		LLM: LLMConfig{
			Enabled:  false,
			Provider: "openai",
			Timeout:  8 * time.Second,
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				MaxTokens:   200,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.7,
				MaxTokens:   200,
			},
			Gemini: LLMProviderConfig{
				Model:       "gemini-2.0-flash",
				Temperature: 0.7,
				MaxTokens:   200,
			},
		},
		Signals: SignalsConfig{
			UseLLMClassifier:    false,
			ClassifierTimeout:   3 * time.Second,
			BreakKeywords:       []string{"break", "stop", "tired"},
			QuitKeywords:        []string{"done", "quit", "no more"},
			FrustrationKeywords: []string{"frustrat", "mad", "angry"},
			DistressKeywords:    []string{"scream", "ahhh", "no no no"},
		},
		Safety: DefaultSafety(),
		Session: SessionConfig{
			QueueCapacity: 100,
			EventTimeout:  10 * time.Second,
		},
		Gateway: GatewayConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Matcher: MatcherConfig{
			Enabled:   true,
			CacheSize: 4096,
			Timeout:   3 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// LevelKeys 是配置表中使用的等级键，便于校验表的完整性。
func LevelKeys() []string {
	keys := make([]string, 0, len(model.AllLevels))
	for _, l := range model.AllLevels {
		keys = append(keys, l.String())
	}
	return keys
}
