package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMProviderConfig holds configuration for the extraction model.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// GoogleAI-specific config.
	GeminiModel string `yaml:"gemini_model"`

	// Anthropic-specific config.
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAI-specific config.
	OpenAIModel string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// TelegramConfig configures the channel listener.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig groups the supported intake channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ParsingConfig tunes the extraction queue and worker pool.
type ParsingConfig struct {
	// Workers is the number of concurrent extraction workers.
	Workers int `yaml:"workers"`

	// TimeoutSeconds bounds a single extraction attempt.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// QueueCapacity is the maximum number of buffered parse tasks.
	QueueCapacity int `yaml:"queue_capacity"`

	// SubmitTimeoutMillis bounds how long a producer blocks when the
	// queue is full before the task is rejected.
	SubmitTimeoutMillis int `yaml:"submit_timeout_millis"`
}

// RetentionConfig controls periodic purging of old signals.
type RetentionConfig struct {
	// Hours is the signal retention window. 0 disables the sweeper.
	Hours int `yaml:"hours"`

	// Schedule is a 5-field cron expression for sweep runs.
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint string `yaml:"endpoint"` // OTLP endpoint, e.g. "localhost:4318"
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ActiveLimit caps concurrently active strategies.
	ActiveLimit int `yaml:"active_limit"`

	LLM       LLMProviderConfig         `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Parsing   ParsingConfig   `yaml:"parsing"`
	Retention RetentionConfig `yaml:"retention"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// PROMPT holds the extraction prompt override loaded from PROMPT.md.
	PROMPT string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective extraction model configuration.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "limit=%d|workers=%d|timeout=%d|queue=%d|submit=%d|retention=%d|sweep=%s|bind=%s|log=%s",
		c.ActiveLimit, c.Parsing.Workers, c.Parsing.TimeoutSeconds, c.Parsing.QueueCapacity,
		c.Parsing.SubmitTimeoutMillis, c.Retention.Hours, c.Retention.Schedule, c.BindAddr, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:    "127.0.0.1:18690",
		LogLevel:    "info",
		ActiveLimit: 5,
		Parsing: ParsingConfig{
			Workers:             2,
			TimeoutSeconds:      15,
			QueueCapacity:       256,
			SubmitTimeoutMillis: int((2 * time.Second).Milliseconds()),
		},
		Retention: RetentionConfig{
			Hours:    24,
			Schedule: "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SIGNALPIPE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".signalpipe")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create signalpipe home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18690"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ActiveLimit <= 0 {
		cfg.ActiveLimit = 5
	}
	if cfg.Parsing.Workers <= 0 {
		cfg.Parsing.Workers = 2
	}
	if cfg.Parsing.TimeoutSeconds <= 0 {
		cfg.Parsing.TimeoutSeconds = 15
	}
	if cfg.Parsing.QueueCapacity <= 0 {
		cfg.Parsing.QueueCapacity = 256
	}
	if cfg.Parsing.SubmitTimeoutMillis <= 0 {
		cfg.Parsing.SubmitTimeoutMillis = 2000
	}
	if cfg.Retention.Hours < 0 {
		cfg.Retention.Hours = 0
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "*/5 * * * *"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SIGNALPIPE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SIGNALPIPE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SIGNALPIPE_ACTIVE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ActiveLimit = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_PARSER_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Parsing.Workers = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_PARSER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Parsing.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_QUEUE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Parsing.QueueCapacity = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_SUBMIT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Parsing.SubmitTimeoutMillis = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_RETENTION_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.Hours = v
		}
	}
	if raw := os.Getenv("SIGNALPIPE_SWEEP_SCHEDULE"); raw != "" {
		cfg.Retention.Schedule = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	promptPath := filepath.Join(cfg.HomeDir, "PROMPT.md")
	if b, err := os.ReadFile(promptPath); err == nil {
		cfg.PROMPT = string(b)
	}
}
