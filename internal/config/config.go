package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

const (
	DefaultSystemPrompt = "You are a helpful course assistant. Be detailed and friendly."
	DefaultModel        = "deepseek/deepseek-r1-0528-qwen3-8b:free"
)

// credentialEnv names the environment variable holding each provider's API key
var credentialEnv = map[string]string{
	ProviderOpenRouter: "OPENROUTER_API_KEY",
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
}

// ConfigError reports a missing or invalid setting. It is fatal at startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Message)
}

// Config holds application configuration
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Events   EventsConfig   `mapstructure:"events"`
	Debug    bool           `mapstructure:"debug"`
}

// LLMConfig configures the completion service
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Referer      string        `mapstructure:"referer"`
	Title        string        `mapstructure:"title"`
}

// DatabaseConfig selects the conversation store
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 | pgx
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig configures the web UI
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging and telemetry output
type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// CacheConfig bounds the in-memory caches. A response cache size of 0 disables it.
type CacheConfig struct {
	HistoryHandles int `mapstructure:"history_handles"`
	UIContexts     int `mapstructure:"ui_contexts"`
	Responses      int `mapstructure:"responses"`
}

// EventsConfig configures turn event publication. An empty URL disables it.
type EventsConfig struct {
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Load reads configuration from an optional file, a .env file in the working
// directory and the environment. Environment variables use the COURSECHAT_
// prefix (COURSECHAT_LLM_MODEL, COURSECHAT_DATABASE_DSN, ...); provider API
// keys are also read from their conventional names.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coursechat")
		v.SetConfigName("coursechat")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("COURSECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		if env, ok := credentialEnv[cfg.LLM.Provider]; ok {
			cfg.LLM.APIKey = os.Getenv(env)
		}
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = defaultBaseURL(cfg.LLM.Provider)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", ProviderOpenRouter)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.referer", "http://localhost:8501")
	v.SetDefault("llm.title", "CourseChatBot")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "chat_history.db")

	v.SetDefault("server.addr", ":8501")

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")

	v.SetDefault("cache.history_handles", 128)
	v.SetDefault("cache.ui_contexts", 1024)
	v.SetDefault("cache.responses", 0)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "coursechat.turns")

	v.SetDefault("debug", false)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1"
	case ProviderOllama:
		return "http://localhost:11434"
	default:
		return ""
	}
}

// CredentialEnv returns the environment variable holding the provider's key,
// or "" when the provider needs none.
func CredentialEnv(provider string) string {
	return credentialEnv[provider]
}

// Validate checks the settings required before serving any request.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		return &ConfigError{Key: "llm.provider", Message: fmt.Sprintf("unknown provider %q (openrouter|openai|anthropic|ollama)", c.LLM.Provider)}
	}

	if env := CredentialEnv(c.LLM.Provider); env != "" && c.LLM.APIKey == "" {
		return &ConfigError{Key: "llm.api_key", Message: fmt.Sprintf("Set %s in .env or the environment", env)}
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return &ConfigError{Key: "database.driver", Message: fmt.Sprintf("unsupported driver %q (sqlite3|pgx)", c.Database.Driver)}
	}

	if c.LLM.Timeout <= 0 {
		return &ConfigError{Key: "llm.timeout", Message: "must be positive"}
	}
	return nil
}
