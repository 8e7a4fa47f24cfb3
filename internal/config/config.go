// Package config loads the runtime configuration from an optional YAML file,
// environment variables and .env files, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	History      HistoryConfig      `yaml:"history"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tools        ToolsConfig        `yaml:"tools"`
	Cache        CacheConfig        `yaml:"cache"`
	Server       ServerConfig       `yaml:"server"`

	// PromptsFile overrides the embedded prompt templates.
	PromptsFile string `yaml:"prompts_file"`
	Debug       bool   `yaml:"debug"`
	LogFormat   string `yaml:"log_format" validate:"omitempty,oneof=terminal text json"`
}

// GatewayConfig selects the model backend.
type GatewayConfig struct {
	HostType       string        `yaml:"host_type" validate:"required,oneof=ollama vllm openai genkit"`
	BaseURL        string        `yaml:"base_url" validate:"omitempty,url"`
	Model          string        `yaml:"model" validate:"required"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxTokens      int           `yaml:"max_tokens" validate:"gt=0"`
	Temperature    float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `yaml:"rate_limit_burst" validate:"gte=0"`
}

// HistoryConfig selects the conversation store.
type HistoryConfig struct {
	Backend       string        `yaml:"backend" validate:"required,oneof=memory sqlite redis"`
	SQLitePath    string        `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
}

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	MaxWorkers   int           `yaml:"max_workers" validate:"gt=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
	CallTimeout  time.Duration `yaml:"call_timeout" validate:"gt=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gt=0,gtefield=CallTimeout"`
}

// OrchestratorConfig tunes the turn pipeline.
type OrchestratorConfig struct {
	TurnTimeout       time.Duration `yaml:"turn_timeout" validate:"gte=0"`
	MaxHistoryItems   int           `yaml:"max_history_items" validate:"gt=0"`
	RewriteWindow     int           `yaml:"rewrite_window" validate:"gt=0"`
	EnableMetaRouting bool          `yaml:"enable_meta_routing"`
	MetaLLMCheck      bool          `yaml:"meta_llm_check"`
}

// ToolsConfig enables the optional built-in tools.
type ToolsConfig struct {
	CWAAPIKey  string `yaml:"cwa_api_key"`
	CWABaseURL string `yaml:"cwa_base_url" validate:"omitempty,url"`
	EnableHTTP bool   `yaml:"enable_http"`
	SQLiteDB   string `yaml:"sqlite_db"`
	Timezone   string `yaml:"timezone" validate:"omitempty,timezone"`

	// EnableWiki exposes wiki_search and wiki_summary.
	EnableWiki  bool   `yaml:"enable_wiki"`
	WikiBaseURL string `yaml:"wiki_base_url" validate:"omitempty,url"`
}

// CacheConfig enables the rewrite and plan caches.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Backend string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// AsyncRetention is how long finished async turns are kept.
	AsyncRetention time.Duration `yaml:"async_retention" validate:"gt=0"`
	// CleanupSchedule is a cron spec for purging finished async turns.
	CleanupSchedule string `yaml:"cleanup_schedule" validate:"required"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			HostType:    "ollama",
			Model:       "llama3.1",
			Timeout:     30 * time.Second,
			MaxTokens:   1000,
			Temperature: 0.5,
		},
		History: HistoryConfig{
			Backend:    "memory",
			SQLitePath: "breezeflow.db",
		},
		Executor: ExecutorConfig{
			MaxWorkers:   5,
			RetryDelay:   500 * time.Millisecond,
			CallTimeout:  30 * time.Second,
			BatchTimeout: 60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxHistoryItems: breezeflow.DefaultMaxHistoryItems,
			RewriteWindow:   6,
		},
		Tools: ToolsConfig{
			Timezone: "Asia/Taipei",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     10 * time.Minute,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			AsyncRetention:  time.Hour,
			CleanupSchedule: "@every 5m",
		},
		LogFormat: "terminal",
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, breezeflow.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, breezeflow.NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return breezeflow.NewConfigurationError(fmt.Sprintf("failed to load env file %s", f), err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return breezeflow.NewConfigurationError("invalid configuration: "+strings.Join(msgs, "; "), err)
		}
		return breezeflow.NewConfigurationError("invalid configuration", err)
	}
	if c.Gateway.HostType == "openai" && c.Gateway.APIKey == "" {
		return breezeflow.NewConfigurationError("invalid configuration: API_KEY is required for the openai host type", nil)
	}
	return nil
}

// CompletionOptions returns the gateway call options.
func (c Config) CompletionOptions() breezeflow.CompletionOptions {
	return breezeflow.CompletionOptions{
		Timeout:         c.Gateway.Timeout,
		MaxOutputTokens: c.Gateway.MaxTokens,
		Temperature:     c.Gateway.Temperature,
	}
}
