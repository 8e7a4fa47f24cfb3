package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
)

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

type binding struct {
	keys  []string
	apply func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

// duration accepts Go durations ("45s") or plain seconds ("300").
func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*dst(cfg) = time.Duration(secs * float64(time.Second))
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

// bindings lists every recognised variable. Earlier keys in a binding win.
var bindings = []binding{
	{[]string{"HOST_TYPE"}, str(func(c *Config) *string { return &c.Gateway.HostType })},
	{[]string{"BASE_URL", "OPENAI_API_BASE_URL"}, str(func(c *Config) *string { return &c.Gateway.BaseURL })},
	{[]string{"MODEL", "MODEL_NAME"}, str(func(c *Config) *string { return &c.Gateway.Model })},
	{[]string{"API_KEY", "LLM_API_KEY"}, str(func(c *Config) *string { return &c.Gateway.APIKey })},
	{[]string{"TIMEOUT"}, duration(func(c *Config) *time.Duration { return &c.Gateway.Timeout })},
	{[]string{"MAX_TOKENS"}, integer(func(c *Config) *int { return &c.Gateway.MaxTokens })},
	{[]string{"TEMPERATURE"}, float(func(c *Config) *float64 { return &c.Gateway.Temperature })},
	{[]string{"RATE_LIMIT_RPS"}, float(func(c *Config) *float64 { return &c.Gateway.RateLimitRPS })},
	{[]string{"RATE_LIMIT_BURST"}, integer(func(c *Config) *int { return &c.Gateway.RateLimitBurst })},

	{[]string{"HISTORY_BACKEND"}, str(func(c *Config) *string { return &c.History.Backend })},
	{[]string{"SQLITE_PATH"}, str(func(c *Config) *string { return &c.History.SQLitePath })},
	{[]string{"REDIS_ADDR"}, str(func(c *Config) *string { return &c.History.RedisAddr })},
	{[]string{"REDIS_PASSWORD"}, str(func(c *Config) *string { return &c.History.RedisPassword })},
	{[]string{"REDIS_DB"}, integer(func(c *Config) *int { return &c.History.RedisDB })},
	{[]string{"HISTORY_TTL"}, duration(func(c *Config) *time.Duration { return &c.History.TTL })},

	{[]string{"EXECUTOR_MAX_WORKERS"}, integer(func(c *Config) *int { return &c.Executor.MaxWorkers })},
	{[]string{"EXECUTOR_MAX_RETRIES"}, integer(func(c *Config) *int { return &c.Executor.MaxRetries })},
	{[]string{"TOOL_TIMEOUT"}, duration(func(c *Config) *time.Duration { return &c.Executor.CallTimeout })},
	{[]string{"BATCH_TIMEOUT"}, duration(func(c *Config) *time.Duration { return &c.Executor.BatchTimeout })},

	{[]string{"TURN_TIMEOUT"}, duration(func(c *Config) *time.Duration { return &c.Orchestrator.TurnTimeout })},
	{[]string{"MAX_HISTORY_ITEMS"}, integer(func(c *Config) *int { return &c.Orchestrator.MaxHistoryItems })},
	{[]string{"REWRITE_WINDOW"}, integer(func(c *Config) *int { return &c.Orchestrator.RewriteWindow })},
	{[]string{"META_ROUTING"}, boolean(func(c *Config) *bool { return &c.Orchestrator.EnableMetaRouting })},
	{[]string{"META_LLM_CHECK"}, boolean(func(c *Config) *bool { return &c.Orchestrator.MetaLLMCheck })},

	{[]string{"CWA_API_KEY"}, str(func(c *Config) *string { return &c.Tools.CWAAPIKey })},
	{[]string{"CWA_BASE_URL"}, str(func(c *Config) *string { return &c.Tools.CWABaseURL })},
	{[]string{"ENABLE_HTTP_TOOL"}, boolean(func(c *Config) *bool { return &c.Tools.EnableHTTP })},
	{[]string{"ENABLE_WIKI_TOOL"}, boolean(func(c *Config) *bool { return &c.Tools.EnableWiki })},
	{[]string{"WIKI_BASE_URL"}, str(func(c *Config) *string { return &c.Tools.WikiBaseURL })},
	{[]string{"TOOLS_SQLITE_DB"}, str(func(c *Config) *string { return &c.Tools.SQLiteDB })},
	{[]string{"TIMEZONE"}, str(func(c *Config) *string { return &c.Tools.Timezone })},

	{[]string{"CACHE_ENABLED"}, boolean(func(c *Config) *bool { return &c.Cache.Enabled })},
	{[]string{"CACHE_BACKEND"}, str(func(c *Config) *string { return &c.Cache.Backend })},
	{[]string{"CACHE_TTL"}, duration(func(c *Config) *time.Duration { return &c.Cache.TTL })},

	{[]string{"SERVER_ADDR"}, str(func(c *Config) *string { return &c.Server.Addr })},
	{[]string{"ASYNC_RETENTION"}, duration(func(c *Config) *time.Duration { return &c.Server.AsyncRetention })},
	{[]string{"CLEANUP_SCHEDULE"}, str(func(c *Config) *string { return &c.Server.CleanupSchedule })},

	{[]string{"PROMPTS_FILE"}, str(func(c *Config) *string { return &c.PromptsFile })},
	{[]string{"DEBUG"}, boolean(func(c *Config) *bool { return &c.Debug })},
	{[]string{"LOG_FORMAT"}, str(func(c *Config) *string { return &c.LogFormat })},
}

// ApplyEnv overrides cfg with the variables lookup finds. Empty values are
// ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range bindings {
		for _, key := range b.keys {
			v, ok := lookup(key)
			v = strings.TrimSpace(v)
			if !ok || v == "" {
				continue
			}
			if err := b.apply(cfg, v); err != nil {
				return breezeflow.NewConfigurationError(fmt.Sprintf("invalid value for %s: %q", key, v), err)
			}
			break
		}
	}
	return nil
}
