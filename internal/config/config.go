// Package config loads server configuration from defaults, a TOML file, and
// environment variables, in that order (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTP      HTTPConfig       `toml:"http"`
	Database  DatabaseConfig   `toml:"database"`
	Auth      AuthConfig       `toml:"auth"`
	Scheduler SchedulerConfig  `toml:"scheduler"`
	Orch      OrchConfig       `toml:"orchestrator"`
	Providers []ProviderConfig `toml:"providers"`
	Observer  ObserverConfig   `toml:"observer"`
	Workspace string           `toml:"workspace"`
}

type HTTPConfig struct {
	Port int `toml:"port"`
}

type DatabaseConfig struct {
	Path          string `toml:"path"`
	SchedulerPath string `toml:"scheduler_path"` // empty = share Path
	WorkflowPath  string `toml:"workflow_path"`  // empty = share Path
	PostgresURL   string `toml:"postgres_url"`   // set = use Postgres instead of SQLite
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type SchedulerConfig struct {
	Enabled          bool  `toml:"enabled"`
	TickMs           int64 `toml:"tick_ms"`
	MaxConcurrent    int   `toml:"max_concurrent"`
	DefaultRetries   int   `toml:"default_retries"`
	DefaultTimeoutMs int64 `toml:"default_timeout_ms"`
}

type OrchConfig struct {
	MaxConcurrentSteps   int   `toml:"max_concurrent_steps"`
	DefaultStepTimeoutMs int64 `toml:"default_step_timeout_ms"`
	MaxRetries           int   `toml:"max_retries"`
	RetryDelayMs         int64 `toml:"retry_delay_ms"`
}

// ProviderConfig describes one LLM back-end. A provider with no API key and
// no base URL is disabled.
type ProviderConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Default bool   `toml:"default"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 3000},
		Database: DatabaseConfig{Path: "maestro.db"},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			TickMs:           60_000,
			MaxConcurrent:    10,
			DefaultRetries:   3,
			DefaultTimeoutMs: 300_000,
		},
		Orch: OrchConfig{
			MaxConcurrentSteps:   3,
			DefaultStepTimeoutMs: 60_000,
			MaxRetries:           2,
			RetryDelayMs:         1_000,
		},
		Workspace: "workspace",
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "maestro.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	setStr(&cfg.Database.Path, "DB_PATH")
	setStr(&cfg.Database.SchedulerPath, "SCHEDULER_DB_PATH")
	setStr(&cfg.Database.WorkflowPath, "WORKFLOW_DB_PATH")
	setStr(&cfg.Database.PostgresURL, "POSTGRES_URL")
	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setInt(&cfg.HTTP.Port, "HTTP_PORT")

	setBool(&cfg.Scheduler.Enabled, "SCHEDULER_ENABLED")
	setInt64(&cfg.Scheduler.TickMs, "SCHEDULER_TICK_MS")
	setInt(&cfg.Scheduler.MaxConcurrent, "SCHEDULER_MAX_CONCURRENT")
	setInt(&cfg.Scheduler.DefaultRetries, "SCHEDULER_DEFAULT_RETRIES")
	setInt64(&cfg.Scheduler.DefaultTimeoutMs, "SCHEDULER_DEFAULT_TIMEOUT_MS")

	setInt(&cfg.Orch.MaxConcurrentSteps, "ORCH_MAX_CONCURRENT_STEPS")
	setInt64(&cfg.Orch.DefaultStepTimeoutMs, "ORCH_DEFAULT_STEP_TIMEOUT_MS")
	setInt(&cfg.Orch.MaxRetries, "ORCH_MAX_RETRIES")
	setInt64(&cfg.Orch.RetryDelayMs, "ORCH_RETRY_DELAY_MS")

	// Provider credentials: OPENAI_API_KEY enables a default OpenAI-compatible
	// back-end when the TOML file declares none.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && len(cfg.Providers) == 0 {
		base := os.Getenv("OPENAI_BASE_URL")
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		cfg.Providers = []ProviderConfig{{
			Name: "openai", BaseURL: base, APIKey: key, Model: model, Default: true,
		}}
	}

	return cfg
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
