// Package config loads service configuration from YAML with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Funnel    FunnelConfig    `yaml:"funnel"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// URL is a Postgres DSN. Empty selects the in-memory store.
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	// AnthropicAPIKey authorizes task model calls.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// OpenAIAPIKey authorizes the small routing model used by the run
	// monitor.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	// DefaultModel is used when an agent does not name one.
	DefaultModel string `yaml:"default_model"`
	// RoutingModel is the cheap model for single-word monitor decisions.
	RoutingModel string `yaml:"routing_model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type ArtifactsConfig struct {
	// Dir is the root of the worker artifact tree.
	Dir string `yaml:"dir"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Disabled is the kill switch: when set, ticks are observed but no
	// runs start.
	Disabled bool `yaml:"disabled"`
	// MaxRunsPerUserPerDay caps scheduled runs per owner per UTC day.
	MaxRunsPerUserPerDay int `yaml:"max_runs_per_user_per_day"`
	// DailyCostBudgetCents is the global UTC-day cost budget in cents.
	// Tracked post-hoc; the ops summary reports burn. Zero disables it.
	DailyCostBudgetCents int `yaml:"daily_cost_budget_cents"`
	// UserDailyCostBudgetCents is the per-owner UTC-day cost budget in
	// cents. Zero disables it.
	UserDailyCostBudgetCents int `yaml:"user_daily_cost_budget_cents"`
}

type WorkerConfig struct {
	// Timeout bounds a single worker run end to end.
	Timeout time.Duration `yaml:"timeout"`
	// MaxTurns bounds the ReAct loop per run.
	MaxTurns int `yaml:"max_turns"`
}

type FunnelConfig struct {
	// Path is the sqlite database file for product analytics. Empty
	// disables funnel ingest.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Database: DatabaseConfig{
			MaxConnections:  20,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			DefaultModel: "claude-sonnet-4-5",
			RoutingModel: "gpt-4o-mini",
			MaxTokens:    8192,
		},
		Artifacts: ArtifactsConfig{
			Dir: "data/workers",
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			MaxRunsPerUserPerDay: 100,
		},
		Worker: WorkerConfig{
			Timeout:  10 * time.Minute,
			MaxTurns: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, and overlays it
// on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime
// failures.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not debug|info|warn|error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json|text", c.Logging.Format)
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}
	if c.Worker.MaxTurns <= 0 {
		return fmt.Errorf("worker.max_turns must be positive")
	}
	if c.Scheduler.MaxRunsPerUserPerDay < 0 {
		return fmt.Errorf("scheduler.max_runs_per_user_per_day must not be negative")
	}
	if c.Scheduler.DailyCostBudgetCents < 0 {
		return fmt.Errorf("scheduler.daily_cost_budget_cents must not be negative")
	}
	if c.Scheduler.UserDailyCostBudgetCents < 0 {
		return fmt.Errorf("scheduler.user_daily_cost_budget_cents must not be negative")
	}
	return nil
}
