// Package config loads planmesh configuration.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables prefixed with PLANMESH_
//  2. The YAML file passed to Load
//  3. Built-in defaults (defaults.yaml)
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix; nested strategy keys split once more:
//
//	PLANMESH_MANAGER_IDLE_TIMEOUT              -> manager.idle_timeout
//	PLANMESH_LLM_API_KEY                       -> llm.api_key
//	PLANMESH_STRATEGIES_SEQUENTIAL_MAX_REPLANS -> strategies.sequential.max_replans
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/hupe1980/planmesh/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLANMESH_"

const maxConfigFileSize = 1024 * 1024

//go:embed defaults.yaml
var defaultYAML []byte

// Config is the complete planmesh configuration.
type Config struct {
	Manager    ManagerConfig    `koanf:"manager"`
	Strategies StrategiesConfig `koanf:"strategies"`
	Prompts    PromptsConfig    `koanf:"prompts"`
	Tools      ToolsConfig      `koanf:"tools"`
	LLM        LLMConfig        `koanf:"llm"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ManagerConfig tunes the execution manager.
type ManagerConfig struct {
	CancellationTimeout time.Duration `koanf:"cancellation_timeout"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	RetainFinished      int           `koanf:"retain_finished"`
	EventBufferSize     int           `koanf:"event_buffer_size"`
	MaxActiveExecutions int           `koanf:"max_active_executions"`
}

// StrategyConfig holds the defaults of one strategy. Per-dispatch options
// override them.
type StrategyConfig struct {
	MaxRetriesPerStep int `koanf:"max_retries_per_step"`
	MaxReplans        int `koanf:"max_replans"`
	ConcurrencyLimit  int `koanf:"concurrency_limit"`
}

// StrategiesConfig groups the strategy defaults.
type StrategiesConfig struct {
	Sequential StrategyConfig `koanf:"sequential"`
	Parallel   StrategyConfig `koanf:"parallel"`
	PlanSolve  StrategyConfig `koanf:"plan_solve"`
}

// PromptsConfig configures the template catalog.
type PromptsConfig struct {
	// Files are YAML catalogs merged over the built-in templates.
	Files []string `koanf:"files"`

	// Pinned enables version enforcement for every dispatch.
	Pinned bool `koanf:"pinned"`

	// Pins maps a template id or phase name to a semver constraint.
	Pins map[string]string `koanf:"pins"`

	CacheSize int `koanf:"cache_size"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	Builtins bool `koanf:"builtins"`

	// RateLimit caps calls per second for every tool. 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
	MaxCalls    int     `koanf:"max_calls"`
	Stream      bool    `koanf:"stream"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Backend string `koanf:"backend"`
	Level   string `koanf:"level"`
	Format  string `koanf:"format"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	return Load("")
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when empty) and PLANMESH_ environment variables, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return content, nil
}

// envKey maps PLANMESH_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}

	if section == "strategies" {
		for _, name := range []string{"sequential", "parallel", "plan_solve"} {
			if rest, found := strings.CutPrefix(field, name+"_"); found {
				return section + "." + name + "." + rest
			}
		}
	}

	return section + "." + field
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Manager.CancellationTimeout <= 0 {
		errs = append(errs, errors.New("manager.cancellation_timeout must be positive"))
	}

	if c.Manager.IdleTimeout <= 0 {
		errs = append(errs, errors.New("manager.idle_timeout must be positive"))
	}

	if c.Manager.RetainFinished <= 0 {
		errs = append(errs, errors.New("manager.retain_finished must be positive"))
	}

	if c.Manager.EventBufferSize <= 0 {
		errs = append(errs, errors.New("manager.event_buffer_size must be positive"))
	}

	if c.Manager.MaxActiveExecutions < 0 {
		errs = append(errs, errors.New("manager.max_active_executions must not be negative"))
	}

	for name, s := range map[string]StrategyConfig{
		"sequential": c.Strategies.Sequential,
		"parallel":   c.Strategies.Parallel,
		"plan_solve": c.Strategies.PlanSolve,
	} {
		if s.MaxRetriesPerStep < 0 || s.MaxReplans < 0 || s.ConcurrencyLimit < 0 {
			errs = append(errs, fmt.Errorf("strategies.%s: limits must not be negative", name))
		}
	}

	if c.Strategies.Parallel.ConcurrencyLimit == 0 || c.Strategies.PlanSolve.ConcurrencyLimit == 0 {
		errs = append(errs, errors.New("strategies: concurrency_limit must be positive"))
	}

	if c.Tools.RateLimit < 0 {
		errs = append(errs, errors.New("tools.rate_limit must not be negative"))
	}

	if c.Tools.RateLimit > 0 && c.Tools.Burst <= 0 {
		errs = append(errs, errors.New("tools.burst must be positive when rate limiting"))
	}

	switch c.LLM.Provider {
	case "mock":
	case "openai", "anthropic":
		if c.LLM.Model == "" {
			errs = append(errs, fmt.Errorf("llm.model is required for provider %s", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}

	if c.LLM.MaxCalls < 0 {
		errs = append(errs, errors.New("llm.max_calls must not be negative"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if c.Logging.Backend != "slog" && c.Logging.Backend != "zap" {
		errs = append(errs, fmt.Errorf("logging.backend %q is not supported", c.Logging.Backend))
	}

	return errors.Join(errs...)
}

// NewLogger builds the configured logger writing to w (slog backend only; zap
// always writes to stderr).
func (c LoggingConfig) NewLogger(w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	if c.Backend == "zap" {
		z, err := logging.NewZapLogger(level, c.Format)
		if err != nil {
			return nil, fmt.Errorf("build zap logger: %w", err)
		}
		return z, nil
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    c.Format,
		Output:    w,
		Component: "planmesh",
	}), nil
}
