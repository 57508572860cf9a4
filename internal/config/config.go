// Package config loads orchestrator configuration from a YAML file and
// the environment.
//
// Environment variables take precedence over file values. Required
// variables are validated at startup; a missing set aborts with a
// structured error that lists every absent name so operators can fix
// them in one pass.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variable names read at startup.
const (
	EnvRedisURL       = "REDIS_URL"
	EnvDefaultModel   = "DEFAULT_MODEL"
	EnvDailyBudget    = "DAILY_BUDGET_USD"
	EnvMaxTurns       = "AUTOGEN_MAX_TURNS"
	EnvTimeoutSeconds = "AUTOGEN_TIMEOUT_SECONDS"
	EnvCostLimit      = "AUTOGEN_COST_LIMIT_USD"
	EnvAgentsDir      = "AGENTS_DIR"
)

// Config is the root configuration.
type Config struct {
	// Redis holds connection settings for the state store.
	Redis RedisConfig `yaml:"redis"`

	// Server holds the HTTP listener settings.
	Server ServerConfig `yaml:"server"`

	// Orchestrator holds coordination defaults.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Budget holds cost limits.
	Budget BudgetConfig `yaml:"budget"`

	// Breaker holds circuit breaker tuning.
	Breaker BreakerConfig `yaml:"breaker"`

	// RAG holds per-turn context injection settings.
	RAG RAGConfig `yaml:"rag"`

	// Flags holds the initial feature flag table.
	Flags []FlagConfig `yaml:"flags"`

	// Pricing holds the initial pricing table entries.
	Pricing []PricingConfig `yaml:"pricing"`

	// Agents holds registry settings.
	Agents AgentsConfig `yaml:"agents"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures OTLP trace export.
	Tracing TracingConfig `yaml:"tracing"`

	// Streaming configures the fan-out hub.
	Streaming StreamingConfig `yaml:"streaming"`

	// Providers configures model client credentials.
	Providers ProvidersConfig `yaml:"providers"`
}

// RedisConfig configures the Redis connection and key lifetimes.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`

	// ConversationTTL applies to conversation-scoped keys. Default: 1h.
	ConversationTTL time.Duration `yaml:"conversation_ttl"`

	// DailyAggregateTTL applies to daily cost aggregates. Default: 7 days.
	DailyAggregateTTL time.Duration `yaml:"daily_aggregate_ttl"`

	// TurnDetailTTL applies to per-turn detail records. Default: 30 days.
	TurnDetailTTL time.Duration `yaml:"turn_detail_ttl"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// OrchestratorConfig holds coordination defaults.
type OrchestratorConfig struct {
	// DefaultAgentID handles single-agent requests with no routing hit.
	DefaultAgentID string `yaml:"default_agent_id"`

	// DefaultModel is used when neither request nor agent specify one.
	DefaultModel string `yaml:"default_model"`

	// MaxTurns bounds any multi-agent loop.
	MaxTurns int `yaml:"max_turns"`

	// TurnTimeout bounds a single turn end to end.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// MaxToolContinuations bounds model re-invocations after tool runs.
	MaxToolContinuations int `yaml:"max_tool_continuations"`
}

// BudgetConfig holds cost limits and classification thresholds.
type BudgetConfig struct {
	// DailyLimitUSD is the process-wide daily spend cap.
	DailyLimitUSD decimal.Decimal `yaml:"daily_limit_usd"`

	// ConversationLimitUSD caps a single conversation's spend.
	ConversationLimitUSD decimal.Decimal `yaml:"conversation_limit_usd"`

	// WarningRatio and CriticalRatio default to 0.75 and 0.90.
	WarningRatio  float64 `yaml:"warning_ratio"`
	CriticalRatio float64 `yaml:"critical_ratio"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is the open to half_open wait.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// HalfOpenMaxCalls bounds probe admissions while half_open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`

	// CheckInterval is the periodic re-evaluation cadence.
	CheckInterval time.Duration `yaml:"check_interval"`

	// OverrideSecret signs emergency override codes.
	OverrideSecret string `yaml:"override_secret"`
}

// RAGConfig configures per-turn context injection.
type RAGConfig struct {
	// TopK is the number of facts retrieved per turn. Default: 5.
	TopK int `yaml:"top_k"`

	// MinScore is the similarity threshold for inclusion.
	MinScore float64 `yaml:"min_score"`

	// CacheTTL bounds reuse of a computed context block.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// FlagConfig is one feature flag definition in the config file.
type FlagConfig struct {
	Name          string         `yaml:"name"`
	Enabled       bool           `yaml:"enabled"`
	Strategy      string         `yaml:"strategy"`
	Params        map[string]any `yaml:"params"`
	DependsOn     []string       `yaml:"depends_on"`
	ConflictsWith []string       `yaml:"conflicts_with"`
}

// PricingConfig is one pricing table row in the config file.
type PricingConfig struct {
	Provider      string          `yaml:"provider"`
	Model         string          `yaml:"model"`
	InputPer1K    decimal.Decimal `yaml:"input_per_1k"`
	OutputPer1K   decimal.Decimal `yaml:"output_per_1k"`
	PerRequest    decimal.Decimal `yaml:"per_request"`
	EffectiveFrom time.Time       `yaml:"effective_from"`
	EffectiveTo   *time.Time      `yaml:"effective_to"`
}

// AgentsConfig configures the agent registry.
type AgentsConfig struct {
	// Dir is the directory of agent definition files.
	Dir string `yaml:"dir"`

	// WatchReload enables fsnotify-driven automatic reload.
	WatchReload bool `yaml:"watch_reload"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP export. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// StreamingConfig configures the fan-out hub.
type StreamingConfig struct {
	// SubscriberBuffer is the bounded per-subscriber queue size.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// HeartbeatInterval is the idle heartbeat cadence, capped at 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ProvidersConfig carries model provider credentials.
type ProvidersConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// MissingEnvError reports the set of absent required settings by the
// environment variable that supplies each.
type MissingEnvError struct {
	// Names are the missing variable names, sorted.
	Names []string
}

// Error implements error.
func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Names, ", ")
}

// Load reads the YAML file at path (optional, may be empty), merges
// environment variables on top, validates the required set, and applies
// defaults. A .env file in the working directory is honored when
// present.
func Load(path string) (*Config, error) {
	// .env files are a dev convenience; absence is normal.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overlays environment variables onto file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvDefaultModel); v != "" {
		c.Orchestrator.DefaultModel = v
	}
	if v := os.Getenv(EnvDailyBudget); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvDailyBudget, err)
		}
		c.Budget.DailyLimitUSD = d
	}
	if v := os.Getenv(EnvMaxTurns); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("parse %s: must be a positive integer, got %q", EnvMaxTurns, v)
		}
		c.Orchestrator.MaxTurns = n
	}
	if v := os.Getenv(EnvTimeoutSeconds); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("parse %s: must be a positive integer, got %q", EnvTimeoutSeconds, v)
		}
		c.Orchestrator.TurnTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv(EnvCostLimit); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvCostLimit, err)
		}
		c.Budget.ConversationLimitUSD = d
	}
	if v := os.Getenv(EnvAgentsDir); v != "" {
		c.Agents.Dir = v
	}
	return nil
}

// validate checks the required set, attributing each gap to its
// environment variable name.
func (c *Config) validate() error {
	var missing []string
	if c.Redis.URL == "" {
		missing = append(missing, EnvRedisURL)
	}
	if c.Orchestrator.DefaultModel == "" {
		missing = append(missing, EnvDefaultModel)
	}
	if c.Budget.DailyLimitUSD.IsZero() {
		missing = append(missing, EnvDailyBudget)
	}
	if c.Agents.Dir == "" {
		missing = append(missing, EnvAgentsDir)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingEnvError{Names: missing}
	}
	return nil
}

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if c.Redis.ConversationTTL <= 0 {
		c.Redis.ConversationTTL = time.Hour
	}
	if c.Redis.DailyAggregateTTL <= 0 {
		c.Redis.DailyAggregateTTL = 7 * 24 * time.Hour
	}
	if c.Redis.TurnDetailTTL <= 0 {
		c.Redis.TurnDetailTTL = 30 * 24 * time.Hour
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Orchestrator.MaxTurns <= 0 {
		c.Orchestrator.MaxTurns = 12
	}
	if c.Orchestrator.TurnTimeout <= 0 {
		c.Orchestrator.TurnTimeout = 2 * time.Minute
	}
	if c.Orchestrator.MaxToolContinuations <= 0 {
		c.Orchestrator.MaxToolContinuations = 3
	}
	if c.Budget.WarningRatio <= 0 {
		c.Budget.WarningRatio = 0.75
	}
	if c.Budget.CriticalRatio <= 0 {
		c.Budget.CriticalRatio = 0.90
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = 60 * time.Second
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		c.Breaker.HalfOpenMaxCalls = 2
	}
	if c.Breaker.CheckInterval <= 0 {
		c.Breaker.CheckInterval = 15 * time.Second
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 5
	}
	if c.RAG.MinScore <= 0 {
		c.RAG.MinScore = 0.35
	}
	if c.RAG.CacheTTL <= 0 {
		c.RAG.CacheTTL = 90 * time.Second
	}
	if c.Streaming.SubscriberBuffer <= 0 {
		c.Streaming.SubscriberBuffer = 64
	}
	if c.Streaming.HeartbeatInterval <= 0 || c.Streaming.HeartbeatInterval > 30*time.Second {
		c.Streaming.HeartbeatInterval = 25 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Providers.OpenAIAPIKey == "" {
		c.Providers.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.AnthropicAPIKey == "" {
		c.Providers.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}
