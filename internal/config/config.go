// Package config loads the engine's declarative pipeline and subsystem
// configuration: YAML file as the base, godotenv for local .env loading,
// envdecode struct-tag overlay for environment overrides. Pipeline keys
// are datasource, sinks, row_plugins, gates, coalesce, aggregations, the
// subsystem blocks, and run_mode.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/obslog"
)

// ContractFieldConfig describes one declared contract field in YAML.
type ContractFieldConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ContractConfig is the optional declared-schema block a source or
// transform node may carry; omitted entirely, the node's output contract
// defaults to observed mode (inferred from whatever the plugin emits).
type ContractConfig struct {
	Mode   string                `yaml:"mode"`
	Fields []ContractFieldConfig `yaml:"fields"`
}

func (c *ContractConfig) toContract() *contracts.Contract {
	if c == nil {
		return nil
	}
	mode := contracts.ContractObserved
	if c.Mode != "" {
		mode = contracts.ContractMode(c.Mode)
	}
	fields := make([]contracts.Field, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, contracts.Field{
			Name: f.Name, OriginalName: f.Name, Type: f.Type, Required: f.Required, Source: contracts.FieldDeclared,
		})
	}
	return contracts.NewContract(mode, fields)
}

// SourceConfig describes the pipeline's single datasource.
type SourceConfig struct {
	Plugin         string                 `yaml:"plugin"`
	Version        string                 `yaml:"version"`
	Config         map[string]interface{} `yaml:"config"`
	QuarantineSink string                 `yaml:"quarantine_sink"`
	Contract       *ContractConfig        `yaml:"contract"`
}

// SinkConfig describes one named sink plugin instance.
type SinkConfig struct {
	Plugin  string                 `yaml:"plugin"`
	Version string                 `yaml:"version"`
	Config  map[string]interface{} `yaml:"config"`
}

// RowPluginConfig describes one transform node (the YAML key is
// `row_plugins`).
type RowPluginConfig struct {
	Name      string                 `yaml:"name"`
	Plugin    string                 `yaml:"plugin"`
	Version   string                 `yaml:"version"`
	Config    map[string]interface{} `yaml:"config"`
	OnSuccess string                 `yaml:"on_success"`
	OnError   string                 `yaml:"on_error"`
	Contract  *ContractConfig        `yaml:"contract"`
}

// GateConfig describes one gate node: either a named plugin, or a
// config-expression gate when condition is set.
type GateConfig struct {
	Name      string                 `yaml:"name"`
	Plugin    string                 `yaml:"plugin"`
	Version   string                 `yaml:"version"`
	Config    map[string]interface{} `yaml:"config"`
	Condition string                 `yaml:"condition"`
	Routes    map[string]string      `yaml:"routes"`
	ForkTo    []string               `yaml:"fork_to"`
}

// CoalesceConfig describes one join node.
type CoalesceConfig struct {
	Name           string   `yaml:"name"`
	Branches       []string `yaml:"branches"`
	Policy         string   `yaml:"policy"`
	QuorumCount    int      `yaml:"quorum_count"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
	Merge          string   `yaml:"merge"`
	SelectBranch   string   `yaml:"select_branch"`
	OnSuccess      string   `yaml:"on_success"`
}

// AggregationConfig describes one batching node.
type AggregationConfig struct {
	Name           string                 `yaml:"name"`
	Plugin         string                 `yaml:"plugin"`
	Version        string                 `yaml:"version"`
	Config         map[string]interface{} `yaml:"config"`
	Count          int                    `yaml:"count"`
	TimeoutSeconds float64                `yaml:"timeout_seconds"`
	Condition      string                 `yaml:"condition"`
	OnSuccess      string                 `yaml:"on_success"`
	OnError        string                 `yaml:"on_error"`
}

// PipelineConfig is the declarative pipeline shape.
type PipelineConfig struct {
	Datasource   SourceConfig             `yaml:"datasource"`
	Sinks        map[string]SinkConfig    `yaml:"sinks"`
	OutputSink   string                   `yaml:"output_sink"`
	RowPlugins   []RowPluginConfig        `yaml:"row_plugins"`
	Gates        []GateConfig             `yaml:"gates"`
	Coalesce     []CoalesceConfig         `yaml:"coalesce"`
	Aggregations []AggregationConfig      `yaml:"aggregations"`
}

// ToDAGSpec translates the declarative YAML shape into the dag package's
// Spec, resolving string policy/merge/mode fields into their typed enums.
func (p PipelineConfig) ToDAGSpec() dag.Spec {
	spec := dag.Spec{
		Source: dag.SourceSpec{
			Plugin: p.Datasource.Plugin, Version: p.Datasource.Version, Config: p.Datasource.Config,
			QuarantineSink: p.Datasource.QuarantineSink, OutputContract: p.Datasource.Contract.toContract(),
		},
		OutputSink: p.OutputSink,
	}
	for name, s := range p.Sinks {
		spec.Sinks = append(spec.Sinks, dag.SinkSpec{Name: name, Plugin: s.Plugin, Version: s.Version, Config: s.Config})
	}
	for _, t := range p.RowPlugins {
		spec.Transforms = append(spec.Transforms, dag.TransformSpec{
			Name: t.Name, Plugin: t.Plugin, Version: t.Version, Config: t.Config,
			OnSuccess: t.OnSuccess, OnError: t.OnError, OutputContract: t.Contract.toContract(),
		})
	}
	for _, g := range p.Gates {
		spec.Gates = append(spec.Gates, dag.GateSpec{
			Name: g.Name, Plugin: g.Plugin, Version: g.Version, Config: g.Config,
			Condition: g.Condition, Routes: g.Routes, ForkTo: g.ForkTo,
		})
	}
	for _, c := range p.Coalesce {
		spec.Coalesces = append(spec.Coalesces, dag.CoalesceSpec{
			Name: c.Name, Branches: c.Branches, Policy: contracts.CoalescePolicy(c.Policy),
			QuorumCount: c.QuorumCount, TimeoutSeconds: c.TimeoutSeconds,
			Merge: contracts.MergeStrategy(c.Merge), SelectBranch: c.SelectBranch, OnSuccess: c.OnSuccess,
		})
	}
	for _, a := range p.Aggregations {
		spec.Aggregations = append(spec.Aggregations, dag.AggregationSpec{
			Name: a.Name, Plugin: a.Plugin, Version: a.Version, Config: a.Config,
			Count: a.Count, TimeoutSeconds: a.TimeoutSeconds, Condition: a.Condition,
			OnSuccess: a.OnSuccess, OnError: a.OnError,
		})
	}
	return spec
}

// LandscapeConfig selects and configures the audit-store backend.
type LandscapeConfig struct {
	Driver string `yaml:"driver" env:"LANDSCAPE_DRIVER"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" env:"LANDSCAPE_DSN"`
}

// ConcurrencyConfig bounds the orchestrator's fan-out.
type ConcurrencyConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size" env:"CONCURRENCY_WORKER_POOL_SIZE"`
	MaxPending     int `yaml:"max_pending" env:"CONCURRENCY_MAX_PENDING"`
}

// RetryConfig mirrors internal/resilience.RetryConfig in config-file form.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	InitialDelayMs int     `yaml:"initial_delay_ms" env:"RETRY_INITIAL_DELAY_MS"`
	MaxDelayMs     int     `yaml:"max_delay_ms" env:"RETRY_MAX_DELAY_MS"`
	Multiplier     float64 `yaml:"multiplier" env:"RETRY_MULTIPLIER"`
	Jitter         float64 `yaml:"jitter" env:"RETRY_JITTER"`
}

// PayloadStoreConfig configures the local blob store.
type PayloadStoreConfig struct {
	BaseDir string `yaml:"base_dir" env:"PAYLOAD_STORE_BASE_DIR"`
}

// CheckpointConfig controls checkpoint cadence, plus an optional
// robfig/cron-style cadence for periodic checkpoints independent of row
// counts.
type CheckpointConfig struct {
	EveryRows                 int    `yaml:"every_rows" env:"CHECKPOINT_EVERY_ROWS"`
	EveryCron                 string `yaml:"every_cron" env:"CHECKPOINT_EVERY_CRON"`
	AggregationBoundariesOnly bool   `yaml:"aggregation_boundaries_only" env:"CHECKPOINT_AGGREGATION_BOUNDARIES_ONLY"`
}

// RateLimitConfig bounds admission into the pooled executor. A zero
// requests_per_second disables admission control.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// CircuitBreakerConfig sets the pooled executor's circuit-breaker
// thresholds: how many consecutive failures trip it, how long it stays
// open before probing, and how many half-open probes are admitted.
type CircuitBreakerConfig struct {
	MaxFailures int `yaml:"max_failures" env:"CIRCUIT_BREAKER_MAX_FAILURES"`
	TimeoutMs   int `yaml:"timeout_ms" env:"CIRCUIT_BREAKER_TIMEOUT_MS"`
	HalfOpenMax int `yaml:"half_open_max" env:"CIRCUIT_BREAKER_HALF_OPEN_MAX"`
}

// Config is the top-level engine configuration.
type Config struct {
	Logging        obslog.Config        `yaml:"logging"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Landscape      LandscapeConfig      `yaml:"landscape"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	Retry          RetryConfig          `yaml:"retry"`
	PayloadStore   PayloadStoreConfig   `yaml:"payload_store"`
	Checkpoint     CheckpointConfig     `yaml:"checkpoint"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	RunMode           string `yaml:"run_mode" env:"RUN_MODE"`
	ReplaySourceRunID string `yaml:"replay_source_run_id" env:"REPLAY_SOURCE_RUN_ID"`
}

// New returns a Config populated with conservative defaults.
func New() *Config {
	return &Config{
		Logging: obslog.Config{Level: "info", Format: "text", Output: "stdout"},
		Landscape: LandscapeConfig{
			Driver: "sqlite", DSN: "file::memory:?cache=shared",
		},
		Concurrency:    ConcurrencyConfig{WorkerPoolSize: 4, MaxPending: 100},
		Retry:          RetryConfig{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 10000, Multiplier: 2.0, Jitter: 0.1},
		PayloadStore:   PayloadStoreConfig{BaseDir: "./payloads"},
		Checkpoint:     CheckpointConfig{EveryRows: 100},
		RateLimit:      RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 5, TimeoutMs: 30000, HalfOpenMax: 3},
		RunMode:        "live",
	}
}

// Load loads configuration from CONFIG_FILE (or ./configs/pipeline.yaml if
// unset), applies .env and environment overrides, and normalizes it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/pipeline.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from exactly path, with no environment
// overlay.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv hand-rolls `${VAR[:-default]}` substitution over raw config
// text before it is handed to the YAML parser — deliberately small and
// dependency-free rather than pulling in a general templating engine (see
// DESIGN.md).
func expandEnv(text string) string {
	return envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// normalize validates the subsystem blocks and run_mode after all layers
// (file + env) have been applied.
func (c *Config) normalize() error {
	switch c.RunMode {
	case "live", "replay", "verify":
	case "":
		c.RunMode = "live"
	default:
		return engineerr.NewConfigError("run_mode %q is not one of live/replay/verify", c.RunMode)
	}
	if c.RunMode == "replay" && c.ReplaySourceRunID == "" {
		return engineerr.NewConfigError("run_mode replay requires replay_source_run_id")
	}
	if c.Landscape.Driver != "sqlite" && c.Landscape.Driver != "postgres" {
		return engineerr.NewConfigError("landscape.driver %q is not one of sqlite/postgres", c.Landscape.Driver)
	}
	if c.Checkpoint.EveryRows < 0 {
		return engineerr.NewConfigError("checkpoint.every_rows must be >= 0")
	}
	return nil
}
