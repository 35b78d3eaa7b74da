// Package config holds the coherence bus configuration: yaml file, defaults,
// environment overrides, and live reload of tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"coherencebus/internal/types"
)

// Config holds all coherence bus configuration.
type Config struct {
	// DataDir is where snapshots, WAL, and the local SQLite database live.
	DataDir string `yaml:"data_dir"`

	// BusURL is the stream broker (Redis) endpoint.
	BusURL string `yaml:"bus_url"`

	CircuitBreaker BreakerConfig            `yaml:"circuit_breaker"`
	Channels       map[string]ChannelConfig `yaml:"channels"`
	Evaluator      EvaluatorConfig          `yaml:"evaluator"`
	Store          StoreConfig              `yaml:"store"`
	Pipeline       PipelineConfig           `yaml:"pipeline"`
	Coherence      CoherenceConfig          `yaml:"coherence"`
	Logging        LoggingConfig            `yaml:"logging"`
}

// BreakerConfig configures every circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	RecoveryThreshold int `yaml:"recovery_threshold"`
	TimeoutWindowS    int `yaml:"timeout_window_s"`
}

// TimeoutWindow returns the Open dwell time.
func (b BreakerConfig) TimeoutWindow() time.Duration {
	return time.Duration(b.TimeoutWindowS) * time.Second
}

// ChannelConfig bounds one stream.
type ChannelConfig struct {
	MaxLen    int64  `yaml:"max_len"`
	Retention string `yaml:"retention"`
}

// RetentionDuration parses the retention window ("7d", "72h").
func (c ChannelConfig) RetentionDuration() (time.Duration, error) {
	s := c.Retention
	if s == "" {
		return 0, nil
	}
	// time.ParseDuration has no day unit.
	if last := s[len(s)-1]; last == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("parse retention %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse retention %q: %w", s, err)
	}
	return d, nil
}

// EvaluatorConfig holds per-capability deadlines and provider selection.
type EvaluatorConfig struct {
	Drift         EvaluatorKindConfig `yaml:"drift"`
	Contradiction EvaluatorKindConfig `yaml:"contradiction"`
	Revision      EvaluatorKindConfig `yaml:"revision"`
	Utility       EvaluatorKindConfig `yaml:"utility"`
}

// EvaluatorKindConfig configures one capability slot.
type EvaluatorKindConfig struct {
	DeadlineMs int    `yaml:"deadline_ms"`
	Provider   string `yaml:"provider,omitempty"` // "heuristic" (default) or "genai" (drift only)
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model,omitempty"`
}

// Deadline returns the capability deadline.
func (e EvaluatorKindConfig) Deadline() time.Duration {
	return time.Duration(e.DeadlineMs) * time.Millisecond
}

// StoreConfig configures the knowledge store.
type StoreConfig struct {
	SnapshotEvery int `yaml:"snapshot_every"`
}

// PipelineConfig configures retry behavior for the mutation pipeline.
type PipelineConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	MaxAttempts   int `yaml:"max_attempts"` // transient retries before dead-letter
}

// BackoffBase returns the initial backoff delay.
func (p PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

// CoherenceConfig holds score and confidence floors.
type CoherenceConfig struct {
	MinScore        float64            `yaml:"min_score"`
	ConfidenceFloor map[string]float64 `yaml:"confidence_floor"`
}

// FloorFor returns the configured confidence floor for a criticality level,
// falling back to the built-in defaults.
func (c CoherenceConfig) FloorFor(crit types.Criticality) float64 {
	if f, ok := c.ConfidenceFloor[string(crit)]; ok {
		return f
	}
	return crit.Floor()
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns production defaults matching the recognized options.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".scb",
		BusURL:  "localhost:6379",
		CircuitBreaker: BreakerConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 5,
			TimeoutWindowS:    300,
		},
		Channels: map[string]ChannelConfig{
			string(types.ChannelMutations):  {MaxLen: 10_000, Retention: "7d"},
			string(types.ChannelValidation): {MaxLen: 5_000, Retention: "3d"},
			string(types.ChannelAlerts):     {MaxLen: 1_000, Retention: "30d"},
			string(types.ChannelFragments):  {MaxLen: 20_000, Retention: "14d"},
		},
		Evaluator: EvaluatorConfig{
			Drift:         EvaluatorKindConfig{DeadlineMs: 200, Provider: "heuristic"},
			Contradiction: EvaluatorKindConfig{DeadlineMs: 500, Provider: "heuristic"},
			Revision:      EvaluatorKindConfig{DeadlineMs: 300, Provider: "heuristic"},
			Utility:       EvaluatorKindConfig{DeadlineMs: 100, Provider: "heuristic"},
		},
		Store:    StoreConfig{SnapshotEvery: 256},
		Pipeline: PipelineConfig{MaxRetries: 3, BackoffBaseMs: 100, MaxAttempts: 5},
		Coherence: CoherenceConfig{
			MinScore: 0.7,
			ConfidenceFloor: map[string]float64{
				"high":   0.8,
				"medium": 0.6,
				"low":    0.4,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the yaml config at path, fills defaults for anything unset, and
// applies environment overrides. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.fillDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults re-applies defaults to zero values that yaml left unset.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.BusURL == "" {
		c.BusURL = def.BusURL
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.RecoveryThreshold == 0 {
		c.CircuitBreaker.RecoveryThreshold = def.CircuitBreaker.RecoveryThreshold
	}
	if c.CircuitBreaker.TimeoutWindowS == 0 {
		c.CircuitBreaker.TimeoutWindowS = def.CircuitBreaker.TimeoutWindowS
	}
	if c.Channels == nil {
		c.Channels = def.Channels
	} else {
		for name, dc := range def.Channels {
			cc, ok := c.Channels[name]
			if !ok {
				c.Channels[name] = dc
				continue
			}
			if cc.MaxLen == 0 {
				cc.MaxLen = dc.MaxLen
			}
			if cc.Retention == "" {
				cc.Retention = dc.Retention
			}
			c.Channels[name] = cc
		}
	}
	fillEvaluator := func(dst *EvaluatorKindConfig, def EvaluatorKindConfig) {
		if dst.DeadlineMs == 0 {
			dst.DeadlineMs = def.DeadlineMs
		}
		if dst.Provider == "" {
			dst.Provider = def.Provider
		}
	}
	fillEvaluator(&c.Evaluator.Drift, def.Evaluator.Drift)
	fillEvaluator(&c.Evaluator.Contradiction, def.Evaluator.Contradiction)
	fillEvaluator(&c.Evaluator.Revision, def.Evaluator.Revision)
	fillEvaluator(&c.Evaluator.Utility, def.Evaluator.Utility)
	if c.Store.SnapshotEvery == 0 {
		c.Store.SnapshotEvery = def.Store.SnapshotEvery
	}
	if c.Pipeline.MaxRetries == 0 {
		c.Pipeline.MaxRetries = def.Pipeline.MaxRetries
	}
	if c.Pipeline.BackoffBaseMs == 0 {
		c.Pipeline.BackoffBaseMs = def.Pipeline.BackoffBaseMs
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = def.Pipeline.MaxAttempts
	}
	if c.Coherence.MinScore == 0 {
		c.Coherence.MinScore = def.Coherence.MinScore
	}
	if c.Coherence.ConfidenceFloor == nil {
		c.Coherence.ConfidenceFloor = def.Coherence.ConfidenceFloor
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// applyEnvOverrides maps the recognized environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if url := os.Getenv("BUS_URL"); url != "" {
		c.BusURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Evaluator.Drift.APIKey == "" {
		c.Evaluator.Drift.APIKey = key
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if c.CircuitBreaker.RecoveryThreshold < 1 {
		return fmt.Errorf("circuit_breaker.recovery_threshold must be >= 1")
	}
	if c.Coherence.MinScore < 0 || c.Coherence.MinScore > 1 {
		return fmt.Errorf("coherence.min_score must be in [0,1]")
	}
	for name, ch := range c.Channels {
		if !types.Channel(name).Valid() {
			return fmt.Errorf("unknown channel %q", name)
		}
		if ch.MaxLen < 1 {
			return fmt.Errorf("channels.%s.max_len must be >= 1", name)
		}
		if _, err := ch.RetentionDuration(); err != nil {
			return err
		}
	}
	return nil
}

// ChannelFor returns the bounds for a channel.
func (c *Config) ChannelFor(ch types.Channel) ChannelConfig {
	return c.Channels[string(ch)]
}

// Save writes the config back to disk as yaml.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
