// Package config loads toolmend configuration from YAML with environment
// overrides. Policy knobs (detection thresholds, strategy ordering inputs,
// sandbox budgets) live here so they are configuration, not hidden constants.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all toolmend configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Detector  DetectorConfig  `yaml:"detector"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Repair    RepairConfig    `yaml:"repair"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the knowledge store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// SeedContractsPath optionally points at a YAML file of bootstrap
	// contracts loaded on first start.
	SeedContractsPath string `yaml:"seed_contracts_path"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama, genai

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// DetectorConfig holds mismatch-detection thresholds. These tune how
// aggressively partially-learned contracts are enforced.
type DetectorConfig struct {
	// RequiredConfidenceFloor: a missing field is only a blocking
	// MissingRequiredField when the contract's required-confidence for it
	// meets this floor; below it the miss is an advisory hint.
	RequiredConfidenceFloor float64 `yaml:"required_confidence_floor"`

	// EnumStableAfter: an enum value set is treated as closed only after
	// this many consecutive observations without a new value.
	EnumStableAfter int `yaml:"enum_stable_after"`

	// RangeSlackFactor widens the observed min/max envelope before a
	// RangeViolation fires, to avoid over-fitting to early observations.
	RangeSlackFactor float64 `yaml:"range_slack_factor"`

	// UnitDriftSigma: magnitudes this many standard deviations from the
	// historical mean are flagged UnitSuspect (advisory only).
	UnitDriftSigma float64 `yaml:"unit_drift_sigma"`

	// UnitDriftMinObservations gates the unit-drift heuristic until enough
	// history exists.
	UnitDriftMinObservations int `yaml:"unit_drift_min_observations"`

	// RangeMinObservations: envelope checks stay off until this many numeric
	// observations exist for the field.
	RangeMinObservations int `yaml:"range_min_observations"`
}

// RetrievalConfig configures similarity retrieval.
type RetrievalConfig struct {
	DefaultTopK int    `yaml:"default_top_k"`
	MaxTopK     int    `yaml:"max_top_k"`
	Timeout     string `yaml:"timeout"`
}

// RepairConfig configures the repair orchestrator.
type RepairConfig struct {
	// TrustThreshold: recipes at or above this success rate are trusted and
	// eligible for DirectSubstitution.
	TrustThreshold float64 `yaml:"trust_threshold"`
	// MinApplications before a recipe can be promoted to trusted.
	MinApplications int `yaml:"min_applications"`

	ModelTimeout string `yaml:"model_timeout"`
}

// SandboxConfig configures sandboxed transformation runs.
type SandboxConfig struct {
	WallClockTimeout string `yaml:"wall_clock_timeout"`
	CPUTimeLimit     string `yaml:"cpu_time_limit"`
	MemoryLimitMB    int64  `yaml:"memory_limit_mb"`
	MaxConcurrent    int64  `yaml:"max_concurrent"`
}

// FeedbackConfig configures the async feedback writer.
type FeedbackConfig struct {
	QueueSize int `yaml:"queue_size"`
	// MismatchPromotionThreshold: after this many observations of the same
	// field mismatch, the contract entry is created/updated pre-emptively.
	MismatchPromotionThreshold int    `yaml:"mismatch_promotion_threshold"`
	RetryBackoff               string `yaml:"retry_backoff"`
	MaxRetries                 int    `yaml:"max_retries"`

	// ConfidenceDecayHalfLife controls age-based contract confidence decay.
	ConfidenceDecayHalfLife string `yaml:"confidence_decay_half_life"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "toolmend",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath: "data/toolmend.db",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Detector: DetectorConfig{
			RequiredConfidenceFloor:  0.6,
			EnumStableAfter:          20,
			RangeSlackFactor:         1.5,
			UnitDriftSigma:           4.0,
			UnitDriftMinObservations: 20,
			RangeMinObservations:     10,
		},

		Retrieval: RetrievalConfig{
			DefaultTopK: 5,
			MaxTopK:     20,
			Timeout:     "10s",
		},

		Repair: RepairConfig{
			TrustThreshold:  0.8,
			MinApplications: 3,
			ModelTimeout:    "60s",
		},

		Sandbox: SandboxConfig{
			WallClockTimeout: "5s",
			CPUTimeLimit:     "2s",
			MemoryLimitMB:    64,
			MaxConcurrent:    8,
		},

		Feedback: FeedbackConfig{
			QueueSize:                  256,
			MismatchPromotionThreshold: 3,
			RetryBackoff:               "500ms",
			MaxRetries:                 5,
			ConfidenceDecayHalfLife:    "720h", // 30 days
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		c.Embedding.Provider = "genai"
	}
	if endpoint := os.Getenv("OLLAMA_HOST"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("TOOLMEND_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("TOOLMEND_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks that policy knobs are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Detector.RequiredConfidenceFloor < 0 || c.Detector.RequiredConfidenceFloor > 1 {
		return fmt.Errorf("required_confidence_floor must be in [0,1]")
	}
	if c.Detector.EnumStableAfter < 1 {
		return fmt.Errorf("enum_stable_after must be >= 1")
	}
	if c.Detector.RangeSlackFactor < 1 {
		return fmt.Errorf("range_slack_factor must be >= 1")
	}
	if c.Detector.RangeMinObservations < 1 {
		return fmt.Errorf("range_min_observations must be >= 1")
	}
	if c.Retrieval.DefaultTopK < 1 || c.Retrieval.DefaultTopK > c.Retrieval.MaxTopK {
		return fmt.Errorf("default_top_k must be in [1, max_top_k]")
	}
	if c.Repair.TrustThreshold <= 0 || c.Repair.TrustThreshold > 1 {
		return fmt.Errorf("trust_threshold must be in (0,1]")
	}
	if c.Sandbox.MemoryLimitMB < 1 {
		return fmt.Errorf("sandbox memory_limit_mb must be >= 1")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox max_concurrent must be >= 1")
	}
	if c.Feedback.QueueSize < 1 {
		return fmt.Errorf("feedback queue_size must be >= 1")
	}
	return nil
}

// Duration helpers: YAML carries durations as strings so the file stays
// human-editable; parse failures fall back to the given default.

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RetrievalTimeout returns the parsed retrieval timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return parseDuration(c.Retrieval.Timeout, 10*time.Second)
}

// ModelTimeout returns the parsed model-delegation timeout.
func (c *Config) ModelTimeout() time.Duration {
	return parseDuration(c.Repair.ModelTimeout, 60*time.Second)
}

// SandboxWallClock returns the parsed sandbox wall-clock budget.
func (c *Config) SandboxWallClock() time.Duration {
	return parseDuration(c.Sandbox.WallClockTimeout, 5*time.Second)
}

// SandboxCPUTime returns the parsed sandbox CPU budget.
func (c *Config) SandboxCPUTime() time.Duration {
	return parseDuration(c.Sandbox.CPUTimeLimit, 2*time.Second)
}

// FeedbackRetryBackoff returns the parsed base retry backoff.
func (c *Config) FeedbackRetryBackoff() time.Duration {
	return parseDuration(c.Feedback.RetryBackoff, 500*time.Millisecond)
}

// ConfidenceHalfLife returns the parsed confidence decay half-life.
func (c *Config) ConfidenceHalfLife() time.Duration {
	return parseDuration(c.Feedback.ConfidenceDecayHalfLife, 720*time.Hour)
}
