// Package config holds all chronofact configuration. Configuration is read
// once at startup from YAML with environment overrides; the tunable subset
// (retrieval weights, memory rates) can optionally be hot-reloaded through
// the watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chronofact configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Vector store connection
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// Embedding providers
	Embedder EmbedderConfig `yaml:"embedder"`

	// Structured generator
	Generator GeneratorConfig `yaml:"generator"`

	// Process-wide limits
	Limits LimitsConfig `yaml:"limits"`

	// Hybrid retrieval tuning
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Session memory evolution
	Memory MemoryConfig `yaml:"memory"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	Mode        string `yaml:"mode"` // memory, local, docker, cloud
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	StoragePath string `yaml:"storage_path"`
	PoolSize    int    `yaml:"pool_size"`
	PoolWait    string `yaml:"pool_wait"`
}

// EmbedderConfig configures the text and multimodal embedding engines.
type EmbedderConfig struct {
	Provider             string  `yaml:"provider"` // genai, ollama
	APIKey               string  `yaml:"api_key"`
	TextModel            string  `yaml:"text_model"`
	TextDimensions       int     `yaml:"text_dimensions"`
	OllamaEndpoint       string  `yaml:"ollama_endpoint"`
	MultimodalEndpoint   string  `yaml:"multimodal_endpoint"`
	MultimodalModel      string  `yaml:"multimodal_model"`
	MultimodalDimensions int     `yaml:"multimodal_dimensions"`
	Fusion               string  `yaml:"fusion"` // text_only, image_only, mean, text_weighted, image_weighted
	FusionAlpha          float64 `yaml:"fusion_alpha"`
}

// GeneratorConfig configures the structured-output LLM provider.
type GeneratorConfig struct {
	Provider        string `yaml:"provider"` // gemini, openai
	Model           string `yaml:"model"`
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	Timeout         string `yaml:"timeout"`
}

// LimitsConfig bounds per-request and process-wide resource use.
type LimitsConfig struct {
	RequestDeadline string `yaml:"request_deadline"`
	LLMRatePerMin   int    `yaml:"llm_rate_per_min"`
	LLMBurst        int    `yaml:"llm_burst"`
	ImageMaxBytes   int64  `yaml:"image_max_bytes"`
}

// RetrievalConfig tunes hybrid fusion and the diversity pass.
type RetrievalConfig struct {
	Weights         WeightsConfig   `yaml:"weights"`
	RRFK            int             `yaml:"rrf_k"`
	FetchMultiplier int             `yaml:"fetch_multiplier"`
	Diversity       DiversityConfig `yaml:"diversity"`
}

// WeightsConfig are the fusion weights: dense, sparse, multimodal rank
// contributions plus the credibility term.
type WeightsConfig struct {
	Dense       float64 `yaml:"dense"`
	Sparse      float64 `yaml:"sparse"`
	Multimodal  float64 `yaml:"multimodal"`
	Credibility float64 `yaml:"credibility"`
}

// DiversityConfig caps author/domain concentration in retrieval output.
type DiversityConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MaxAuthorRatio      float64 `yaml:"max_author_ratio"`
	MaxDomainRatio      float64 `yaml:"max_domain_ratio"`
	MinReplacementRatio float64 `yaml:"min_replacement_ratio"`
}

// MemoryConfig tunes the memory evolution engine.
type MemoryConfig struct {
	DecayRates             DecayRatesConfig `yaml:"decay_rates"`
	TauDelete              float64          `yaml:"tau_delete"`
	ReinforceBeta          float64          `yaml:"reinforce_beta"`
	ConsolidationThreshold float64          `yaml:"consolidation_threshold"`
	SweepInterval          string           `yaml:"sweep_interval"`
	QueueSize              int              `yaml:"queue_size"`
}

// DecayRatesConfig holds per-type decay rates in score-fraction per day.
type DecayRatesConfig struct {
	Interaction float64 `yaml:"interaction"`
	Fact        float64 `yaml:"fact"`
	Preference  float64 `yaml:"preference"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxConnections int    `yaml:"max_connections"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	CORSEnabled    bool   `yaml:"cors_enabled"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chronofact",
		Version: "0.4.0",

		VectorStore: VectorStoreConfig{
			Mode:        "memory",
			URL:         "localhost:6334",
			StoragePath: "data/chronofact.db",
			PoolSize:    16,
			PoolWait:    "2s",
		},

		Embedder: EmbedderConfig{
			Provider:             "genai",
			TextModel:            "text-embedding-004",
			TextDimensions:       384,
			OllamaEndpoint:       "http://localhost:11434",
			MultimodalEndpoint:   "http://localhost:8089",
			MultimodalModel:      "clip-vit-base-patch32",
			MultimodalDimensions: 512,
			Fusion:               "text_weighted",
			FusionAlpha:          0.7,
		},

		Generator: GeneratorConfig{
			Provider:        "gemini",
			Model:           "gemini-2.0-flash",
			MaxOutputTokens: 8192,
			Timeout:         "120s",
		},

		Limits: LimitsConfig{
			RequestDeadline: "30s",
			LLMRatePerMin:   60,
			LLMBurst:        10,
			ImageMaxBytes:   8 << 20,
		},

		Retrieval: RetrievalConfig{
			Weights: WeightsConfig{
				Dense:       0.55,
				Sparse:      0.25,
				Multimodal:  0.15,
				Credibility: 0.05,
			},
			RRFK:            60,
			FetchMultiplier: 3,
			Diversity: DiversityConfig{
				Enabled:             true,
				MaxAuthorRatio:      0.30,
				MaxDomainRatio:      0.40,
				MinReplacementRatio: 0.85,
			},
		},

		Memory: MemoryConfig{
			DecayRates: DecayRatesConfig{
				Interaction: 0.02,
				Fact:        0.005,
				Preference:  0.01,
			},
			TauDelete:              0.2,
			ReinforceBeta:          0.1,
			ConsolidationThreshold: 0.85,
			SweepInterval:          "1h",
			QueueSize:              256,
		},

		Server: ServerConfig{
			Addr:           ":8000",
			MaxConnections: 256,
			ReadTimeout:    "15s",
			WriteTimeout:   "60s",
			CORSEnabled:    true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

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
	// Generator API key from environment (check in priority order)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.Generator.Provider == "" || c.Generator.Provider == "gemini" {
			c.Generator.APIKey = key
			c.Generator.Provider = "gemini"
		}
		// The genai text embedder shares the key.
		if c.Embedder.Provider == "genai" && c.Embedder.APIKey == "" {
			c.Embedder.APIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Generator.Provider == "openai" || c.Generator.APIKey == "" {
			c.Generator.APIKey = key
			c.Generator.Provider = "openai"
		}
	}

	if url := os.Getenv("QDRANT_URL"); url != "" {
		c.VectorStore.URL = url
		if c.VectorStore.Mode == "memory" || c.VectorStore.Mode == "local" {
			c.VectorStore.Mode = "docker"
		}
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		c.VectorStore.APIKey = key
		c.VectorStore.Mode = "cloud"
	}
	if mode := os.Getenv("CHRONOFACT_STORE_MODE"); mode != "" {
		c.VectorStore.Mode = mode
	}
	if path := os.Getenv("CHRONOFACT_STORE_PATH"); path != "" {
		c.VectorStore.StoragePath = path
	}
	if ep := os.Getenv("CLIP_ENDPOINT"); ep != "" {
		c.Embedder.MultimodalEndpoint = ep
	}
	if ep := os.Getenv("OLLAMA_ENDPOINT"); ep != "" {
		c.Embedder.OllamaEndpoint = ep
	}
	if addr := os.Getenv("CHRONOFACT_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.VectorStore.Mode {
	case "memory", "local", "docker", "cloud":
	default:
		return fmt.Errorf("invalid vector_store.mode %q", c.VectorStore.Mode)
	}
	if c.VectorStore.Mode == "cloud" && c.VectorStore.APIKey == "" {
		return fmt.Errorf("vector_store.api_key is required for cloud mode")
	}
	switch c.Generator.Provider {
	case "gemini", "openai", "mock":
	default:
		return fmt.Errorf("invalid generator.provider %q", c.Generator.Provider)
	}
	if c.Generator.Provider != "mock" && c.Generator.APIKey == "" {
		return fmt.Errorf("generator.api_key is required for provider %q", c.Generator.Provider)
	}
	if c.Embedder.TextDimensions <= 0 || c.Embedder.MultimodalDimensions <= 0 {
		return fmt.Errorf("embedder dimensions must be positive")
	}
	if w := c.Retrieval.Weights; w.Dense < 0 || w.Sparse < 0 || w.Multimodal < 0 || w.Credibility < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Memory.TauDelete <= 0 || c.Memory.TauDelete >= 1 {
		return fmt.Errorf("memory.tau_delete must be in (0,1)")
	}
	if c.Memory.ReinforceBeta <= 0 || c.Memory.ReinforceBeta > 1 {
		return fmt.Errorf("memory.reinforce_beta must be in (0,1]")
	}
	if c.Limits.ImageMaxBytes <= 0 {
		return fmt.Errorf("limits.image_max_bytes must be positive")
	}
	return nil
}

// GetRequestDeadline returns the per-request deadline as a duration.
func (c *Config) GetRequestDeadline() time.Duration {
	d, err := time.ParseDuration(c.Limits.RequestDeadline)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetGeneratorTimeout returns the LLM call timeout as a duration.
func (c *Config) GetGeneratorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generator.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetPoolWait returns the bounded wait for a store connection.
func (c *Config) GetPoolWait() time.Duration {
	d, err := time.ParseDuration(c.VectorStore.PoolWait)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetSweepInterval returns the decay/consolidation sweep period.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Memory.SweepInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetReadTimeout returns the server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ReadTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetWriteTimeout returns the server write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.WriteTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
