// Package config loads the gateway configuration from YAML with environment
// variable expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole gateway configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Compaction CompactionConfig `yaml:"compaction"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Policy     PolicyConfig     `yaml:"policy"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type GatewayConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
}

type LLMConfig struct {
	APIKey                string `yaml:"api_key"`
	BaseURL               string `yaml:"base_url"`
	ModelName             string `yaml:"model_name"`
	SummarizationModel    string `yaml:"summarization_model"`
	MemoryExtractionModel string `yaml:"memory_extraction_model"`
	EmbeddingModel        string `yaml:"embedding_model"`
	EmbeddingDim          int    `yaml:"embedding_dim"`
	ContextWindow         int    `yaml:"context_window"`
}

type MemoryConfig struct {
	MinImportance   int              `yaml:"min_importance"`
	Embeddings      EmbeddingsConfig `yaml:"embeddings"`
	VectorScanLimit int              `yaml:"vector_scan_limit"`
	VectorTopK      int              `yaml:"vector_top_k"`
	Retrieval       RetrievalConfig  `yaml:"retrieval"`
	LexicalWeight   float64          `yaml:"lexical_weight"`
	VectorWeight    float64          `yaml:"vector_weight"`
}

type EmbeddingsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type RetrievalConfig struct {
	RecentTurnsLimit int `yaml:"recent_turns_limit"`
	StructuredLimit  int `yaml:"structured_limit"`
}

type CompactionConfig struct {
	Threshold       float64 `yaml:"threshold"`
	KeepRecentTurns int     `yaml:"keep_recent_turns"`
	MinTurns        int     `yaml:"min_turns"`
}

type TasksConfig struct {
	AttachWindowS   int `yaml:"attach_window_s"`
	AutoCloseAfterS int `yaml:"auto_close_after_s"`
}

type PolicyConfig struct {
	Path  string   `yaml:"path"`
	Allow []string `yaml:"allow"`
	Ask   []string `yaml:"ask"`
	Deny  []string `yaml:"deny"`
}

type RotationConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	KeepDays     int   `yaml:"keep_days"`
	KeepMaxFiles int   `yaml:"keep_max_files"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// EmbeddingsEnabled resolves the tri-state flag (default true).
func (c *Config) EmbeddingsEnabled() bool {
	if c.Memory.Embeddings.Enabled == nil {
		return true
	}
	return *c.Memory.Embeddings.Enabled
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 3336
	}
	if cfg.Gateway.PermissionTimeout == 0 {
		cfg.Gateway.PermissionTimeout = 5 * time.Minute
	}
	if cfg.LLM.ModelName == "" {
		cfg.LLM.ModelName = "gpt-4o"
	}
	if cfg.LLM.SummarizationModel == "" {
		cfg.LLM.SummarizationModel = "gpt-4o-mini"
	}
	if cfg.LLM.MemoryExtractionModel == "" {
		cfg.LLM.MemoryExtractionModel = "gpt-4o-mini"
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.LLM.EmbeddingDim == 0 {
		cfg.LLM.EmbeddingDim = 1536
	}
	if cfg.LLM.ContextWindow == 0 {
		cfg.LLM.ContextWindow = 128000
	}
	if cfg.Memory.MinImportance == 0 {
		cfg.Memory.MinImportance = 6
	}
	if cfg.Memory.VectorScanLimit == 0 {
		cfg.Memory.VectorScanLimit = 2000
	}
	if cfg.Memory.VectorTopK == 0 {
		cfg.Memory.VectorTopK = 50
	}
	if cfg.Memory.Retrieval.RecentTurnsLimit == 0 {
		cfg.Memory.Retrieval.RecentTurnsLimit = 8
	}
	if cfg.Memory.Retrieval.StructuredLimit == 0 {
		cfg.Memory.Retrieval.StructuredLimit = 5
	}
	if cfg.Memory.LexicalWeight == 0 && cfg.Memory.VectorWeight == 0 {
		cfg.Memory.LexicalWeight = 0.4
		cfg.Memory.VectorWeight = 0.6
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = 0.6
	}
	if cfg.Compaction.KeepRecentTurns == 0 {
		cfg.Compaction.KeepRecentTurns = 30
	}
	if cfg.Compaction.MinTurns == 0 {
		cfg.Compaction.MinTurns = 40
	}
	if cfg.Tasks.AttachWindowS == 0 {
		cfg.Tasks.AttachWindowS = 1800
	}
	if cfg.Tasks.AutoCloseAfterS == 0 {
		cfg.Tasks.AutoCloseAfterS = 21600
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = "agent_blob.json"
	}
	if cfg.Rotation.MaxBytes == 0 {
		cfg.Rotation.MaxBytes = 10 << 20
	}
	if cfg.Rotation.KeepDays == 0 {
		cfg.Rotation.KeepDays = 30
	}
	if cfg.Rotation.KeepMaxFiles == 0 {
		cfg.Rotation.KeepMaxFiles = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
