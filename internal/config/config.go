package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server         ServerConfig     `yaml:"server,omitempty"`
	Storage        StorageConfig    `yaml:"storage,omitempty"`
	Embedding      EmbeddingConfig  `yaml:"embedding"`
	JointEmbedding EmbeddingConfig  `yaml:"joint_embedding,omitempty"`
	Generation     GenerationConfig `yaml:"generation"`
	Retrieval      RetrievalConfig  `yaml:"retrieval,omitempty"`
	Ingest         IngestConfig     `yaml:"ingest,omitempty"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr         string        `yaml:"addr,omitempty"`          // listen address, default :8000
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`  // default 30s
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"` // 0 = unlimited, required for streaming
}

// StorageConfig holds on-disk paths for the record store and indexes
type StorageConfig struct {
	// Path to SQLite database file
	// If empty, uses ~/.aegisrag/data/aegisrag.db
	DatabasePath string `yaml:"database_path,omitempty"`

	// Directory for text index snapshots
	// If empty, uses ~/.aegisrag/index/text
	TextIndexDir string `yaml:"text_index_dir,omitempty"`

	// Directory for joint (image) index snapshots
	// If empty, uses ~/.aegisrag/index/joint
	JointIndexDir string `yaml:"joint_index_dir,omitempty"`
}

// EmbeddingConfig holds embedding service configuration
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai" | "ollama"

	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`

	Dimensions int           `yaml:"dimensions,omitempty"`
	BatchSize  int           `yaml:"batch_size,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// GenerationConfig holds the answer generator configuration
type GenerationConfig struct {
	BaseURL     string        `yaml:"base_url,omitempty"` // Ollama endpoint
	Model       string        `yaml:"model,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"` // per-header, not per-stream
}

// RetrievalConfig holds query-time tuning
type RetrievalConfig struct {
	TopK              int      `yaml:"top_k,omitempty"`              // merged results kept, default 5
	DistanceThreshold float32  `yaml:"distance_threshold,omitempty"` // joint index gate, default 1.0
	ContextChars      int      `yaml:"context_chars,omitempty"`      // context block budget, default 4000
	VisualCues        []string `yaml:"visual_cues,omitempty"`        // words that trigger the joint index
	HistoryMessages   int      `yaml:"history_messages,omitempty"`   // prior turns sent to the generator, default 3
}

// IngestConfig holds upload limits
type IngestConfig struct {
	MaxUploadBytes    int64 `yaml:"max_upload_bytes,omitempty"`    // default 50 MiB
	SentencesPerChunk int   `yaml:"sentences_per_chunk,omitempty"` // default 5
	SentenceOverlap   int   `yaml:"sentence_overlap,omitempty"`    // default 1
}

// Load loads configuration from the default config file
// Default location: ~/.aegisrag/config/aegisrag.yaml
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".aegisrag", "config", "aegisrag.yaml")
	return LoadFromFile(configPath)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			homeDir, _ := os.UserHomeDir()
			defaultPath := filepath.Join(homeDir, ".aegisrag", "config", "aegisrag.yaml")
			return nil, &ConfigNotFoundError{
				RequestedPath: path,
				DefaultPath:   defaultPath,
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ConfigNotFoundError is returned when config file is not found
type ConfigNotFoundError struct {
	RequestedPath string
	DefaultPath   string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found at: %s\n\nDefault location: %s\n\nYou can:\n"+
		"  1. Create the config file at the default location\n"+
		"  2. Specify a custom path with --config flag\n"+
		"  3. See 'aegisrag init' for help creating a config file",
		e.RequestedPath, e.DefaultPath)
}

// IsConfigNotFound checks if error is config not found
func IsConfigNotFound(err error) bool {
	_, ok := err.(*ConfigNotFoundError)
	return ok
}

// expandPath expands ~ and $HOME to the user's home directory
// Supports both:
//
//	~/.aegisrag/data/aegisrag.db
//	$HOME/.aegisrag/data/aegisrag.db
func expandPath(path string) string {
	if strings.HasPrefix(path, "$HOME/") || path == "$HOME" {
		homeDir := os.Getenv("HOME")
		if homeDir == "" {
			var err error
			homeDir, err = os.UserHomeDir()
			if err != nil {
				return path
			}
		}
		if path == "$HOME" {
			return homeDir
		}
		return filepath.Join(homeDir, path[6:])
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return homeDir
		}
		return filepath.Join(homeDir, path[2:])
	}

	return path
}

func defaultUnder(parts ...string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(append([]string{homeDir, ".aegisrag"}, parts...)...)
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = defaultUnder("data", "aegisrag.db")
	} else {
		c.Storage.DatabasePath = expandPath(c.Storage.DatabasePath)
	}
	if c.Storage.TextIndexDir == "" {
		c.Storage.TextIndexDir = defaultUnder("index", "text")
	} else {
		c.Storage.TextIndexDir = expandPath(c.Storage.TextIndexDir)
	}
	if c.Storage.JointIndexDir != "" {
		c.Storage.JointIndexDir = expandPath(c.Storage.JointIndexDir)
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 32
	}
	if c.JointEmbedding.Provider != "" && c.JointEmbedding.APIKey == "" {
		c.JointEmbedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if c.Generation.BaseURL == "" {
		c.Generation.BaseURL = "http://localhost:11434"
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "llama3.2"
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 256
	}

	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.DistanceThreshold == 0 {
		c.Retrieval.DistanceThreshold = 1.0
	}
	if c.Retrieval.ContextChars == 0 {
		c.Retrieval.ContextChars = 4000
	}
	if c.Retrieval.HistoryMessages == 0 {
		c.Retrieval.HistoryMessages = 3
	}

	if c.Ingest.MaxUploadBytes == 0 {
		c.Ingest.MaxUploadBytes = 50 << 20
	}
	if c.Ingest.SentencesPerChunk == 0 {
		c.Ingest.SentencesPerChunk = 5
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("openai provider requires api_key (or OPENAI_API_KEY)")
		}
	case "ollama":
		// no credentials needed
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}

	if c.JointEmbedding.Provider != "" {
		switch c.JointEmbedding.Provider {
		case "openai":
			if c.JointEmbedding.APIKey == "" {
				return fmt.Errorf("joint_embedding openai provider requires api_key (or OPENAI_API_KEY)")
			}
		case "ollama":
		default:
			return fmt.Errorf("unsupported joint_embedding provider: %s", c.JointEmbedding.Provider)
		}
		if c.Storage.JointIndexDir == "" {
			return fmt.Errorf("joint_embedding requires storage.joint_index_dir")
		}
	}

	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 512 {
		return fmt.Errorf("batch_size must be between 1 and 512, got: %d", c.Embedding.BatchSize)
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 100 {
		return fmt.Errorf("top_k must be between 1 and 100, got: %d", c.Retrieval.TopK)
	}
	if c.Retrieval.DistanceThreshold < 0 {
		return fmt.Errorf("distance_threshold must not be negative, got: %v", c.Retrieval.DistanceThreshold)
	}

	if c.Ingest.SentenceOverlap >= c.Ingest.SentencesPerChunk {
		return fmt.Errorf("sentence_overlap (%d) must be smaller than sentences_per_chunk (%d)",
			c.Ingest.SentenceOverlap, c.Ingest.SentencesPerChunk)
	}

	return nil
}

// Save saves the configuration to the default location
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".aegisrag", "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "aegisrag.yaml")
	return c.SaveToFile(configPath)
}

// SaveToFile saves the configuration to a specific file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

const defaultConfigTemplate = `# AegisRAG Configuration
#
# Copy and edit this file for your environment.
# Default location: $HOME/.aegisrag/config/aegisrag.yaml

server:
  addr: ":8000"

storage:
  database_path: ~/.aegisrag/data/aegisrag.db
  text_index_dir: ~/.aegisrag/index/text
  # joint_index_dir: ~/.aegisrag/index/joint

embedding:
  # Provider: "ollama" or "openai"
  provider: ollama
  base_url: http://localhost:11434
  model: nomic-embed-text
  dimensions: 768
  batch_size: 32

  # OpenAI configuration (alternative)
  # provider: openai
  # api_key: your-openai-api-key   # or set OPENAI_API_KEY
  # model: text-embedding-3-small
  # dimensions: 1536
  # batch_size: 100

# Enable to index images alongside text
# joint_embedding:
#   provider: ollama
#   model: your-multimodal-embedding-model
#   dimensions: 512

generation:
  base_url: http://localhost:11434
  model: llama3.2
  max_tokens: 256
  temperature: 0.0

retrieval:
  top_k: 5
  distance_threshold: 1.0
  context_chars: 4000
  history_messages: 3

ingest:
  max_upload_bytes: 52428800
  sentences_per_chunk: 5
  sentence_overlap: 1
`

// WriteDefaultTemplate creates a default configuration file if it does not exist.
// It returns true if a file was created, false if it already existed.
func WriteDefaultTemplate(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return false, fmt.Errorf("failed to write config template: %w", err)
	}

	return true, nil
}
