// Package config loads the archivist service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/search"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the file the CLI reads when no --config flag is given.
const DefaultPath = "archivist.yaml"

// Config holds the archivist configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig locates the badger database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestionConfig tunes the scheduler and its workers.
type IngestionConfig struct {
	Workers         int           `yaml:"workers"`
	PerCollection   int           `yaml:"per_collection"` // 0 = no per-collection cap
	PollInterval    time.Duration `yaml:"poll_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	EmbedRetries    int           `yaml:"embed_retries"`
	EmbedRetryDelay time.Duration `yaml:"embed_retry_delay"`
	EmbedRate       float64       `yaml:"embed_rate"` // requests per second per collection, 0 = unlimited
	EmbedBurst      int           `yaml:"embed_burst"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Host    string        `yaml:"host"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetrievalConfig tunes query execution.
type RetrievalConfig struct {
	Overfetch     int     `yaml:"overfetch"`
	MaxTopK       int     `yaml:"max_top_k"`
	VerbatimBoost float32 `yaml:"verbatim_boost"`
}

// ChunkingConfig is the policy given to collections created without one.
type ChunkingConfig struct {
	Strategy string `yaml:"strategy"`
	MaxChars int    `yaml:"max_chars"`
	Overlap  int    `yaml:"overlap"`
}

// Policy converts the configured defaults to a chunk policy.
func (c ChunkingConfig) Policy() core.ChunkPolicy {
	return core.ChunkPolicy{Strategy: c.Strategy, MaxChars: c.MaxChars, Overlap: c.Overlap}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// LoadIfExists is Load, except that a missing file yields the defaults.
func LoadIfExists(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML after substituting environment variables.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnvVars(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Storage.Path == "" && !c.Storage.InMemory {
		c.Storage.Path = "./archivist_db"
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}

	if c.Ingestion.Workers <= 0 {
		c.Ingestion.Workers = 4
	}
	if c.Ingestion.PollInterval <= 0 {
		c.Ingestion.PollInterval = ingestion.DefaultPollInterval
	}
	if c.Ingestion.LivenessTimeout <= 0 {
		c.Ingestion.LivenessTimeout = ingestion.DefaultLivenessTimeout
	}
	if c.Ingestion.EmbedRetries <= 0 {
		c.Ingestion.EmbedRetries = ingestion.DefaultEmbedAttempts
	}
	if c.Ingestion.EmbedRetryDelay <= 0 {
		c.Ingestion.EmbedRetryDelay = ingestion.DefaultEmbedRetryDelay
	}
	if c.Ingestion.EmbedRate > 0 && c.Ingestion.EmbedBurst <= 0 {
		c.Ingestion.EmbedBurst = 1
	}

	defaults := ai.DefaultConfig()
	if c.Embedding.Host == "" {
		c.Embedding.Host = defaults.Host
	}
	if c.Embedding.Token == "" {
		c.Embedding.Token = defaults.Token
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = defaults.Timeout
	}

	if c.Retrieval.Overfetch <= 0 {
		c.Retrieval.Overfetch = search.DefaultOverfetch
	}
	if c.Retrieval.MaxTopK <= 0 {
		c.Retrieval.MaxTopK = search.DefaultMaxTopK
	}

	policy := core.NormalizeChunkPolicy(c.Chunking.Policy())
	c.Chunking = ChunkingConfig{Strategy: policy.Strategy, MaxChars: policy.MaxChars, Overlap: policy.Overlap}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage.path is required unless storage.in_memory is set")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Ingestion.PerCollection < 0 {
		return fmt.Errorf("ingestion.per_collection cannot be negative, got %d", c.Ingestion.PerCollection)
	}
	if c.Ingestion.PerCollection > c.Ingestion.Workers {
		return fmt.Errorf("ingestion.per_collection (%d) exceeds ingestion.workers (%d)",
			c.Ingestion.PerCollection, c.Ingestion.Workers)
	}
	if c.Ingestion.EmbedRate < 0 {
		return fmt.Errorf("ingestion.embed_rate cannot be negative, got %v", c.Ingestion.EmbedRate)
	}
	if u, err := url.Parse(c.Embedding.Host); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("embedding.host must be an http(s) URL, got %q", c.Embedding.Host)
	}
	if c.Retrieval.VerbatimBoost < 0 {
		return fmt.Errorf("retrieval.verbatim_boost cannot be negative, got %v", c.Retrieval.VerbatimBoost)
	}
	if err := core.ValidateChunkPolicy(c.Chunking.Policy()); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// AIConfig converts the embedding section to the provider configuration.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithHost(c.Embedding.Host),
		ai.WithToken(c.Embedding.Token),
		ai.WithTimeout(c.Embedding.Timeout),
	)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", level)
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, fallback, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = fallback
		}
		return []byte(val)
	})
}
