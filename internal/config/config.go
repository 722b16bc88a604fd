// Package config provides configuration loading and structs for the kioku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Index      IndexConfig      `yaml:"index"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Vision     VisionConfig     `yaml:"vision"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Graph      GraphConfig      `yaml:"graph"`
	Search     SearchConfig     `yaml:"search"`
	Watch      WatchConfig      `yaml:"watch"`
}

// WatchConfig holds screenshot folder watch settings.
type WatchConfig struct {
	Directories    []string      `yaml:"directories"`
	Extensions     []string      `yaml:"extensions"`
	Recursive      *bool         `yaml:"recursive"`
	DeleteOnRemove bool          `yaml:"delete_on_remove"`
	Debounce       time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and derived indexes.
type StorageConfig struct {
	DatabasePath       string `yaml:"database_path"`
	KeywordIndexPath   string `yaml:"keyword_index_path"`
	VectorSnapshotPath string `yaml:"vector_snapshot_path"`
}

// IndexConfig selects the vector index implementation.
type IndexConfig struct {
	Type       string `yaml:"type"` // flat or bucket
	BucketBits int    `yaml:"bucket_bits"`
}

// OllamaConfig holds the model server connection.
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig holds text embedding settings.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"` // ollama or mock
	Model       string        `yaml:"model"`
	Dimensions  int           `yaml:"dimensions"`
	CacheSize   int           `yaml:"cache_size"`
	QueryPrefix *string       `yaml:"query_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
}

// QueryPrefixOrDefault returns the configured query prefix. An explicit empty
// string disables the prefix.
func (e *EmbeddingConfig) QueryPrefixOrDefault(def string) string {
	if e.QueryPrefix != nil {
		return *e.QueryPrefix
	}
	return def
}

// VisionConfig holds description and tagging settings.
type VisionConfig struct {
	Provider         string        `yaml:"provider"` // ollama or mock
	DescriptionModel string        `yaml:"description_model"`
	TaggingModel     string        `yaml:"tagging_model"`
	Temperature      float64       `yaml:"temperature"`
	Timeout          time.Duration `yaml:"timeout"`
	TaggingEnabled   bool          `yaml:"tagging_enabled"`
	Vocabulary       []string      `yaml:"vocabulary"`
	MaxTags          int           `yaml:"max_tags"`
}

// PipelineConfig holds embedding pipeline settings.
type PipelineConfig struct {
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
	Reprocess    string `yaml:"reprocess"` // skip or recompute
	ResumeOnBoot *bool  `yaml:"resume_on_boot"`
}

// ResumeOnBootOrDefault reports whether pending items are queued at startup; defaults to true.
func (p *PipelineConfig) ResumeOnBootOrDefault() bool {
	if p.ResumeOnBoot != nil {
		return *p.ResumeOnBoot
	}
	return true
}

// ResilienceConfig bounds calls to the model server.
type ResilienceConfig struct {
	MaxRetries        int           `yaml:"max_retries"` // negative disables retries
	InitialInterval   time.Duration `yaml:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// GraphConfig holds similarity graph settings.
type GraphConfig struct {
	Threshold    *float64 `yaml:"threshold"`
	MaxNeighbors int      `yaml:"max_neighbors"`
}

// ThresholdOrDefault returns the edge threshold, allowing an explicit 0.
func (g *GraphConfig) ThresholdOrDefault(def float64) float64 {
	if g.Threshold != nil {
		return *g.Threshold
	}
	return def
}

// SearchConfig holds query settings.
type SearchConfig struct {
	DefaultLimit     int     `yaml:"default_limit"`
	MaxLimit         int     `yaml:"max_limit"`
	ExploreLimit     int     `yaml:"explore_limit"`
	FileNameBoost    float64 `yaml:"keyword_filename_boost"`
	TagBoost         float64 `yaml:"keyword_tag_boost"`
	FuzzyEnabled     bool    `yaml:"fuzzy_enabled"`
	Fuzziness        int     `yaml:"fuzziness"`
}

// Load reads and parses the config file at path, applies environment
// overrides, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)
	cfg.expandPaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration with environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) expandPaths(configDir string) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	cfg.Storage.VectorSnapshotPath = expandPath(cfg.Storage.VectorSnapshotPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}
}

// Validate rejects values no component can run with.
func (cfg *Config) Validate() error {
	switch cfg.Index.Type {
	case "flat", "bucket":
	default:
		return fmt.Errorf("invalid index.type %q (want flat or bucket)", cfg.Index.Type)
	}
	switch cfg.Embedding.Provider {
	case "ollama", "mock":
	default:
		return fmt.Errorf("invalid embedding.provider %q (want ollama or mock)", cfg.Embedding.Provider)
	}
	switch cfg.Vision.Provider {
	case "ollama", "mock":
	default:
		return fmt.Errorf("invalid vision.provider %q (want ollama or mock)", cfg.Vision.Provider)
	}
	switch cfg.Pipeline.Reprocess {
	case "skip", "recompute":
	default:
		return fmt.Errorf("invalid pipeline.reprocess %q (want skip or recompute)", cfg.Pipeline.Reprocess)
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", cfg.Embedding.Dimensions)
	}
	if th := cfg.Graph.ThresholdOrDefault(0); th < 0 || th > 1 {
		return fmt.Errorf("graph.threshold must be within [0,1], got %v", th)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. ":memory:" and empty paths are kept.
func expandPath(path string, configDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
