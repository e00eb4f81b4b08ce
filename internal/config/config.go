// Package config loads the chatrecall configuration: hardcoded
// defaults, then .chatrecall.yaml from the data directory, then
// CHATRECALL_* environment overrides, validated as a whole. An invalid
// configuration is fatal at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// FileName is the config file looked up inside the data directory.
const FileName = ".chatrecall.yaml"

// Config is the complete chatrecall configuration.
type Config struct {
	Version    int              `yaml:"version"`
	DataDir    string           `yaml:"data_dir"`
	Server     ServerConfig     `yaml:"server"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Judge      JudgeConfig      `yaml:"judge"`
	Vectors    VectorsConfig    `yaml:"vectors"`
	Segmenter  SegmenterConfig  `yaml:"segmenter"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Indexing   IndexingConfig   `yaml:"indexing"`
}

// ServerConfig configures the MCP server surface.
type ServerConfig struct {
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "ollama" or "static". Static is the deterministic
	// hash embedder for offline and test use.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	OllamaHost string `yaml:"ollama_host"`
	CacheSize  int    `yaml:"cache_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// JudgeConfig configures the optional LLM relevance judge.
type JudgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	OllamaHost string `yaml:"ollama_host"`
	Timeout    string `yaml:"timeout"`
}

// VectorsConfig selects the vector store backend.
type VectorsConfig struct {
	// Backend is "hnsw" (default, embedded), "qdrant", or "memory".
	Backend          string `yaml:"backend"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// SegmenterConfig tunes dialog windowing.
type SegmenterConfig struct {
	Gap           string `yaml:"gap"`
	MinWindowSize int    `yaml:"min_window_size"`
	MaxWindowSize int    `yaml:"max_window_size"`
	Step          int    `yaml:"step"`

	// MinMessageChars drops messages shorter than this from windowing.
	MinMessageChars int `yaml:"min_message_chars"`
}

// RetrievalConfig tunes query fan-out, fusion, and the confidence
// gate. The gate thresholds are hot-reloadable; see Watcher.
type RetrievalConfig struct {
	RRFConstant      int     `yaml:"rrf_constant"`
	PerBranchLimit   int     `yaml:"per_branch_limit"`
	MaxVariants      int     `yaml:"max_variants"`
	HighThreshold    float64 `yaml:"high_threshold"`
	MediumThreshold  float64 `yaml:"medium_threshold"`
	RerankTopK       int     `yaml:"rerank_top_k"`
	NearDupThreshold float64 `yaml:"near_dup_threshold"`
	ExpandWindows    bool    `yaml:"expand_windows"`
}

// IndexingConfig tunes the background orchestrator.
type IndexingConfig struct {
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
	Backoff      string `yaml:"backoff"`
	MaxBackoff   string `yaml:"max_backoff"`
}

// New returns a Config with every default filled in.
func New() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			BatchSize:  32,
			CacheSize:  2048,
			MaxRetries: 3,
		},
		Judge: JudgeConfig{
			Enabled: false,
			Model:   "qwen3:0.6b",
			Timeout: "10s",
		},
		Vectors: VectorsConfig{
			Backend:          "hnsw",
			CollectionPrefix: "chatrecall_",
		},
		Segmenter: SegmenterConfig{
			Gap:             "30m",
			MinWindowSize:   4,
			MaxWindowSize:   12,
			Step:            6,
			MinMessageChars: 2,
		},
		Retrieval: RetrievalConfig{
			RRFConstant:      60,
			PerBranchLimit:   10,
			MaxVariants:      4,
			HighThreshold:    0.60,
			MediumThreshold:  0.35,
			RerankTopK:       10,
			NearDupThreshold: 0.98,
			ExpandWindows:    true,
		},
		Indexing: IndexingConfig{
			PollInterval: "30s",
			BatchSize:    64,
			Backoff:      "30s",
			MaxBackoff:   "5m",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".chatrecall")
	}
	return filepath.Join(home, ".chatrecall")
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load builds the effective configuration for a data directory:
// defaults, then .chatrecall.yaml if present, then CHATRECALL_*
// environment variables, then validation.
func Load(dir string) (*Config, error) {
	cfg := New()
	if dir != "" {
		cfg.DataDir = dir
	}

	path := Path(cfg.DataDir)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return recallerr.New(recallerr.ErrCodeConfigNotFound,
			fmt.Sprintf("read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return recallerr.ConfigError(fmt.Sprintf("parse config file %s", path), err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero values from other. Booleans that default
// to true cannot be distinguished from "not set", so ExpandWindows is
// paired with the rest of its section: any retrieval key present takes
// the parsed value.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.LogFile != "" {
		c.Server.LogFile = other.Server.LogFile
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}
	if other.Embeddings.MaxRetries != 0 {
		c.Embeddings.MaxRetries = other.Embeddings.MaxRetries
	}

	if other.Judge.Enabled {
		c.Judge.Enabled = true
	}
	if other.Judge.Model != "" {
		c.Judge.Model = other.Judge.Model
	}
	if other.Judge.OllamaHost != "" {
		c.Judge.OllamaHost = other.Judge.OllamaHost
	}
	if other.Judge.Timeout != "" {
		c.Judge.Timeout = other.Judge.Timeout
	}

	if other.Vectors.Backend != "" {
		c.Vectors.Backend = other.Vectors.Backend
	}
	if other.Vectors.QdrantURL != "" {
		c.Vectors.QdrantURL = other.Vectors.QdrantURL
	}
	if other.Vectors.QdrantAPIKey != "" {
		c.Vectors.QdrantAPIKey = other.Vectors.QdrantAPIKey
	}
	if other.Vectors.CollectionPrefix != "" {
		c.Vectors.CollectionPrefix = other.Vectors.CollectionPrefix
	}

	if other.Segmenter.Gap != "" {
		c.Segmenter.Gap = other.Segmenter.Gap
	}
	if other.Segmenter.MinWindowSize != 0 {
		c.Segmenter.MinWindowSize = other.Segmenter.MinWindowSize
	}
	if other.Segmenter.MaxWindowSize != 0 {
		c.Segmenter.MaxWindowSize = other.Segmenter.MaxWindowSize
	}
	if other.Segmenter.Step != 0 {
		c.Segmenter.Step = other.Segmenter.Step
	}
	if other.Segmenter.MinMessageChars != 0 {
		c.Segmenter.MinMessageChars = other.Segmenter.MinMessageChars
	}

	retrievalSet := other.Retrieval != RetrievalConfig{}
	if other.Retrieval.RRFConstant != 0 {
		c.Retrieval.RRFConstant = other.Retrieval.RRFConstant
	}
	if other.Retrieval.PerBranchLimit != 0 {
		c.Retrieval.PerBranchLimit = other.Retrieval.PerBranchLimit
	}
	if other.Retrieval.MaxVariants != 0 {
		c.Retrieval.MaxVariants = other.Retrieval.MaxVariants
	}
	if other.Retrieval.HighThreshold != 0 {
		c.Retrieval.HighThreshold = other.Retrieval.HighThreshold
	}
	if other.Retrieval.MediumThreshold != 0 {
		c.Retrieval.MediumThreshold = other.Retrieval.MediumThreshold
	}
	if other.Retrieval.RerankTopK != 0 {
		c.Retrieval.RerankTopK = other.Retrieval.RerankTopK
	}
	if other.Retrieval.NearDupThreshold != 0 {
		c.Retrieval.NearDupThreshold = other.Retrieval.NearDupThreshold
	}
	if retrievalSet {
		c.Retrieval.ExpandWindows = other.Retrieval.ExpandWindows
	}

	if other.Indexing.PollInterval != "" {
		c.Indexing.PollInterval = other.Indexing.PollInterval
	}
	if other.Indexing.BatchSize != 0 {
		c.Indexing.BatchSize = other.Indexing.BatchSize
	}
	if other.Indexing.Backoff != "" {
		c.Indexing.Backoff = other.Indexing.Backoff
	}
	if other.Indexing.MaxBackoff != "" {
		c.Indexing.MaxBackoff = other.Indexing.MaxBackoff
	}
}

// applyEnvOverrides applies CHATRECALL_* variables, the highest
// precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATRECALL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHATRECALL_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("CHATRECALL_LOG_FILE"); v != "" {
		c.Server.LogFile = v
	}
	if v := os.Getenv("CHATRECALL_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CHATRECALL_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CHATRECALL_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
		if c.Judge.OllamaHost == "" {
			c.Judge.OllamaHost = v
		}
	}
	if v := os.Getenv("CHATRECALL_JUDGE_ENABLED"); v != "" {
		c.Judge.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("CHATRECALL_VECTOR_BACKEND"); v != "" {
		c.Vectors.Backend = v
	}
	if v := os.Getenv("CHATRECALL_QDRANT_URL"); v != "" {
		c.Vectors.QdrantURL = v
	}
	if v := os.Getenv("CHATRECALL_QDRANT_API_KEY"); v != "" {
		c.Vectors.QdrantAPIKey = v
	}
	if v := os.Getenv("CHATRECALL_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.RRFConstant = k
		}
	}
	if v := os.Getenv("CHATRECALL_HIGH_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil && t > 0 && t <= 1 {
			c.Retrieval.HighThreshold = t
		}
	}
	if v := os.Getenv("CHATRECALL_MEDIUM_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil && t > 0 && t <= 1 {
			c.Retrieval.MediumThreshold = t
		}
	}
}

// Validate checks the effective configuration. The returned errors
// are fatal; serve refuses to start on any of them.
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" {
		return invalid("server.transport must be 'stdio', got %q", c.Server.Transport)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("server.log_level must be debug, info, warn, or error, got %q", c.Server.LogLevel)
	}

	switch strings.ToLower(c.Embeddings.Provider) {
	case "ollama", "static":
	default:
		return invalid("embeddings.provider must be 'ollama' or 'static', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize < 0 {
		return invalid("embeddings.batch_size must be non-negative, got %d", c.Embeddings.BatchSize)
	}

	switch strings.ToLower(c.Vectors.Backend) {
	case "hnsw", "memory":
	case "qdrant":
		if c.Vectors.QdrantURL == "" {
			return invalid("vectors.qdrant_url is required for the qdrant backend")
		}
	default:
		return invalid("vectors.backend must be 'hnsw', 'qdrant', or 'memory', got %q", c.Vectors.Backend)
	}

	if _, err := time.ParseDuration(c.Segmenter.Gap); err != nil {
		return invalid("segmenter.gap is not a duration: %q", c.Segmenter.Gap)
	}
	if c.Segmenter.MinWindowSize < 1 || c.Segmenter.MaxWindowSize < c.Segmenter.MinWindowSize {
		return invalid("segmenter window sizes must satisfy 1 <= min <= max, got min=%d max=%d",
			c.Segmenter.MinWindowSize, c.Segmenter.MaxWindowSize)
	}
	if c.Segmenter.Step < 1 {
		return invalid("segmenter.step must be at least 1, got %d", c.Segmenter.Step)
	}
	if c.Segmenter.MinMessageChars < 1 {
		return invalid("segmenter.min_message_chars must be at least 1, got %d", c.Segmenter.MinMessageChars)
	}

	if c.Retrieval.RRFConstant < 1 {
		return invalid("retrieval.rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	ht, mt := c.Retrieval.HighThreshold, c.Retrieval.MediumThreshold
	if mt <= 0 || ht <= mt || ht > 1 {
		return invalid("retrieval thresholds must satisfy 0 < medium < high <= 1, got medium=%.2f high=%.2f", mt, ht)
	}
	if c.Retrieval.NearDupThreshold <= 0 || c.Retrieval.NearDupThreshold > 1 {
		return invalid("retrieval.near_dup_threshold must be in (0, 1], got %.2f", c.Retrieval.NearDupThreshold)
	}

	for name, value := range map[string]string{
		"indexing.poll_interval": c.Indexing.PollInterval,
		"indexing.backoff":       c.Indexing.Backoff,
		"indexing.max_backoff":   c.Indexing.MaxBackoff,
		"judge.timeout":          c.Judge.Timeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return invalid("%s is not a duration: %q", name, value)
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return recallerr.ConfigError(fmt.Sprintf(format, args...), nil)
}

// Duration accessors. Validate guarantees these parse.

func (c SegmenterConfig) GapDuration() time.Duration {
	d, _ := time.ParseDuration(c.Gap)
	return d
}

func (c IndexingConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

func (c IndexingConfig) BackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.Backoff)
	return d
}

func (c IndexingConfig) MaxBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.MaxBackoff)
	return d
}

func (c JudgeConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// WriteYAML writes the configuration to path. Used by init to seed a
// starting config the operator can edit.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return recallerr.ConfigError("marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return recallerr.StorageError("write config file", err)
	}
	return nil
}
