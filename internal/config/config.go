// Package config loads bytesophos configuration from defaults, an optional
// YAML file and BYTESOPHOS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BYTESOPHOS_"

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Extract     ExtractConfig     `yaml:"extract"`
	Chunk       ChunkConfig       `yaml:"chunk"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Completion  CompletionConfig  `yaml:"completion"`
	Prompt      PromptConfig      `yaml:"prompt"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Indexer     IndexerConfig     `yaml:"indexer"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	AllowLocalPaths bool          `yaml:"allow_local_paths"` // accept server-side directories in POST /repos
}

// StorageConfig locates the database and the managed snapshot directory.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	SnapshotDir     string `yaml:"snapshot_dir"`
	MaxExtractBytes int64  `yaml:"max_extract_bytes"` // decompressed size cap for uploaded archives
	MaxExtractFiles int    `yaml:"max_extract_files"`
}

// LogConfig selects slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	Output string `yaml:"output"` // stdout | stderr
}

// ExtractConfig bounds document extraction.
type ExtractConfig struct {
	MaxFileBytes int64    `yaml:"max_file_bytes"`
	SkipDirs     []string `yaml:"skip_dirs"`
}

// ChunkConfig bounds chunk size.
type ChunkConfig struct {
	MaxChars int `yaml:"max_chars"`
	Overlap  int `yaml:"overlap"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // local | openai | jina
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimension  int           `yaml:"dimension"`
	BatchSize  int           `yaml:"batch_size"`
	Workers    int           `yaml:"workers"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst  int           `yaml:"rate_burst"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

// RetrievalConfig tunes hybrid ranking.
type RetrievalConfig struct {
	TopK           int           `yaml:"top_k"`
	CandidateLimit int           `yaml:"candidate_limit"`
	VectorWeight   float64       `yaml:"vector_weight"`
	LexicalWeight  float64       `yaml:"lexical_weight"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// CompletionConfig points at an OpenAI compatible chat endpoint.
type CompletionConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PromptConfig bounds what goes into the completion prompt.
type PromptConfig struct {
	MaxFiles            int     `yaml:"max_files"`
	MaxCharsPerFile     int     `yaml:"max_chars_per_file"`
	HistoryTurns        int     `yaml:"history_turns"`
	ModelContextTokens  int     `yaml:"model_context_tokens"`
	HistoryBudgetFactor float64 `yaml:"history_budget_factor"`
	MinScore            float64 `yaml:"min_score"`
}

// VectorIndexConfig selects the vector backend.
type VectorIndexConfig struct {
	Backend    string `yaml:"backend"` // sqlite | qdrant
	QdrantHost string `yaml:"qdrant_host"`
	QdrantPort int    `yaml:"qdrant_port"`
	Collection string `yaml:"collection"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
}

// IndexerConfig tunes the ingestion worker pool.
type IndexerConfig struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
}

// Default returns a configuration usable without any file or environment.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  200 << 20,
		},
		Storage: StorageConfig{
			DatabasePath:    filepath.Join(dataDir, "bytesophos.db"),
			SnapshotDir:     filepath.Join(dataDir, "repos"),
			MaxExtractBytes: 2 << 30,
			MaxExtractFiles: 100000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Extract: ExtractConfig{
			MaxFileBytes: 1 << 20,
		},
		Chunk: ChunkConfig{
			MaxChars: 10000,
			Overlap:  200,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			BatchSize:  16,
			Workers:    4,
			RateBurst:  1,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			CacheSize:  10000,
		},
		Retrieval: RetrievalConfig{
			TopK:           10,
			CandidateLimit: 50,
			VectorWeight:   0.6,
			LexicalWeight:  0.4,
			CacheSize:      1000,
			CacheTTL:       5 * time.Minute,
		},
		Completion: CompletionConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "qwen/qwen3-32b",
			Temperature: 0.2,
			Timeout:     60 * time.Second,
		},
		Prompt: PromptConfig{
			MaxFiles:            6,
			MaxCharsPerFile:     2500,
			HistoryTurns:        6,
			ModelContextTokens:  32000,
			HistoryBudgetFactor: 0.35,
		},
		VectorIndex: VectorIndexConfig{
			Backend:    "sqlite",
			QdrantHost: "localhost",
			QdrantPort: 6334,
			Collection: "bytesophos_chunks",
		},
		Indexer: IndexerConfig{
			Workers:   runtime.NumCPU(),
			BatchSize: 20,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bytesophos"
	}
	return filepath.Join(home, ".bytesophos")
}

// Load builds a configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from BYTESOPHOS_* variables.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}

	str("ADDR", &c.Server.Addr)
	if v, ok := os.LookupEnv(EnvPrefix + "ALLOW_LOCAL_PATHS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sALLOW_LOCAL_PATHS: %w", EnvPrefix, err))
		} else {
			c.Server.AllowLocalPaths = b
		}
	}
	str("DATABASE_PATH", &c.Storage.DatabasePath)
	str("SNAPSHOT_DIR", &c.Storage.SnapshotDir)
	num("MAX_EXTRACT_FILES", &c.Storage.MaxExtractFiles)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_OUTPUT", &c.Log.Output)

	num("CHUNK_MAX_CHARS", &c.Chunk.MaxChars)
	num("CHUNK_OVERLAP", &c.Chunk.Overlap)

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	str("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	num("EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)
	num("EMBEDDING_WORKERS", &c.Embedding.Workers)
	flt("EMBEDDING_RATE_LIMIT", &c.Embedding.RateLimit)

	num("TOP_K", &c.Retrieval.TopK)
	flt("VECTOR_WEIGHT", &c.Retrieval.VectorWeight)
	flt("LEXICAL_WEIGHT", &c.Retrieval.LexicalWeight)

	str("COMPLETION_BASE_URL", &c.Completion.BaseURL)
	str("COMPLETION_API_KEY", &c.Completion.APIKey)
	str("COMPLETION_MODEL", &c.Completion.Model)
	flt("MIN_SCORE", &c.Prompt.MinScore)

	str("VECTOR_BACKEND", &c.VectorIndex.Backend)
	str("QDRANT_HOST", &c.VectorIndex.QdrantHost)
	num("QDRANT_PORT", &c.VectorIndex.QdrantPort)
	str("QDRANT_API_KEY", &c.VectorIndex.APIKey)

	num("INDEXER_WORKERS", &c.Indexer.Workers)

	// Provider keys under their conventional names.
	if c.Completion.APIKey == "" {
		c.Completion.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "jina":
			c.Embedding.APIKey = os.Getenv("JINA_API_KEY")
		}
	}

	return errors.Join(errs...)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DatabasePath == "" {
		errs = append(errs, errors.New("storage.database_path is required"))
	}
	if c.Chunk.MaxChars <= 0 {
		errs = append(errs, errors.New("chunk.max_chars must be positive"))
	}
	if c.Chunk.Overlap < 0 {
		errs = append(errs, errors.New("chunk.overlap must not be negative"))
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "local", "openai", "jina":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 100 {
		errs = append(errs, errors.New("embedding.batch_size must be between 1 and 100"))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 ||
		c.Retrieval.VectorWeight+c.Retrieval.LexicalWeight == 0 {
		errs = append(errs, errors.New("retrieval weights must be non-negative and not both zero"))
	}
	switch c.VectorIndex.Backend {
	case "sqlite", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vector_index.backend %q is not supported", c.VectorIndex.Backend))
	}
	if c.Prompt.MinScore < 0 || c.Prompt.MinScore > 1 {
		errs = append(errs, errors.New("prompt.min_score must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
