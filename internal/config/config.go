// Package config resolves the runtime configuration from environment
// variables. Every knob has a default so a bare process starts in mock mode
// against a local data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapLookup builds an EnvLookup from a fixed map, for tests.
func MapLookup(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// Config is the resolved runtime configuration.
type Config struct {
	// LLM backend
	LLMBackendURL   string
	LLMAPIKey       string
	LLMModel        string
	LLMMock         bool
	LLMRetries      int
	LLMBackoffBase  time.Duration
	LLMTimeout      time.Duration
	LLMRateLimitRPS float64

	// Embeddings and semantic retrieval
	EmbeddingModel        string
	EmbeddingCacheSize    int
	SemanticDefaultK      int
	SemanticMinSimilarity float64
	SemanticMaxCandidates int

	// Orchestration
	MaxDecomposeDepth  int
	DefaultParallelism int
	TaskTimeout        time.Duration

	// Storage
	DataDir string

	// Memory
	MemoryEnabled bool
	MemoryDir     string

	// Caches
	EvalCacheSize int
	ToolCacheSize int
	ToolCacheTTL  time.Duration

	// Tools
	TavilyAPIKey string

	// Server
	ServerAddr string
	LogLevel   string
}

// Load resolves a Config from the given lookup (nil means process env).
func Load(lookup EnvLookup) (*Config, error) {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	cfg := &Config{
		LLMBackendURL:   getString(lookup, "LLM_BACKEND_URL", "http://localhost:11434/v1"),
		LLMAPIKey:       getString(lookup, "LLM_API_KEY", ""),
		LLMModel:        getString(lookup, "LLM_MODEL", "qwen3:8b"),
		LLMMock:         getBool(lookup, "LLM_MOCK", false),
		LLMRetries:      getInt(lookup, "LLM_RETRIES", 3),
		LLMBackoffBase:  getSecondsFloat(lookup, "LLM_BACKOFF_BASE", 500*time.Millisecond),
		LLMTimeout:      getSecondsInt(lookup, "LLM_TIMEOUT_SEC", 60*time.Second),
		LLMRateLimitRPS: getFloat(lookup, "LLM_RATE_LIMIT_RPS", 0),

		EmbeddingModel:        getString(lookup, "EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingCacheSize:    getInt(lookup, "EMBEDDING_CACHE_SIZE", 2048),
		SemanticDefaultK:      getInt(lookup, "SEMANTIC_DEFAULT_K", 5),
		SemanticMinSimilarity: getFloat(lookup, "SEMANTIC_MIN_SIMILARITY", 0.35),
		SemanticMaxCandidates: getInt(lookup, "SEMANTIC_MAX_CANDIDATES", 50),

		MaxDecomposeDepth:  getInt(lookup, "MAX_DECOMPOSE_DEPTH", 3),
		DefaultParallelism: getInt(lookup, "DEFAULT_PARALLELISM", 4),
		TaskTimeout:        getSecondsInt(lookup, "TASK_TIMEOUT_SEC", 10*time.Minute),

		DataDir: getString(lookup, "DATA_DIR", "./data"),

		MemoryEnabled: getBool(lookup, "MEMORY_ENABLED", false),

		EvalCacheSize: getInt(lookup, "EVAL_CACHE_SIZE", 512),
		ToolCacheSize: getInt(lookup, "TOOL_CACHE_SIZE", 128),
		ToolCacheTTL:  getSecondsInt(lookup, "TOOL_CACHE_TTL_SEC", 5*time.Minute),

		TavilyAPIKey: getString(lookup, "TAVILY_API_KEY", ""),

		ServerAddr: getString(lookup, "SERVER_ADDR", ":8000"),
		LogLevel:   getString(lookup, "GAGENT_LOG_LEVEL", "info"),
	}

	cfg.MemoryDir = getString(lookup, "MEMORY_DIR", filepath.Join(cfg.DataDir, "memory"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.LLMBackendURL == "" && !c.LLMMock {
		return fmt.Errorf("LLM_BACKEND_URL must be set when LLM_MOCK is false")
	}
	if c.LLMRetries < 0 {
		return fmt.Errorf("LLM_RETRIES must be >= 0, got %d", c.LLMRetries)
	}
	if c.MaxDecomposeDepth < 1 {
		return fmt.Errorf("MAX_DECOMPOSE_DEPTH must be >= 1, got %d", c.MaxDecomposeDepth)
	}
	if c.DefaultParallelism < 1 {
		return fmt.Errorf("DEFAULT_PARALLELISM must be >= 1, got %d", c.DefaultParallelism)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT_SEC must be positive")
	}
	if c.SemanticMinSimilarity < 0 || c.SemanticMinSimilarity > 1 {
		return fmt.Errorf("SEMANTIC_MIN_SIMILARITY must be in [0,1], got %v", c.SemanticMinSimilarity)
	}
	if c.EmbeddingCacheSize < 1 || c.EvalCacheSize < 1 || c.ToolCacheSize < 1 {
		return fmt.Errorf("cache sizes must be >= 1")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}

// String renders the configuration with the API key redacted.
func (c *Config) String() string {
	key := "(unset)"
	if c.LLMAPIKey != "" {
		key = "(redacted)"
	}
	return fmt.Sprintf(
		"backend=%s model=%s mock=%v api_key=%s retries=%d parallelism=%d max_depth=%d data_dir=%s",
		c.LLMBackendURL, c.LLMModel, c.LLMMock, key,
		c.LLMRetries, c.DefaultParallelism, c.MaxDecomposeDepth, c.DataDir,
	)
}

func getString(lookup EnvLookup, key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(lookup EnvLookup, key string, fallback int) int {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(lookup EnvLookup, key string, fallback float64) float64 {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(lookup EnvLookup, key string, fallback bool) bool {
	if v, ok := lookup(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

// getSecondsInt reads a whole-second count ("600" -> 10m).
func getSecondsInt(lookup EnvLookup, key string, fallback time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}

// getSecondsFloat reads a fractional second count ("0.5" -> 500ms).
func getSecondsFloat(lookup EnvLookup, key string, fallback time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && parsed > 0 {
			return time.Duration(parsed * float64(time.Second))
		}
	}
	return fallback
}
