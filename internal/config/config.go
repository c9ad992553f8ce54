// Package config loads tweetkb runtime configuration.
//
// Configuration is read once at startup from environment variables and
// never re-read; invalid configuration is fatal before any task runs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/randalmurphal/tweetkb/internal/errors"
)

// Backend names recognized by INFERENCE_BACKEND.
const (
	BackendOllama       = "ollama"
	BackendOpenAICompat = "openai-compat"
)

// BackendConfig holds per-backend HTTP client settings.
type BackendConfig struct {
	URL                string
	APIKey             string // sent as a Bearer token when set
	Timeout            time.Duration
	MaxRetries         int
	ConcurrentRequests int
}

// ModelConfig selects a model and whether it runs in reasoning mode.
type ModelConfig struct {
	Name     string
	Thinking bool
}

// Models holds the model selection for each pipeline concern.
type Models struct {
	Text           ModelConfig
	Vision         ModelConfig
	Embedding      ModelConfig
	Categorization ModelConfig
	Fallback       ModelConfig
}

// Storage holds filesystem and database locations.
type Storage struct {
	ProjectRoot       string
	DataProcessingDir string
	MediaCacheDir     string
	KBRoot            string
	DatabaseURL       string
}

// Events holds event bus settings.
type Events struct {
	RedisProgressURL string // empty = in-process bus only
	RedisLogsURL     string
	RatePerSecond    int
	RatePerMinute    int
	BatchSize        int
	BatchMaxAge      time.Duration
}

// Workers holds worker pool settings.
type Workers struct {
	Concurrency       int
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
}

// Config is the complete tweetkb runtime configuration.
type Config struct {
	InferenceBackend string
	Ollama           BackendConfig
	LocalAI          BackendConfig
	Models           Models
	NumGPUs          int
	Storage          Storage
	Events           Events
	Workers          Workers

	// EmbeddingMinLength is the minimum accepted embedding vector length.
	EmbeddingMinLength int
	// MaxCategoryLength clamps sanitized category/item names.
	MaxCategoryLength int
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		InferenceBackend: BackendOllama,
		Ollama: BackendConfig{
			URL:                "http://localhost:11434",
			Timeout:            120 * time.Second,
			MaxRetries:         3,
			ConcurrentRequests: 4,
		},
		LocalAI: BackendConfig{
			URL:                "http://localhost:8080",
			Timeout:            120 * time.Second,
			MaxRetries:         3,
			ConcurrentRequests: 4,
		},
		Models: Models{
			Text:           ModelConfig{Name: "llama3.1:70b"},
			Vision:         ModelConfig{Name: "llava:13b"},
			Embedding:      ModelConfig{Name: "nomic-embed-text"},
			Categorization: ModelConfig{Name: "llama3.1:70b"},
		},
		NumGPUs: 1,
		Storage: Storage{
			ProjectRoot:       ".",
			DataProcessingDir: "data/processing",
			MediaCacheDir:     "data/media_cache",
			KBRoot:            "kb-generated",
			DatabaseURL:       "data/tweetkb.db",
		},
		Events: Events{
			RatePerSecond: 25,
			RatePerMinute: 600,
			BatchSize:     20,
			BatchMaxAge:   250 * time.Millisecond,
		},
		Workers: Workers{
			Concurrency:       2,
			HeartbeatInterval: 30 * time.Second,
			StaleThreshold:    2 * time.Hour,
		},
		EmbeddingMinLength: 100,
		MaxCategoryLength:  50,
	}
}

// Load reads configuration from the environment on top of defaults.
func Load() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	setString(&cfg.InferenceBackend, "INFERENCE_BACKEND")

	setString(&cfg.Ollama.URL, "OLLAMA_URL")
	setDuration(&cfg.Ollama.Timeout, "OLLAMA_TIMEOUT")
	setInt(&cfg.Ollama.MaxRetries, "OLLAMA_MAX_RETRIES")
	setInt(&cfg.Ollama.ConcurrentRequests, "OLLAMA_CONCURRENT_REQUESTS")

	setString(&cfg.LocalAI.URL, "LOCALAI_API_URL")
	setString(&cfg.LocalAI.APIKey, "LOCALAI_API_KEY")
	setDuration(&cfg.LocalAI.Timeout, "LOCALAI_TIMEOUT")
	setInt(&cfg.LocalAI.MaxRetries, "LOCALAI_MAX_RETRIES")
	setInt(&cfg.LocalAI.ConcurrentRequests, "LOCALAI_CONCURRENT_REQUESTS")

	setString(&cfg.Models.Text.Name, "TEXT_MODEL")
	setBool(&cfg.Models.Text.Thinking, "TEXT_MODEL_THINKING")
	setString(&cfg.Models.Vision.Name, "VISION_MODEL")
	setBool(&cfg.Models.Vision.Thinking, "VISION_MODEL_THINKING")
	setString(&cfg.Models.Embedding.Name, "EMBEDDING_MODEL")
	setString(&cfg.Models.Categorization.Name, "CATEGORIZATION_MODEL")
	setBool(&cfg.Models.Categorization.Thinking, "CATEGORIZATION_MODEL_THINKING")
	setString(&cfg.Models.Fallback.Name, "FALLBACK_MODEL")
	setBool(&cfg.Models.Fallback.Thinking, "FALLBACK_MODEL_THINKING")

	setInt(&cfg.NumGPUs, "NUM_GPUS_AVAILABLE")

	setString(&cfg.Storage.ProjectRoot, "PROJECT_ROOT")
	setString(&cfg.Storage.DataProcessingDir, "DATA_PROCESSING_DIR")
	setString(&cfg.Storage.MediaCacheDir, "MEDIA_CACHE_DIR")
	setString(&cfg.Storage.KBRoot, "KB_ROOT")
	setString(&cfg.Storage.DatabaseURL, "DATABASE_URL")

	setString(&cfg.Events.RedisProgressURL, "REDIS_PROGRESS_URL")
	setString(&cfg.Events.RedisLogsURL, "REDIS_LOGS_URL")
	setInt(&cfg.Events.RatePerSecond, "EVENT_RATE_PER_SECOND")
	setInt(&cfg.Events.RatePerMinute, "EVENT_RATE_PER_MINUTE")
	setInt(&cfg.Events.BatchSize, "EVENT_BATCH_SIZE")
	setDuration(&cfg.Events.BatchMaxAge, "EVENT_BATCH_MAX_AGE")

	setInt(&cfg.Workers.Concurrency, "WORKER_CONCURRENCY")
	setDuration(&cfg.Workers.HeartbeatInterval, "WORKER_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Workers.StaleThreshold, "WORKER_STALE_THRESHOLD")

	setInt(&cfg.EmbeddingMinLength, "EMBEDDING_MIN_LENGTH")
	setInt(&cfg.MaxCategoryLength, "MAX_CATEGORY_LENGTH")
}

// Validate checks the loaded configuration. Configuration errors are
// fatal at startup, never partially applied.
func (c *Config) Validate() error {
	switch c.InferenceBackend {
	case BackendOllama, BackendOpenAICompat:
	default:
		return errors.ErrConfigInvalid("INFERENCE_BACKEND",
			fmt.Sprintf("unknown backend %q (want %s or %s)", c.InferenceBackend, BackendOllama, BackendOpenAICompat))
	}
	if c.Models.Text.Name == "" {
		return errors.ErrConfigMissing("TEXT_MODEL")
	}
	if c.Models.Vision.Name == "" {
		return errors.ErrConfigMissing("VISION_MODEL")
	}
	if c.NumGPUs < 1 {
		return errors.ErrConfigInvalid("NUM_GPUS_AVAILABLE", "must be >= 1")
	}
	if c.Workers.Concurrency < 1 {
		return errors.ErrConfigInvalid("WORKER_CONCURRENCY", "must be >= 1")
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return errors.ErrConfigInvalid("WORKER_HEARTBEAT_INTERVAL", "must be positive")
	}
	if c.Workers.StaleThreshold <= c.Workers.HeartbeatInterval {
		return errors.ErrConfigInvalid("WORKER_STALE_THRESHOLD", "must exceed the heartbeat interval")
	}
	if c.Storage.KBRoot == "" {
		return errors.ErrConfigMissing("KB_ROOT")
	}
	if c.Storage.DatabaseURL == "" {
		return errors.ErrConfigMissing("DATABASE_URL")
	}
	if c.EmbeddingMinLength < 1 {
		return errors.ErrConfigInvalid("EMBEDDING_MIN_LENGTH", "must be >= 1")
	}
	return nil
}

// ActiveBackend returns the BackendConfig selected by InferenceBackend.
func (c *Config) ActiveBackend() BackendConfig {
	if c.InferenceBackend == BackendOpenAICompat {
		return c.LocalAI
	}
	return c.Ollama
}

// KBPath joins a relative knowledge-base path onto the project root.
func (c *Config) KBPath(rel string) string {
	return joinRoot(c.Storage.ProjectRoot, rel)
}

func joinRoot(root, rel string) string {
	if root == "" || root == "." {
		return rel
	}
	return strings.TrimRight(root, "/") + "/" + rel
}

// --- typed env helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBool(v)
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// Bare numbers are seconds, matching the upstream deployment convention.
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
