// Package backend provides a uniform interface over external LLM HTTP
// services. Two adapters are shipped: an Ollama-shaped backend and an
// OpenAI-compatible backend. Both expose the same three primitives
// (generate, chat, embed) plus model listing and health, with a shared
// error taxonomy, per-instance concurrency caps, and retry with
// exponential backoff.
package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/tweetkb/internal/config"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries sampler settings for a single call. Nil pointer
// fields are left to the backend's defaults; options an adapter does
// not support are silently dropped.
type Options struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MinP             *float64
	MaxTokens        *int
	Seed             *int
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	RepeatPenalty    *float64

	// JSONMode asks the backend to constrain output to valid JSON.
	JSONMode bool
	// Images attaches raw image bytes for vision models. Each adapter
	// encodes them for its wire format; surfaces without image support
	// drop them.
	Images [][]byte
	// GPUDevice pins the call to a GPU for round-robin distribution.
	GPUDevice *int
	// Timeout overrides the backend's default per-call timeout.
	Timeout time.Duration
}

// ModelInfo describes one model advertised by a backend.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HealthStatus values.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Health is the result of a backend health probe.
type Health struct {
	Status              string `json:"status"`
	ConfiguredURL       string `json:"configured_url"`
	AvailableModelCount int    `json:"available_model_count"`
	LastError           string `json:"last_error,omitempty"`
}

// Backend is the polymorphic inference capability used by the pipeline.
type Backend interface {
	Name() string
	Generate(ctx context.Context, model, prompt string, opts *Options) (string, error)
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error)
	Embed(ctx context.Context, model, text string, opts *Options) ([]float64, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Health(ctx context.Context) *Health
}

// New builds the backend selected by cfg.InferenceBackend. If the
// configured backend cannot be instantiated, it falls back to the
// Ollama-shaped backend with a WARNING rather than failing startup.
func New(cfg *config.Config, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.InferenceBackend {
	case config.BackendOpenAICompat:
		if cfg.LocalAI.URL != "" {
			return NewOpenAI(cfg.LocalAI, cfg.EmbeddingMinLength, logger)
		}
		logger.Warn("openai-compat backend has no URL configured, falling back to ollama",
			"backend", cfg.InferenceBackend)
	}
	return NewOllama(cfg.Ollama, cfg.EmbeddingMinLength, logger)
}

// float64s converts a float32 vector to float64.
func float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
