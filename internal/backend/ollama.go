package backend

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/errors"
)

// Ollama is the Ollama-shaped backend adapter.
// Wire surface: POST /api/generate, /api/chat, /api/embed, GET /api/tags.
type Ollama struct {
	client       *client
	embedMinLen  int
	configuredAt string
}

// NewOllama creates an Ollama backend from config.
func NewOllama(cfg config.BackendConfig, embedMinLen int, logger *slog.Logger) *Ollama {
	return &Ollama{
		client:       newClient("ollama", cfg, logger),
		embedMinLen:  embedMinLen,
		configuredAt: cfg.URL,
	}
}

// Name returns the backend name.
func (o *Ollama) Name() string { return "ollama" }

// ollamaOptions maps Options onto Ollama's sampler option map.
// Everything Ollama understands is passed through; MaxTokens becomes
// num_predict and GPUDevice becomes main_gpu.
func ollamaOptions(opts *Options) map[string]any {
	m := make(map[string]any)
	if opts == nil {
		return m
	}
	if opts.Temperature != nil {
		m["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		m["top_p"] = *opts.TopP
	}
	if opts.TopK != nil {
		m["top_k"] = *opts.TopK
	}
	if opts.MinP != nil {
		m["min_p"] = *opts.MinP
	}
	if opts.MaxTokens != nil {
		m["num_predict"] = *opts.MaxTokens
	}
	if opts.Seed != nil {
		m["seed"] = *opts.Seed
	}
	if len(opts.Stop) > 0 {
		m["stop"] = opts.Stop
	}
	if opts.RepeatPenalty != nil {
		m["repeat_penalty"] = *opts.RepeatPenalty
	}
	if opts.PresencePenalty != nil {
		m["presence_penalty"] = *opts.PresencePenalty
	}
	if opts.FrequencyPenalty != nil {
		m["frequency_penalty"] = *opts.FrequencyPenalty
	}
	if opts.GPUDevice != nil {
		m["main_gpu"] = *opts.GPUDevice
	}
	return m
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// encodeImages base64-encodes image bytes for the wire.
func encodeImages(images [][]byte) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = base64.StdEncoding.EncodeToString(img)
	}
	return out
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Generate performs a single-turn completion.
func (o *Ollama) Generate(ctx context.Context, model, prompt string, opts *Options) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.ErrValidation("prompt is empty").WithBackend(o.Name(), "generate")
	}

	req := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Options: ollamaOptions(opts),
	}
	if opts != nil {
		if opts.JSONMode {
			req.Format = "json"
		}
		if len(opts.Images) > 0 {
			req.Images = encodeImages(opts.Images)
		}
	}

	var resp ollamaGenerateResponse
	if err := o.client.doJSON(ctx, "generate", "POST", "/api/generate", optTimeout(opts), req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

// Chat performs a multi-turn completion. Images attach per message on
// this surface, so Options.Images is dropped here.
func (o *Ollama) Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error) {
	if len(messages) == 0 {
		return "", errors.ErrValidation("messages are empty").WithBackend(o.Name(), "chat")
	}

	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Options:  ollamaOptions(opts),
	}
	if opts != nil && opts.JSONMode {
		req.Format = "json"
	}

	var resp ollamaChatResponse
	if err := o.client.doJSON(ctx, "chat", "POST", "/api/chat", optTimeout(opts), req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed returns an embedding vector for text.
func (o *Ollama) Embed(ctx context.Context, model, text string, opts *Options) ([]float64, error) {
	if err := validateEmbedInput(text); err != nil {
		return nil, errors.AsError(err).WithBackend(o.Name(), "embed")
	}

	var resp ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: model, Input: text}
	if err := o.client.doJSON(ctx, "embed", "POST", "/api/embed", optTimeout(opts), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.ErrModel(model, nil).WithBackend(o.Name(), "embed")
	}
	vec := resp.Embeddings[0]
	if err := checkEmbedLength(vec, o.embedMinLen, model); err != nil {
		return nil, errors.AsError(err).WithBackend(o.Name(), "embed")
	}
	return vec, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// ListModels returns the models advertised by /api/tags.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp ollamaTagsResponse
	if err := o.client.doJSON(ctx, "list_models", "GET", "/api/tags", 0, nil, &resp); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{ID: m.Model, Name: m.Name})
	}
	return models, nil
}

// Health probes the backend by listing models.
func (o *Ollama) Health(ctx context.Context) *Health {
	h := &Health{ConfiguredURL: o.configuredAt}
	models, err := o.ListModels(ctx)
	if err != nil {
		h.Status = HealthUnhealthy
		h.LastError = err.Error()
		return h
	}
	h.Status = HealthHealthy
	h.AvailableModelCount = len(models)
	return h
}

// optTimeout extracts the per-call timeout override from Options.
func optTimeout(opts *Options) time.Duration {
	if opts == nil {
		return 0
	}
	return opts.Timeout
}
