package backend

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/errors"
)

// OpenAI is the OpenAI-compatible backend adapter, used for LocalAI and
// any other service speaking the /v1 surface.
// Wire surface: POST /v1/completions, /v1/chat/completions,
// /v1/embeddings, GET /v1/models.
type OpenAI struct {
	client       *client
	embedMinLen  int
	configuredAt string
}

// NewOpenAI creates an OpenAI-compatible backend from config.
func NewOpenAI(cfg config.BackendConfig, embedMinLen int, logger *slog.Logger) *OpenAI {
	c := newClient("openai-compat", cfg, logger)
	if cfg.APIKey != "" {
		c.headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return &OpenAI{
		client:       c,
		embedMinLen:  embedMinLen,
		configuredAt: cfg.URL,
	}
}

// Name returns the backend name.
func (o *OpenAI) Name() string { return "openai-compat" }

type openaiCompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Stream           bool     `json:"stream"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

type openaiCompletionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Generate performs a single-turn completion via /v1/completions.
// TopK, MinP, RepeatPenalty and GPUDevice have no wire equivalent on
// this surface and are dropped. Calls carrying images go through
// /v1/chat/completions instead, since only the chat surface accepts
// image content parts.
func (o *OpenAI) Generate(ctx context.Context, model, prompt string, opts *Options) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.ErrValidation("prompt is empty").WithBackend(o.Name(), "generate")
	}
	if opts != nil && len(opts.Images) > 0 {
		return o.generateVision(ctx, model, prompt, opts)
	}

	req := openaiCompletionRequest{Model: model, Prompt: prompt}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.MaxTokens = opts.MaxTokens
		req.Seed = opts.Seed
		req.Stop = opts.Stop
		req.PresencePenalty = opts.PresencePenalty
		req.FrequencyPenalty = opts.FrequencyPenalty
	}

	var resp openaiCompletionResponse
	if err := o.client.doJSON(ctx, "generate", "POST", "/v1/completions", optTimeout(opts), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.ErrGeneric("completion returned no choices", nil).WithBackend(o.Name(), "generate")
	}
	return resp.Choices[0].Text, nil
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiChatRequest struct {
	Model            string                `json:"model"`
	Messages         []Message             `json:"messages"`
	Stream           bool                  `json:"stream"`
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"top_p,omitempty"`
	MaxTokens        *int                  `json:"max_tokens,omitempty"`
	Seed             *int                  `json:"seed,omitempty"`
	Stop             []string              `json:"stop,omitempty"`
	PresencePenalty  *float64              `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64              `json:"frequency_penalty,omitempty"`
	ResponseFormat   *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat performs a multi-turn completion via /v1/chat/completions.
func (o *OpenAI) Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error) {
	if len(messages) == 0 {
		return "", errors.ErrValidation("messages are empty").WithBackend(o.Name(), "chat")
	}

	req := openaiChatRequest{Model: model, Messages: messages}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.MaxTokens = opts.MaxTokens
		req.Seed = opts.Seed
		req.Stop = opts.Stop
		req.PresencePenalty = opts.PresencePenalty
		req.FrequencyPenalty = opts.FrequencyPenalty
		if opts.JSONMode {
			req.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
		}
	}

	var resp openaiChatResponse
	if err := o.client.doJSON(ctx, "chat", "POST", "/v1/chat/completions", optTimeout(opts), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.ErrGeneric("chat returned no choices", nil).WithBackend(o.Name(), "chat")
	}
	return resp.Choices[0].Message.Content, nil
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiVisionMessage struct {
	Role    string              `json:"role"`
	Content []openaiContentPart `json:"content"`
}

type openaiVisionChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiVisionMessage `json:"messages"`
	Stream         bool                  `json:"stream"`
	Temperature    *float64              `json:"temperature,omitempty"`
	TopP           *float64              `json:"top_p,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Seed           *int                  `json:"seed,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

// generateVision sends a single-turn prompt with image attachments as
// one user message of content parts. Images travel as data URIs with a
// sniffed media type.
func (o *OpenAI) generateVision(ctx context.Context, model, prompt string, opts *Options) (string, error) {
	parts := make([]openaiContentPart, 0, len(opts.Images)+1)
	parts = append(parts, openaiContentPart{Type: "text", Text: prompt})
	for _, img := range opts.Images {
		uri := "data:" + http.DetectContentType(img) + ";base64," +
			base64.StdEncoding.EncodeToString(img)
		parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: uri}})
	}

	req := openaiVisionChatRequest{
		Model:       model,
		Messages:    []openaiVisionMessage{{Role: RoleUser, Content: parts}},
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Seed:        opts.Seed,
	}
	if opts.JSONMode {
		req.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}

	var resp openaiChatResponse
	if err := o.client.doJSON(ctx, "generate", "POST", "/v1/chat/completions", optTimeout(opts), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.ErrGeneric("chat returned no choices", nil).WithBackend(o.Name(), "generate")
	}
	return resp.Choices[0].Message.Content, nil
}

type openaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns an embedding vector via /v1/embeddings.
func (o *OpenAI) Embed(ctx context.Context, model, text string, opts *Options) ([]float64, error) {
	if err := validateEmbedInput(text); err != nil {
		return nil, errors.AsError(err).WithBackend(o.Name(), "embed")
	}

	var resp openaiEmbedResponse
	req := openaiEmbedRequest{Model: model, Input: text}
	if err := o.client.doJSON(ctx, "embed", "POST", "/v1/embeddings", optTimeout(opts), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.ErrModel(model, nil).WithBackend(o.Name(), "embed")
	}
	vec := float64s(resp.Data[0].Embedding)
	if err := checkEmbedLength(vec, o.embedMinLen, model); err != nil {
		return nil, errors.AsError(err).WithBackend(o.Name(), "embed")
	}
	return vec, nil
}

type openaiModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the models advertised by /v1/models.
func (o *OpenAI) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp openaiModelsResponse
	if err := o.client.doJSON(ctx, "list_models", "GET", "/v1/models", 0, nil, &resp); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return models, nil
}

// Health probes the backend by listing models.
func (o *OpenAI) Health(ctx context.Context) *Health {
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
