package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEmbeddings implements EmbeddingService using the OpenAI embeddings API.
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      string
	dimensions int
	custom     bool
}

func init() {
	Register("openai", NewOpenAI)
}

// NewOpenAI creates a new OpenAIEmbeddings instance.
func NewOpenAI(config Config) (EmbeddingService, error) {
	if config.OpenAI == nil {
		return nil, fmt.Errorf("openai configuration is required")
	}
	cfg := *config.OpenAI
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dims := modelDimensions(cfg.Model)
	custom := false
	if cfg.Dimensions > 0 {
		if !isTextEmbedding3Model(cfg.Model) {
			return nil, fmt.Errorf("custom dimensions only supported for text-embedding-3 models, got model: %s", cfg.Model)
		}
		dims = cfg.Dimensions
		custom = true
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: dims,
		custom:     custom,
	}, nil
}

// Embed generates embeddings for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	}
	if o.custom {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding index out of bounds: %d", item.Index)
		}
		if out[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index: %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("embedding at index %d is empty", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

func (o *OpenAIEmbeddings) Dimensions() int { return o.dimensions }

func (o *OpenAIEmbeddings) ModelName() string { return o.model }

func (o *OpenAIEmbeddings) Close() error { return nil }

func modelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// isTextEmbedding3Model reports whether the model accepts a dimensions override.
func isTextEmbedding3Model(model string) bool {
	return model == "text-embedding-3-small" || model == "text-embedding-3-large"
}
