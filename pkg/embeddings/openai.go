package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAIConfig contains OpenAI-specific embedding settings.
type OpenAIConfig struct {
	APIKey string

	// Model specifies which embedding model to use.
	// Options: "text-embedding-3-small" (1536 dims), "text-embedding-3-large" (3072 dims)
	Model string

	// BaseURL is the API endpoint, or the Azure resource endpoint when Azure is set.
	BaseURL string

	// Dimensions reduces embedding dimensions (text-embedding-3 models only).
	Dimensions int

	Azure bool
}

// OpenAIEmbeddings implements EmbeddingService using OpenAI's API.
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      string
	dimensions int
	custom     bool
}

// NewOpenAI creates a new OpenAIEmbeddings instance.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIEmbeddings, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}

	dims := openAIModelDimensions(cfg.Model)
	custom := false
	if cfg.Dimensions > 0 {
		if !isTextEmbedding3Model(cfg.Model) && !cfg.Azure {
			return nil, fmt.Errorf("custom dimensions only supported for text-embedding-3 models, got model: %s", cfg.Model)
		}
		dims = cfg.Dimensions
		custom = true
	}

	var config openai.ClientConfig
	if cfg.Azure {
		config = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		deployment := cfg.Model
		config.AzureModelMapperFunc = func(string) string { return deployment }
	} else {
		config = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	}

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(config),
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
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, in input order.
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
		return nil, fmt.Errorf("OpenAI embeddings request failed: %w", err)
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
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// Dimensions returns the dimension size of the embeddings.
func (o *OpenAIEmbeddings) Dimensions() int {
	return o.dimensions
}

// ModelName returns the name of the embedding model.
func (o *OpenAIEmbeddings) ModelName() string {
	return o.model
}

// Close closes any resources held by the service.
func (o *OpenAIEmbeddings) Close() error {
	return nil
}

func openAIModelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// isTextEmbedding3Model reports whether model accepts custom dimensions.
func isTextEmbedding3Model(model string) bool {
	return model == "text-embedding-3-small" || model == "text-embedding-3-large"
}
