package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel      = "text-embedding-004"
	defaultGeminiDimensions = 768
)

// GeminiEmbeddings implements EmbeddingService with the Gemini API.
type GeminiEmbeddings struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGemini creates a Gemini embedding service.
func NewGemini(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEmbeddings, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if dimensions <= 0 {
		dimensions = defaultGeminiDimensions
	}
	return &GeminiEmbeddings{client: client, model: model, dimensions: dimensions}, nil
}

// Embed generates embeddings for a single text.
func (g *GeminiEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (g *GeminiEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(g.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings request failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// Dimensions returns the dimension size of the embeddings.
func (g *GeminiEmbeddings) Dimensions() int {
	return g.dimensions
}

// ModelName returns the name of the embedding model.
func (g *GeminiEmbeddings) ModelName() string {
	return g.model
}

// Close closes any resources held by the service.
func (g *GeminiEmbeddings) Close() error {
	return nil
}
