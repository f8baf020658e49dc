// Package embeddings turns text into vectors for knowledge retrieval.
package embeddings

import (
	"context"
	"os"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// EmbeddingService is the main interface for generating text embeddings.
type EmbeddingService interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimension size of the embeddings
	Dimensions() int

	// ModelName returns the name of the embedding model
	ModelName() string

	// Close closes any resources held by the service
	Close() error
}

// New creates the embedding service named by def.Provider.
func New(ctx context.Context, def definition.EmbeddingDefinition) (EmbeddingService, error) {
	switch def.Provider {
	case definition.ProviderOpenAI:
		key := def.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, problem.InvalidConfiguration("openai embedding requires api_key")
		}
		return NewOpenAI(OpenAIConfig{APIKey: key, BaseURL: def.Endpoint, Model: def.Model, Dimensions: def.Dimensions})

	case definition.ProviderAzureOpenAI:
		switch {
		case def.Endpoint == "":
			return nil, problem.InvalidConfiguration("azure_openai embedding requires endpoint")
		case def.APIKey == "":
			return nil, problem.InvalidConfiguration("azure_openai embedding requires api_key")
		case def.Model == "":
			return nil, problem.InvalidConfiguration("azure_openai embedding requires model")
		}
		return NewOpenAI(OpenAIConfig{APIKey: def.APIKey, BaseURL: def.Endpoint, Model: def.Model, Dimensions: def.Dimensions, Azure: true})

	case definition.ProviderOllama:
		if def.Model == "" {
			return nil, problem.InvalidConfiguration("ollama embedding requires model")
		}
		endpoint := def.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434/v1"
		}
		return NewOpenAI(OpenAIConfig{APIKey: "ollama", BaseURL: endpoint, Model: def.Model, Dimensions: def.Dimensions})

	case definition.ProviderGemini:
		key := def.APIKey
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			return nil, problem.InvalidConfiguration("gemini embedding requires api_key")
		}
		return NewGemini(ctx, key, def.Model, def.Dimensions)

	default:
		return nil, problem.UnsupportedProvider(string(def.Provider))
	}
}
