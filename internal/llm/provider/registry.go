package provider

import (
	"context"
	"os"
	"sync"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// Factory builds a provider from a reasoning definition.
type Factory func(ctx context.Context, def *definition.ReasoningDefinition) (Provider, error)

// Registry maps provider names to factories. Overrides registered on a
// registry take precedence over the built-in connectors.
type Registry struct {
	factories map[definition.Provider]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with only the built-in connectors.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[definition.Provider]Factory),
	}
}

// Register overrides the factory for a provider name.
func (r *Registry) Register(name definition.Provider, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the provider named by def.Provider.
func (r *Registry) Create(ctx context.Context, def *definition.ReasoningDefinition) (Provider, error) {
	if def == nil {
		return nil, problem.InvalidConfiguration("reasoning capability is not configured")
	}

	r.mu.RLock()
	factory, ok := r.factories[def.Provider]
	r.mu.RUnlock()
	if ok {
		return factory(ctx, def)
	}
	return Builtin(ctx, def)
}

// Builtin dispatches to the connector for def.Provider after checking the
// fields that provider requires.
func Builtin(ctx context.Context, def *definition.ReasoningDefinition) (Provider, error) {
	switch def.Provider {
	case definition.ProviderOpenAI:
		key := valueOrEnv(def.APIKey, "OPENAI_API_KEY")
		if key == "" {
			return nil, missing(def.Provider, "api_key")
		}
		return NewOpenAIProvider(OpenAIConfig{APIKey: key, BaseURL: def.Endpoint, Model: def.Model}), nil

	case definition.ProviderAzureOpenAI:
		switch {
		case def.Deployment == "":
			return nil, missing(def.Provider, "deployment")
		case def.Endpoint == "":
			return nil, missing(def.Provider, "endpoint")
		case def.APIKey == "":
			return nil, missing(def.Provider, "api_key")
		}
		return NewAzureOpenAIProvider(AzureConfig{
			APIKey:     def.APIKey,
			Endpoint:   def.Endpoint,
			Deployment: def.Deployment,
			APIVersion: def.APIVersion,
		}), nil

	case definition.ProviderOllama:
		endpoint := def.Endpoint
		if endpoint == "" {
			endpoint = DefaultOllamaEndpoint
		}
		if def.Model == "" {
			return nil, missing(def.Provider, "model")
		}
		return NewOllamaProvider(endpoint, def.Model), nil

	case definition.ProviderAnthropic:
		key := valueOrEnv(def.APIKey, "ANTHROPIC_API_KEY")
		if key == "" {
			return nil, missing(def.Provider, "api_key")
		}
		return NewAnthropicProvider(AnthropicConfig{APIKey: key, BaseURL: def.Endpoint, Model: def.Model}), nil

	case definition.ProviderGemini:
		key := valueOrEnv(def.APIKey, "GOOGLE_API_KEY")
		if key == "" {
			return nil, missing(def.Provider, "api_key")
		}
		return checked(NewGeminiProvider(ctx, key, def.Model))

	case definition.ProviderVertexAI:
		if def.Project == "" {
			return nil, missing(def.Provider, "project")
		}
		return checked(NewVertexAIProvider(ctx, def.Project, def.Location, def.Model))

	case definition.ProviderBedrock:
		if def.Region == "" {
			return nil, missing(def.Provider, "region")
		}
		if def.Model == "" {
			return nil, missing(def.Provider, "model")
		}
		return checked(NewBedrockProvider(ctx, def.Region, def.Model))

	default:
		return nil, problem.UnsupportedProvider(string(def.Provider))
	}
}

// checked keeps a failed constructor from yielding a non-nil Provider that
// wraps a nil pointer.
func checked[P Provider](p P, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func missing(p definition.Provider, field string) error {
	return problem.InvalidConfiguration("%s reasoning requires %s", p, field)
}

func valueOrEnv(value, env string) string {
	if value != "" {
		return value
	}
	return os.Getenv(env)
}
