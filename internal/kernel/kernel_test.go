package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/plugin"
	"github.com/aixgo-dev/convergence/internal/resolver"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/embeddings"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

func ptr[T any](v T) *T { return &v }

// newTestAssembler routes every openai reasoning definition to mock and
// records the definitions it was asked to build.
func newTestAssembler(mock *provider.MockProvider, opts ...Option) (*Assembler, *[]*definition.ReasoningDefinition) {
	var seen []*definition.ReasoningDefinition
	registry := provider.NewRegistry()
	registry.Register(definition.ProviderOpenAI, func(_ context.Context, def *definition.ReasoningDefinition) (provider.Provider, error) {
		seen = append(seen, def)
		return mock, nil
	})
	opts = append([]Option{WithProviders(registry)}, opts...)
	return NewAssembler(resolver.New(nil), opts...), &seen
}

func openaiKernel() *definition.KernelDefinition {
	return &definition.KernelDefinition{
		Reasoning: &definition.ReasoningDefinition{Provider: definition.ProviderOpenAI, Model: "m1"},
	}
}

func TestBuildStreamsChunks(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("Hel", "lo")
	a, _ := newTestAssembler(mock)

	k, err := a.Build(context.Background(), openaiKernel(), nil)
	require.NoError(t, err)

	var chunks []string
	for c, err := range k.Stream(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "hi"}}, nil) {
		require.NoError(t, err)
		assert.Equal(t, chat.RoleAssistant, c.Role)
		chunks = append(chunks, c.Content)
	}
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []provider.Message{{Role: "user", Content: "hi"}}, reqs[0].Messages)
}

func TestBuildUsesCollectionKernel(t *testing.T) {
	a, seen := newTestAssembler(provider.NewMockProvider("mock"))
	coll := &definition.ComponentCollection{
		Kernels: map[string]*definition.KernelDefinition{"shared": openaiKernel()},
	}

	k, err := a.Build(context.Background(), &definition.KernelDefinition{
		Reference: definition.Reference{Use: "shared"},
	}, coll)
	require.NoError(t, err)

	_, ok := k.ChatCompletion()
	assert.True(t, ok)
	require.Len(t, *seen, 1)
	assert.Equal(t, "m1", (*seen)[0].Model)
}

func TestBuildExtendsMergesSettings(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	a, seen := newTestAssembler(mock)

	base := openaiKernel()
	base.Reasoning.Settings = &definition.ExecutionSettings{Temperature: ptr(0.1)}
	coll := &definition.ComponentCollection{
		Kernels: map[string]*definition.KernelDefinition{"base": base},
	}

	k, err := a.Build(context.Background(), &definition.KernelDefinition{
		Reference: definition.Reference{Extends: "base"},
		Reasoning: &definition.ReasoningDefinition{
			Provider: definition.ProviderOpenAI,
			Settings: &definition.ExecutionSettings{MaxTokens: 100},
		},
	}, coll)
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "m1", (*seen)[0].Model)

	_, err = chat.Text(k.Stream(context.Background(), nil, nil))
	require.NoError(t, err)

	req := mock.Requests()[0]
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.1, *req.Temperature, 1e-9)
	assert.Equal(t, 100, req.MaxTokens)
}

func TestBuildErrors(t *testing.T) {
	a, _ := newTestAssembler(provider.NewMockProvider("mock"))
	ctx := context.Background()

	_, err := a.Build(ctx, nil, nil)
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	_, err = a.Build(ctx, &definition.KernelDefinition{
		Reasoning: &definition.ReasoningDefinition{Provider: "watson"},
	}, nil)
	assert.ErrorIs(t, err, problem.ErrUnsupportedProvider)

	_, err = a.Build(ctx, &definition.KernelDefinition{
		Reasoning: &definition.ReasoningDefinition{Provider: definition.ProviderAzureOpenAI},
	}, nil)
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	_, err = a.Build(ctx, &definition.KernelDefinition{Reference: definition.Reference{Use: "missing"}}, nil)
	assert.ErrorIs(t, err, problem.ErrNotFound)
}

func TestKernelWithoutReasoning(t *testing.T) {
	a, _ := newTestAssembler(provider.NewMockProvider("mock"))

	k, err := a.Build(context.Background(), &definition.KernelDefinition{}, nil)
	require.NoError(t, err)

	_, ok := k.ChatCompletion()
	assert.False(t, ok)
	_, err = chat.Text(k.Stream(context.Background(), nil, nil))
	assert.ErrorIs(t, err, problem.ErrUnsupportedOperation)
}

func TestFunctionRendersTemplate(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Respond = func(req provider.CompletionRequest) (string, error) {
		return "echo: " + req.Messages[0].Content, nil
	}
	a, _ := newTestAssembler(mock)

	fn, err := a.Function(context.Background(), &definition.FunctionDefinition{
		Kernel:            openaiKernel(),
		Template:          "Split {{.prompt}} for:\n{{.agents}}",
		InputVariables:    []string{"prompt", "agents"},
		OutputVariable:    "plan",
		ExecutionSettings: &definition.ExecutionSettings{MaxTokens: 7},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "plan", fn.OutputVariable())

	msgs, err := fn.Invoke(context.Background(), map[string]any{"prompt": "work", "agents": "- a: b"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "echo: Split work for:\n- a: b", msgs[0].Content)
	assert.Equal(t, 7, mock.Requests()[0].MaxTokens)
}

func TestFunctionMissingInputFailsBeforeModelCall(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	a, _ := newTestAssembler(mock)

	fn, err := a.Function(context.Background(), &definition.FunctionDefinition{
		Kernel:         openaiKernel(),
		Template:       "{{.prompt}} {{.agents}}",
		InputVariables: []string{"prompt", "agents"},
	}, nil)
	require.NoError(t, err)

	_, err = fn.Invoke(context.Background(), map[string]any{"prompt": "x"})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)
	assert.ErrorContains(t, err, "agents")
	assert.Empty(t, mock.Requests())
}

func TestFunctionTemplateErrors(t *testing.T) {
	k := New(provider.NewMockProvider("mock"), nil, nil)

	_, err := NewFunction(k, &definition.FunctionDefinition{Template: "  "})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	_, err = NewFunction(k, &definition.FunctionDefinition{Template: "{{.prompt"})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	fn, err := NewFunction(k, &definition.FunctionDefinition{Template: "{{.undeclared}}"})
	require.NoError(t, err)
	_, err = fn.Render(map[string]any{})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)
}

func TestFunctionStreamPropagatesProviderError(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddError(errors.New("rate limited"))
	fn, err := NewFunction(New(mock, nil, nil), &definition.FunctionDefinition{Template: "hi"})
	require.NoError(t, err)

	_, err = fn.Invoke(context.Background(), nil)
	assert.ErrorContains(t, err, "rate limited")
}

// keywordEmbedder maps each text onto a fixed axis per keyword.
type keywordEmbedder struct {
	closed bool
}

var keywords = []string{"go", "rust", "python"}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(keywords))
	for i, kw := range keywords {
		if strings.Contains(strings.ToLower(text), kw) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e *keywordEmbedder) Dimensions() int   { return len(keywords) }
func (e *keywordEmbedder) ModelName() string { return "keywords" }
func (e *keywordEmbedder) Close() error      { e.closed = true; return nil }

func TestKnowledgeSharedMemoryStore(t *testing.T) {
	embedder := &keywordEmbedder{}
	a, _ := newTestAssembler(provider.NewMockProvider("mock"),
		WithEmbeddings(func(context.Context, definition.EmbeddingDefinition) (embeddings.EmbeddingService, error) {
			return embedder, nil
		}))
	def := &definition.KernelDefinition{
		Knowledge: &definition.KnowledgeDefinition{
			Store:    definition.StoreDefinition{Type: StoreMemory, Collection: "docs"},
			TopK:     1,
			MinScore: 0.5,
		},
	}
	ctx := context.Background()

	writer, err := a.Build(ctx, def, nil)
	require.NoError(t, err)
	ids, err := writer.Knowledge().Add(ctx, []string{"Go has goroutines", "Rust has ownership"}, map[string]any{"src": "test"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	reader, err := a.Build(ctx, def, nil)
	require.NoError(t, err)
	results, err := reader.Knowledge().Search(ctx, "tell me about rust", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Rust has ownership", results[0].Document.Content)

	text, err := reader.Knowledge().Context(ctx, "python")
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = reader.Knowledge().Context(ctx, "go")
	require.NoError(t, err)
	assert.Contains(t, text, "Go has goroutines")

	require.NoError(t, reader.Close())
	assert.True(t, embedder.closed)
}

func TestKnowledgeUnsupportedStore(t *testing.T) {
	a, _ := newTestAssembler(provider.NewMockProvider("mock"),
		WithEmbeddings(func(context.Context, definition.EmbeddingDefinition) (embeddings.EmbeddingService, error) {
			return &keywordEmbedder{}, nil
		}))

	_, err := a.Build(context.Background(), &definition.KernelDefinition{
		Knowledge: &definition.KnowledgeDefinition{Store: definition.StoreDefinition{Type: "pinecone"}},
	}, nil)
	assert.ErrorIs(t, err, problem.ErrUnsupportedOperation)

	_, err = a.Build(context.Background(), &definition.KernelDefinition{
		Knowledge: &definition.KnowledgeDefinition{Store: definition.StoreDefinition{Type: StoreFirestore}},
	}, nil)
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)
}

type namedPlugin struct{ name string }

func (p namedPlugin) Name() string                 { return p.name }
func (p namedPlugin) Functions() []plugin.Function { return nil }
func (p namedPlugin) Close() error                 { return nil }
func (p namedPlugin) Invoke(context.Context, string, map[string]any) (string, error) {
	return p.name, nil
}

func TestBuildLoadsToolsetsThroughManager(t *testing.T) {
	var loaded []*definition.ToolsetDefinition
	manager := plugin.NewManager(plugin.WithLoader(definition.ToolsetOpenAPI,
		plugin.LoaderFunc(func(_ context.Context, name string, def *definition.ToolsetDefinition) (plugin.Plugin, error) {
			loaded = append(loaded, def)
			return namedPlugin{name: name}, nil
		})))
	a, _ := newTestAssembler(provider.NewMockProvider("mock"), WithPlugins(manager))

	coll := &definition.ComponentCollection{
		Toolsets: map[string]*definition.ToolsetDefinition{
			"weather": {Type: definition.ToolsetOpenAPI, URL: "https://example.test/openapi.yaml"},
		},
	}
	def := &definition.KernelDefinition{
		Toolsets: map[string]*definition.ToolsetDefinition{
			"forecast": {Reference: definition.Reference{Use: "weather"}},
			"direct":   {Type: definition.ToolsetOpenAPI, URL: "https://other.test/doc.json"},
		},
	}

	k, err := a.Build(context.Background(), def, coll)
	require.NoError(t, err)
	require.Len(t, k.Plugins(), 2)
	assert.Equal(t, "direct", k.Plugins()[0].Name())
	assert.Equal(t, "forecast", k.Plugins()[1].Name())
	assert.Equal(t, "https://example.test/openapi.yaml", loaded[1].URL)

	_, err = a.Build(context.Background(), def, coll)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, []string{"direct", "forecast"}, manager.Loaded())

	_, err = a.Build(context.Background(), &definition.KernelDefinition{
		Toolsets: map[string]*definition.ToolsetDefinition{"x": {Reference: definition.Reference{Use: "nope"}}},
	}, coll)
	assert.ErrorIs(t, err, problem.ErrNotFound)
}

// forecastPlugin serves one "forecast" function and records its calls.
type forecastPlugin struct {
	fail error

	mu    sync.Mutex
	calls []map[string]any
}

func (p *forecastPlugin) Name() string { return "weather" }
func (p *forecastPlugin) Close() error { return nil }
func (p *forecastPlugin) Functions() []plugin.Function {
	return []plugin.Function{{
		Name:        "forecast",
		Description: "Forecast for a city",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		},
	}}
}

func (p *forecastPlugin) Invoke(_ context.Context, function string, args map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, args)
	if p.fail != nil {
		return "", p.fail
	}
	return function + ": sunny in " + args["city"].(string), nil
}

func forecastCall(id, args string) provider.ToolCall {
	return provider.ToolCall{
		ID:       id,
		Type:     "function",
		Function: provider.FunctionCall{Name: ToolName("weather", "forecast"), Arguments: json.RawMessage(args)},
	}
}

func TestStreamDispatchesToolCalls(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddToolCall(forecastCall("c1", `{"city":"Oslo"}`)).
		AddResponse("Take ", "sunglasses")
	tools := &forecastPlugin{}
	k := New(mock, nil, nil, tools)

	text, err := chat.Text(k.Stream(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "weather?"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, "Take sunglasses", text)
	assert.Equal(t, []map[string]any{{"city": "Oslo"}}, tools.calls)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "weather-forecast", reqs[0].Tools[0].Name)
	assert.Equal(t, "Forecast for a city", reqs[0].Tools[0].Description)
	assert.JSONEq(t, `{"type":"object","properties":{"city":{"type":"string"}}}`, string(reqs[0].Tools[0].Parameters))

	followUp := reqs[1].Messages
	require.Len(t, followUp, 3)
	assert.Equal(t, "assistant", followUp[1].Role)
	require.Len(t, followUp[1].ToolCalls, 1)
	assert.Equal(t, "c1", followUp[1].ToolCalls[0].ID)
	assert.Equal(t, provider.Message{
		Role:       "tool",
		Content:    "forecast: sunny in Oslo",
		ToolCallID: "c1",
		Name:       "weather-forecast",
	}, followUp[2])
}

func TestStreamReportsPluginFailureToModel(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddToolCall(forecastCall("c1", `{"city":"Oslo"}`)).
		AddResponse("No forecast available")
	k := New(mock, nil, nil, &forecastPlugin{fail: errors.New("upstream down")})

	text, err := chat.Text(k.Stream(context.Background(), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "No forecast available", text)

	last := mock.Requests()[1].Messages
	assert.Equal(t, "Error: upstream down", last[len(last)-1].Content)
}

func TestStreamRejectsBadToolCalls(t *testing.T) {
	t.Run("unknown tool", func(t *testing.T) {
		mock := provider.NewMockProvider("mock").AddToolCall(provider.ToolCall{
			ID:       "c1",
			Function: provider.FunctionCall{Name: "weather-history", Arguments: json.RawMessage(`{}`)},
		})
		_, err := chat.Text(New(mock, nil, nil, &forecastPlugin{}).Stream(context.Background(), nil, nil))
		assert.ErrorIs(t, err, problem.ErrInvalidOperation)
	})

	t.Run("arguments not an object", func(t *testing.T) {
		mock := provider.NewMockProvider("mock").AddToolCall(forecastCall("c1", `["Oslo"]`))
		tools := &forecastPlugin{}
		_, err := chat.Text(New(mock, nil, nil, tools).Stream(context.Background(), nil, nil))
		assert.ErrorIs(t, err, problem.ErrInvalidOperation)
		assert.Empty(t, tools.calls)
	})

	t.Run("too many rounds", func(t *testing.T) {
		mock := provider.NewMockProvider("mock")
		for i := 0; i <= MaxToolRounds; i++ {
			mock.AddToolCall(forecastCall("c", `{"city":"Oslo"}`))
		}
		tools := &forecastPlugin{}
		_, err := chat.Text(New(mock, nil, nil, tools).Stream(context.Background(), nil, nil))
		assert.ErrorIs(t, err, problem.ErrInvalidOperation)
		assert.Len(t, tools.calls, MaxToolRounds)
	})
}

func TestStreamWithoutToolsetsOffersNoTools(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("ok")
	_, err := chat.Text(New(mock, nil, nil).Stream(context.Background(), nil, nil))
	require.NoError(t, err)
	assert.Empty(t, mock.Requests()[0].Tools)
}
