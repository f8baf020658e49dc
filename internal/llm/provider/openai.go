package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DefaultOllamaEndpoint is Ollama's OpenAI-compatible API on the local host.
const DefaultOllamaEndpoint = "http://localhost:11434/v1"

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI or OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// AzureConfig configures an Azure OpenAI deployment.
type AzureConfig struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// OpenAIProvider implements Provider on the OpenAI chat completions API. It
// also serves Azure OpenAI and Ollama, which speak the same protocol.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAIProvider creates a provider for api.openai.com or a compatible BaseURL.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{name: "openai", model: model, client: openai.NewClientWithConfig(config)}
}

// NewAzureOpenAIProvider creates a provider bound to one Azure deployment.
func NewAzureOpenAIProvider(cfg AzureConfig) *OpenAIProvider {
	config := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		config.APIVersion = cfg.APIVersion
	}
	deployment := cfg.Deployment
	config.AzureModelMapperFunc = func(string) string { return deployment }
	return &OpenAIProvider{name: "azure_openai", model: deployment, client: openai.NewClientWithConfig(config)}
}

// NewOllamaProvider creates a provider for an Ollama server.
func NewOllamaProvider(endpoint, model string) *OpenAIProvider {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "ollama", BaseURL: endpoint, Model: model})
	p.name = "ollama"
	return p
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// CreateCompletion creates a chat completion.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, ErrorCodeUnknown, "response has no choices", nil)
	}
	choice := resp.Choices[0]
	result := &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: rawArguments(json.RawMessage(tc.Function.Arguments)),
			},
		})
	}
	return result, nil
}

// CreateStreaming starts a streamed chat completion.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return &openaiStream{provider: p, stream: stream}, nil
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.Role == openai.ChatMessageRoleTool {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(rawArguments(tc.Function.Arguments)),
				},
			})
		}
		messages[i] = msg
	}

	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Stream:    stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolSchema(t),
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError(p.name, classifyStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError(p.name, classifyStatus(reqErr.HTTPStatusCode), fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	}
	return err
}

// openaiStream implements Stream for OpenAI
type openaiStream struct {
	provider *OpenAIProvider
	stream   *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.provider.wrapError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		chunk := &StreamChunk{
			Delta:        choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		for i, tc := range choice.Delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
				Index:         index,
				ID:            tc.ID,
				FunctionName:  tc.Function.Name,
				ArgumentDelta: tc.Function.Arguments,
			})
		}
		return chunk, nil
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
