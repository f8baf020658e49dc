package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), model: model}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// CreateCompletion sends a single Messages request.
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.wrapError(err)
	}

	var content string
	var calls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			calls = append(calls, ToolCall{
				ID:       use.ID,
				Type:     "function",
				Function: FunctionCall{Name: use.Name, Arguments: rawArguments(use.Input)},
			})
		}
	}
	finish := "stop"
	if resp.StopReason != "" && resp.StopReason != anthropic.StopReasonEndTurn {
		finish = string(resp.StopReason)
	}
	return &CompletionResponse{
		Content:      content,
		FinishReason: finish,
		ToolCalls:    calls,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// CreateStreaming opens a server-sent event stream of message deltas.
func (p *AnthropicProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, p.wrapError(err)
	}
	return &anthropicStream{provider: p, stream: stream}, nil
}

func (p *AnthropicProvider) buildParams(req CompletionRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, rest := splitSystem(req.Messages)
	messages := make([]anthropic.MessageParam, 0, len(rest))
	for i := 0; i < len(rest); i++ {
		m := rest[i]
		switch m.Role {
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawArguments(tc.Function.Arguments), tc.Function.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			// Consecutive results answer one assistant turn and travel together.
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(rest) && rest[i].Role == "tool"; i++ {
				blocks = append(blocks, anthropic.NewToolResultBlock(rest[i].ToolCallID, rest[i].Content, false))
			}
			i--
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropicTool(t))
	}
	return params
}

func anthropicTool(t Tool) anthropic.ToolUnionParam {
	var schema struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	_ = json.Unmarshal(toolSchema(t), &schema)

	tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}, t.Name)
	if t.Description != "" {
		tool.OfTool.Description = anthropic.String(t.Description)
	}
	return tool
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := NewProviderError(p.Name(), classifyStatus(apiErr.StatusCode), apiErr.Error(), err)
		pe.StatusCode = apiErr.StatusCode
		return pe
	}
	return NewProviderError(p.Name(), ErrorCodeUnknown, err.Error(), err)
}

type anthropicStream struct {
	provider *AnthropicProvider
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (*StreamChunk, error) {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if use, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
					Index:        int(ev.Index),
					ID:           use.ID,
					FunctionName: use.Name,
				}}}, nil
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					return &StreamChunk{Delta: delta.Text}, nil
				}
			case anthropic.InputJSONDelta:
				if delta.PartialJSON != "" {
					return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
						Index:         int(ev.Index),
						ArgumentDelta: delta.PartialJSON,
					}}}, nil
				}
			}
		case anthropic.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				return &StreamChunk{FinishReason: string(ev.Delta.StopReason)}, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, s.provider.wrapError(err)
	}
	return nil, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
