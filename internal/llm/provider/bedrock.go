package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider implements Provider on the Amazon Bedrock Converse API.
// Credentials come from the default AWS chain.
type BedrockProvider struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrockProvider loads the default AWS configuration for region.
func NewBedrockProvider(ctx context.Context, region, model string) (*BedrockProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg), model: model}, nil
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion calls Converse.
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, messages, system, inference := p.buildRequest(req)
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
		ToolConfig:      toolConfig(req.Tools),
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	resp := &CompletionResponse{FinishReason: stopReason(out.StopReason)}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				resp.Content += b.Value
			case *types.ContentBlockMemberToolUse:
				var args []byte
				if b.Value.Input != nil {
					args, _ = b.Value.Input.MarshalSmithyDocument()
				}
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:       aws.ToString(b.Value.ToolUseId),
					Type:     "function",
					Function: FunctionCall{Name: aws.ToString(b.Value.Name), Arguments: rawArguments(args)},
				})
			}
		}
	}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// CreateStreaming calls ConverseStream.
func (p *BedrockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model, messages, system, inference := p.buildRequest(req)
	out, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
		ToolConfig:      toolConfig(req.Tools),
	})
	if err != nil {
		return nil, p.wrapError(err)
	}
	return &bedrockStream{provider: p, stream: out.GetStream()}, nil
}

func (p *BedrockProvider) buildRequest(req CompletionRequest) (string, []types.Message, []types.SystemContentBlock, *types.InferenceConfiguration) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	system, rest := splitSystem(req.Messages)
	var systemBlocks []types.SystemContentBlock
	if system != "" {
		systemBlocks = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	messages := make([]types.Message, 0, len(rest))
	for _, m := range rest {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []types.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(rawArguments(tc.Function.Arguments), &args)
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
			messages = append(messages, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		case m.Role == "tool":
			block := &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
			}}
			// Results for one assistant turn share a user message.
			if n := len(messages); n > 0 && messages[n-1].Role == types.ConversationRoleUser {
				if _, ok := messages[n-1].Content[0].(*types.ContentBlockMemberToolResult); ok {
					messages[n-1].Content = append(messages[n-1].Content, block)
					continue
				}
			}
			messages = append(messages, types.Message{Role: types.ConversationRoleUser, Content: []types.ContentBlock{block}})
		default:
			role := types.ConversationRoleUser
			if m.Role == "assistant" {
				role = types.ConversationRoleAssistant
			}
			messages = append(messages, types.Message{
				Role:    role,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	inference := &types.InferenceConfiguration{StopSequences: req.Stop}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	return model, messages, systemBlocks, inference
}

func toolConfig(tools []Tool) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	cfg := &types.ToolConfiguration{}
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(toolSchema(t), &schema)
		spec := types.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if t.Description != "" {
			spec.Description = aws.String(t.Description)
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{Value: spec})
	}
	return cfg
}

func (p *BedrockProvider) wrapError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		pe := NewProviderError(p.Name(), classifyStatus(status), respErr.Error(), err)
		pe.StatusCode = status
		return pe
	}
	return NewProviderError(p.Name(), ErrorCodeUnknown, err.Error(), err)
}

func stopReason(reason types.StopReason) string {
	switch reason {
	case "", types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	case types.StopReasonMaxTokens:
		return "length"
	default:
		return string(reason)
	}
}

type bedrockStream struct {
	provider *BedrockProvider
	stream   *bedrockruntime.ConverseStreamEventStream
}

func (s *bedrockStream) Recv() (*StreamChunk, error) {
	for event := range s.stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if use, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
					Index:        int(aws.ToInt32(ev.Value.ContentBlockIndex)),
					ID:           aws.ToString(use.Value.ToolUseId),
					FunctionName: aws.ToString(use.Value.Name),
				}}}, nil
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					return &StreamChunk{Delta: delta.Value}, nil
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if input := aws.ToString(delta.Value.Input); input != "" {
					return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
						Index:         int(aws.ToInt32(ev.Value.ContentBlockIndex)),
						ArgumentDelta: input,
					}}}, nil
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			return &StreamChunk{FinishReason: stopReason(ev.Value.StopReason)}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, s.provider.wrapError(err)
	}
	return nil, io.EOF
}

func (s *bedrockStream) Close() error {
	return s.stream.Close()
}
