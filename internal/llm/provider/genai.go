package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	genaiDefaultModel    = "gemini-2.0-flash"
	genaiDefaultLocation = "us-central1"
	genaiMaxRetries      = 3
	genaiBaseDelay       = 1 * time.Second
	genaiMaxDelay        = 16 * time.Second
	genaiJitterFactor    = 0.3
	genaiClientTimeout   = 30 * time.Second
)

// GenAIProvider implements Provider with the Google Gen AI SDK. The same
// client serves the Gemini API and Vertex AI.
type GenAIProvider struct {
	name   string
	model  string
	client *genai.Client
}

// NewGeminiProvider creates a provider against the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GenAIProvider, error) {
	return newGenAIProvider(ctx, "gemini", model, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

// NewVertexAIProvider creates a provider against Vertex AI. Authentication
// uses Application Default Credentials.
func NewVertexAIProvider(ctx context.Context, project, location, model string) (*GenAIProvider, error) {
	if location == "" {
		location = genaiDefaultLocation
	}
	return newGenAIProvider(ctx, "vertexai", model, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
}

func newGenAIProvider(ctx context.Context, name, model string, cfg *genai.ClientConfig) (*GenAIProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, genaiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	if model == "" {
		model = genaiDefaultModel
	}
	return &GenAIProvider{name: name, model: model, client: client}, nil
}

// Name returns the provider name
func (p *GenAIProvider) Name() string {
	return p.name
}

// CreateCompletion generates content, retrying transient failures with
// exponential backoff.
func (p *GenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, contents, config := p.buildRequest(req)

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < genaiMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil || !isRetryableGenAIError(err) {
			break
		}
	}
	if err != nil {
		return nil, p.wrapError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError(p.name, ErrorCodeUnknown, "no candidates in response", nil)
	}
	text, finish := candidateText(resp)
	calls := candidateCalls(resp)

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if finish == "" {
		finish = "stop"
	}
	return &CompletionResponse{Content: text, FinishReason: finish, Usage: usage, ToolCalls: calls}, nil
}

// CreateStreaming starts a streamed generation.
func (p *GenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model, contents, config := p.buildRequest(req)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
	return &genaiStream{provider: p, next: next, stop: stop}, nil
}

func (p *GenAIProvider) buildRequest(req CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}

	system, rest := splitSystem(req.Messages)
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	for _, t := range req.Tools {
		if len(config.Tools) == 0 {
			config.Tools = []*genai.Tool{{}}
		}
		var schema map[string]any
		_ = json.Unmarshal(toolSchema(t), &schema)
		config.Tools[0].FunctionDeclarations = append(config.Tools[0].FunctionDeclarations, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case "assistant":
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(rawArguments(tc.Function.Arguments), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: map[string]any{"output": m.Content},
			}}
			// Responses to one model turn share a content.
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && contents[n-1].Parts[0].FunctionResponse != nil {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return model, contents, config
}

func candidateCalls(resp *genai.GenerateContentResponse) []ToolCall {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var calls []ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall == nil {
			continue
		}
		args, _ := json.Marshal(part.FunctionCall.Args)
		id := part.FunctionCall.ID
		if id == "" {
			id = part.FunctionCall.Name
		}
		calls = append(calls, ToolCall{
			ID:       id,
			Type:     "function",
			Function: FunctionCall{Name: part.FunctionCall.Name, Arguments: rawArguments(args)},
		})
	}
	return calls
}

func candidateText(resp *genai.GenerateContentResponse) (string, string) {
	if len(resp.Candidates) == 0 {
		return "", ""
	}
	candidate := resp.Candidates[0]
	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	finish := ""
	switch candidate.FinishReason {
	case "":
	case genai.FinishReasonStop:
		finish = "stop"
	default:
		finish = strings.ToLower(string(candidate.FinishReason))
	}
	return sb.String(), finish
}

// wrapError converts Gen AI errors to ProviderError
func (p *GenAIProvider) wrapError(err error) error {
	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "credential") || strings.Contains(msg, "403") || strings.Contains(msg, "401"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400") || strings.Contains(msg, "404"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		code = ErrorCodeServerError
	}
	return NewProviderError(p.name, code, err.Error(), err)
}

func isRetryableGenAIError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "unavailable")
}

// backoff returns 1s, 2s, 4s... capped at genaiMaxDelay, with ±30% jitter.
func backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), 30)
	delay := min(time.Duration(1<<uint(shift))*genaiBaseDelay, genaiMaxDelay)
	jitter := time.Duration(float64(delay) * genaiJitterFactor * (rand.Float64()*2 - 1))
	return delay + jitter
}

// genaiStream pulls responses from the SDK's iterator.
type genaiStream struct {
	provider *GenAIProvider
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	done     bool
	calls    int
}

func (s *genaiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, s.provider.wrapError(err)
	}
	text, finish := candidateText(resp)
	chunk := &StreamChunk{Delta: text, FinishReason: finish}
	for _, call := range candidateCalls(resp) {
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
			Index:         s.calls,
			ID:            call.ID,
			FunctionName:  call.Function.Name,
			ArgumentDelta: string(call.Function.Arguments),
		})
		s.calls++
	}
	return chunk, nil
}

func (s *genaiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
