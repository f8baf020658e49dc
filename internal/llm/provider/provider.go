// Package provider adapts model vendors' chat completion APIs to one
// streaming interface.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
)

// Provider is a chat completion capability.
type Provider interface {
	// CreateCompletion runs the request to completion.
	CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// CreateStreaming starts a streamed completion. The caller must Close the stream.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g., "openai", "anthropic")
	Name() string
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant", "tool"
	Content string `json:"content"` // The message content

	// ToolCalls are the calls an assistant turn asked for.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a "tool" message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Tool represents a function/tool that can be called by the LLM
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema for parameters
}

// ToolCall represents a function call made by the model
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages []Message `json:"messages"`

	// Tools available for the model to call
	Tools []Tool `json:"tools,omitempty"`

	// Model overrides the model the provider was built with.
	Model string `json:"model,omitempty"`

	// Temperature controls randomness; nil leaves the provider default.
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`

	// ToolCalls if the model called any tools
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream represents a streaming response
type Stream interface {
	// Recv returns the next chunk, or io.EOF once the model has finished.
	Recv() (*StreamChunk, error)

	// Close releases the stream.
	Close() error
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	// Delta is the incremental content
	Delta string `json:"delta"`

	// FinishReason is set on the last chunk
	FinishReason string `json:"finish_reason,omitempty"`

	// ToolCallDeltas if tools are being called
	ToolCallDeltas []ToolCallDelta `json:"tool_call_deltas,omitempty"`
}

// ToolCallDelta represents an incremental tool call update. Deltas with the
// same Index belong to one call.
type ToolCallDelta struct {
	Index         int    `json:"index"`
	ID            string `json:"id,omitempty"`
	FunctionName  string `json:"function_name,omitempty"`
	ArgumentDelta string `json:"argument_delta,omitempty"`
}

// ToolCallAccumulator assembles streamed tool call deltas into calls.
type ToolCallAccumulator struct {
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Add folds deltas into the calls seen so far.
func (a *ToolCallAccumulator) Add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		if a.calls == nil {
			a.calls = make(map[int]*pendingCall)
		}
		c, ok := a.calls[d.Index]
		if !ok {
			c = &pendingCall{}
			a.calls[d.Index] = c
		}
		if d.ID != "" {
			c.id = d.ID
		}
		if d.FunctionName != "" {
			c.name = d.FunctionName
		}
		c.args.WriteString(d.ArgumentDelta)
	}
}

// Calls returns the assembled calls ordered by index. A call without
// arguments gets an empty JSON object.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, len(indexes))
	for i, idx := range indexes {
		c := a.calls[idx]
		args := c.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out[i] = ToolCall{ID: c.id, Type: "function", Function: FunctionCall{Name: c.name, Arguments: json.RawMessage(args)}}
	}
	return out
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeUnknown        = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableError(code),
	}
}

// isRetryableError determines if an error code is retryable
func isRetryableError(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to an error code.
func classifyStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrorCodeAuthentication
	case status == 429:
		return ErrorCodeRateLimit
	case status == 408:
		return ErrorCodeTimeout
	case status >= 500:
		return ErrorCodeServerError
	case status >= 400:
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

// Collect drains a stream into a single response and closes it.
func Collect(stream Stream) (*CompletionResponse, error) {
	defer stream.Close()

	var sb strings.Builder
	var calls ToolCallAccumulator
	resp := &CompletionResponse{}
	for {
		chunk, err := stream.Recv()
		if chunk != nil {
			sb.WriteString(chunk.Delta)
			calls.Add(chunk.ToolCallDeltas)
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	resp.Content = sb.String()
	resp.ToolCalls = calls.Calls()
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	return resp, nil
}

// rawArguments returns call arguments as a JSON object, defaulting to {}.
func rawArguments(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

// toolSchema returns a tool's parameter schema, defaulting to an empty object schema.
func toolSchema(t Tool) json.RawMessage {
	if len(t.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}

// splitSystem separates system messages, joined by blank lines, from the rest.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
