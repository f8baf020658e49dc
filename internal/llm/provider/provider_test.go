package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

func TestRegistry_MissingFields(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	tests := []struct {
		name  string
		def   definition.ReasoningDefinition
		field string
	}{
		{"openai key", definition.ReasoningDefinition{Provider: definition.ProviderOpenAI}, "api_key"},
		{"azure deployment", definition.ReasoningDefinition{Provider: definition.ProviderAzureOpenAI, Endpoint: "https://x", APIKey: "k"}, "deployment"},
		{"azure endpoint", definition.ReasoningDefinition{Provider: definition.ProviderAzureOpenAI, Deployment: "d", APIKey: "k"}, "endpoint"},
		{"ollama model", definition.ReasoningDefinition{Provider: definition.ProviderOllama}, "model"},
		{"anthropic key", definition.ReasoningDefinition{Provider: definition.ProviderAnthropic}, "api_key"},
		{"gemini key", definition.ReasoningDefinition{Provider: definition.ProviderGemini}, "api_key"},
		{"vertex project", definition.ReasoningDefinition{Provider: definition.ProviderVertexAI}, "project"},
		{"bedrock region", definition.ReasoningDefinition{Provider: definition.ProviderBedrock, Model: "m"}, "region"},
	}

	reg := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			p, err := reg.Create(context.Background(), &def)
			if p != nil {
				t.Fatalf("expected no provider, got %s", p.Name())
			}
			if !errors.Is(err, problem.ErrInvalidConfiguration) {
				t.Fatalf("expected invalid configuration, got %v", err)
			}
			want := fmt.Sprintf("%s reasoning requires %s", tt.def.Provider, tt.field)
			var pe *problem.Error
			if !errors.As(err, &pe) || pe.Detail != want {
				t.Errorf("expected detail %q, got %v", want, err)
			}
		})
	}
}

func TestRegistry_UnsupportedProvider(t *testing.T) {
	_, err := NewRegistry().Create(context.Background(), &definition.ReasoningDefinition{Provider: "huggingface"})
	if !errors.Is(err, problem.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestRegistry_NilDefinition(t *testing.T) {
	_, err := NewRegistry().Create(context.Background(), nil)
	if !errors.Is(err, problem.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestRegistry_Override(t *testing.T) {
	mock := NewMockProvider("mock")
	reg := NewRegistry()
	reg.Register(definition.ProviderOpenAI, func(context.Context, *definition.ReasoningDefinition) (Provider, error) {
		return mock, nil
	})

	p, err := reg.Create(context.Background(), &definition.ReasoningDefinition{Provider: definition.ProviderOpenAI})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != mock {
		t.Errorf("expected registered provider")
	}
}

func TestRegistry_BuiltinOpenAIFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	p, err := NewRegistry().Create(context.Background(), &definition.ReasoningDefinition{Provider: definition.ProviderOpenAI})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("expected 'openai', got %s", p.Name())
	}
}

func TestCollect(t *testing.T) {
	mock := NewMockProvider("mock").AddResponse("Hel", "lo", "!")

	stream, err := mock.CreateStreaming(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", resp.FinishReason)
	}
}

func TestMockProvider_Script(t *testing.T) {
	boom := errors.New("boom")
	mock := NewMockProvider("mock").AddError(boom)
	mock.Respond = func(req CompletionRequest) (string, error) {
		return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
	}

	req := CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}}
	if _, err := mock.CreateStreaming(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("expected queued error, got %v", err)
	}
	resp, err := mock.CreateCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "echo: hi" {
		t.Errorf("expected echo, got %q", resp.Content)
	}
	if got := len(mock.Requests()); got != 2 {
		t.Errorf("expected 2 recorded requests, got %d", got)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "system", Content: "b"},
	})
	if system != "a\n\nb" {
		t.Errorf("unexpected system %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "q" {
		t.Errorf("unexpected rest %v", rest)
	}
}

func TestOpenAIProvider_CreateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing authorization header")
		}
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if req["model"] != "gpt-4" {
			t.Errorf("expected model gpt-4, got %v", req["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4"})
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected 'Hello!', got %s", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProvider_CreateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("expected 'Hello', got %q", resp.Content)
	}
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "wrong", BaseURL: server.URL})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "Hi"}}})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Code != ErrorCodeAuthentication || pe.IsRetryable {
		t.Errorf("unexpected error classification: %+v", pe)
	}
}

func TestAnthropicProvider_CreateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if _, ok := req["system"]; !ok {
			t.Error("expected system prompt to be sent separately")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"Hi there"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi there" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestInstrumentedProvider(t *testing.T) {
	mock := NewMockProvider("mock").AddResponse("a", "b")
	p := WrapProvider(mock)
	if WrapProvider(p) != p {
		t.Error("expected no double wrap")
	}
	if UnwrapProvider(p) != mock {
		t.Error("expected unwrap to return the mock")
	}

	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ab" {
		t.Errorf("expected 'ab', got %q", resp.Content)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Add([]ToolCallDelta{{Index: 1, ID: "b", FunctionName: "second"}})
	acc.Add([]ToolCallDelta{{Index: 0, ID: "a", FunctionName: "first", ArgumentDelta: `{"q":`}})
	acc.Add([]ToolCallDelta{{Index: 0, ArgumentDelta: `"go"}`}})

	calls := acc.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "a" || calls[0].Function.Name != "first" || string(calls[0].Function.Arguments) != `{"q":"go"}` {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if calls[1].Function.Name != "second" || string(calls[1].Function.Arguments) != "{}" {
		t.Errorf("unexpected second call %+v", calls[1])
	}
}

func TestMockProvider_ToolCall(t *testing.T) {
	mock := NewMockProvider("mock").AddToolCall(ToolCall{
		ID:       "call-1",
		Function: FunctionCall{Name: "weather-forecast", Arguments: json.RawMessage(`{"city":"Oslo"}`)},
	})

	stream, err := mock.CreateStreaming(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.ToolCalls[0].ID != "call-1" || string(resp.ToolCalls[0].Function.Arguments) != `{"city":"Oslo"}` {
		t.Errorf("unexpected call %+v", resp.ToolCalls[0])
	}
}

func TestOpenAIProvider_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []struct {
				Type     string `json:"type"`
				Function struct {
					Name       string         `json:"name"`
					Parameters map[string]any `json:"parameters"`
				} `json:"function"`
			} `json:"tools"`
			Messages []struct {
				Role       string `json:"role"`
				ToolCallID string `json:"tool_call_id"`
				ToolCalls  []any  `json:"tool_calls"`
			} `json:"messages"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "pets-list" || req.Tools[0].Function.Parameters["type"] != "object" {
			t.Errorf("unexpected tools %+v", req.Tools)
		}
		if len(req.Messages) != 3 || len(req.Messages[1].ToolCalls) != 1 || req.Messages[2].ToolCallID != "c1" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c2\",\"type\":\"function\",\"function\":{\"name\":\"pets-list\",\"arguments\":\"{\\\"limit\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"2}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "user", Content: "list pets"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Function: FunctionCall{Name: "pets-list"}}}},
			{Role: "tool", ToolCallID: "c1", Name: "pets-list", Content: "[]"},
		},
		Tools: []Tool{{Name: "pets-list", Description: "List pets"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "c2" || call.Function.Name != "pets-list" || string(call.Function.Arguments) != `{"limit":2}` {
		t.Errorf("unexpected call %+v", call)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", resp.FinishReason)
	}
}

func TestAnthropicProvider_ToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"input_schema"`
			} `json:"tools"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type      string `json:"type"`
					ToolUseID string `json:"tool_use_id"`
				} `json:"content"`
			} `json:"messages"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if len(req.Tools) != 1 || req.Tools[0].Name != "pets-get" {
			t.Errorf("unexpected tools %+v", req.Tools)
		}
		if len(req.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(req.Messages))
		}
		results := req.Messages[2].Content
		if req.Messages[2].Role != "user" || len(results) != 2 || results[0].Type != "tool_result" || results[1].ToolUseID != "t2" {
			t.Errorf("expected merged tool results, got %+v", req.Messages[2])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_2","type":"message","role":"assistant","model":"claude","content":[{"type":"tool_use","id":"t3","name":"pets-get","input":{"id":7}}],"stop_reason":"tool_use","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "user", Content: "get pets 1 and 2"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "t1", Function: FunctionCall{Name: "pets-get", Arguments: json.RawMessage(`{"id":1}`)}},
				{ID: "t2", Function: FunctionCall{Name: "pets-get", Arguments: json.RawMessage(`{"id":2}`)}},
			}},
			{Role: "tool", ToolCallID: "t1", Content: "cat"},
			{Role: "tool", ToolCallID: "t2", Content: "dog"},
		},
		Tools: []Tool{{
			Name:       "pets-get",
			Parameters: json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`),
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "t3" || string(resp.ToolCalls[0].Function.Arguments) != `{"id":7}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_use" {
		t.Errorf("expected finish reason tool_use, got %q", resp.FinishReason)
	}
}
