package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// MockProvider is a scripted provider for tests. Queued results are consumed
// in order by either call style; once the queue is empty Respond, when set,
// computes the reply, otherwise "Mock response" is returned.
type MockProvider struct {
	name string

	mu      sync.Mutex
	results []mockResult

	// Respond computes the reply when no queued result remains.
	Respond func(request CompletionRequest) (string, error)

	// Calls records every request in arrival order.
	Calls []CompletionRequest
}

type mockResult struct {
	chunks []string
	calls  []ToolCall
	err    error
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// AddResponse queues a reply streamed as the given chunks.
func (m *MockProvider) AddResponse(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{chunks: chunks})
	return m
}

// AddToolCall queues a turn in which the model asks for the given calls.
func (m *MockProvider) AddToolCall(calls ...ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{calls: calls})
	return m
}

// AddError queues a failure.
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{err: err})
	return m
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.Calls...)
}

func (m *MockProvider) next(request CompletionRequest) mockResult {
	m.mu.Lock()
	m.Calls = append(m.Calls, request)
	if len(m.results) > 0 {
		r := m.results[0]
		m.results = m.results[1:]
		m.mu.Unlock()
		return r
	}
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		text, err := respond(request)
		return mockResult{chunks: []string{text}, err: err}
	}
	return mockResult{chunks: []string{"Mock response"}}
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := m.next(request)
	if r.err != nil {
		return nil, r.err
	}
	resp := &CompletionResponse{Content: strings.Join(r.chunks, ""), FinishReason: "stop", ToolCalls: r.calls}
	if len(r.calls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

// CreateStreaming implements Provider
func (m *MockProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := m.next(request)
	if r.err != nil {
		return nil, r.err
	}
	return &MockStream{ctx: ctx, chunks: r.chunks, calls: r.calls}, nil
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// MockStream replays chunks, then any tool calls as one chunk, then io.EOF.
type MockStream struct {
	ctx    context.Context
	chunks []string
	calls  []ToolCall
	index  int
	closed bool
}

// Recv implements Stream
func (s *MockStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, errors.New("stream closed")
	}
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
	}
	if s.index == len(s.chunks) && len(s.calls) > 0 {
		chunk := &StreamChunk{FinishReason: "tool_calls"}
		for i, c := range s.calls {
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
				Index:         i,
				ID:            c.ID,
				FunctionName:  c.Function.Name,
				ArgumentDelta: string(c.Function.Arguments),
			})
		}
		s.index++
		return chunk, nil
	}
	if s.index >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := &StreamChunk{Delta: s.chunks[s.index]}
	s.index++
	if s.index == len(s.chunks) && len(s.calls) == 0 {
		chunk.FinishReason = "stop"
	}
	return chunk, nil
}

// Close implements Stream
func (s *MockStream) Close() error {
	s.closed = true
	return nil
}
