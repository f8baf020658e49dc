package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aixgo-dev/convergence/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider with a span per call recording
// model, token usage and duration.
type InstrumentedProvider struct {
	provider Provider
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return &InstrumentedProvider{provider: provider}
}

// UnwrapProvider returns the underlying provider if wrapped, otherwise returns the provider as-is
func UnwrapProvider(provider Provider) Provider {
	if instrumented, ok := provider.(*InstrumentedProvider); ok {
		return instrumented.provider
	}
	return provider
}

func (p *InstrumentedProvider) attributes(request CompletionRequest) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", p.provider.Name()),
		attribute.String("llm.model", request.Model),
		attribute.Int("llm.max_tokens", request.MaxTokens),
		attribute.Int("llm.messages_count", len(request.Messages)),
	}
	if request.Temperature != nil {
		attrs = append(attrs, attribute.Float64("llm.temperature", *request.Temperature))
	}
	return attrs
}

// CreateCompletion creates a completion with automatic instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.completion", p.provider.Name()),
		trace.WithAttributes(p.attributes(request)...),
	)
	defer span.End()

	start := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
		attribute.String("llm.finish_reason", response.FinishReason),
	)
	return response, nil
}

// CreateStreaming creates a streaming response with instrumentation. The
// span ends when the stream is closed.
func (p *InstrumentedProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.streaming", p.provider.Name()),
		trace.WithAttributes(append(p.attributes(request), attribute.Bool("llm.streaming", true))...),
	)

	stream, err := p.provider.CreateStreaming(ctx, request)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		return nil, err
	}
	return &instrumentedStream{stream: stream, span: span, start: time.Now()}, nil
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

type instrumentedStream struct {
	stream Stream
	span   trace.Span
	start  time.Time
	chunks int
	ended  bool
}

func (s *instrumentedStream) Recv() (*StreamChunk, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			observability.RecordError(s.span, err)
		}
		return chunk, err
	}
	s.chunks++
	if chunk != nil && chunk.FinishReason != "" {
		s.span.SetAttributes(attribute.String("llm.finish_reason", chunk.FinishReason))
	}
	return chunk, nil
}

func (s *instrumentedStream) Close() error {
	err := s.stream.Close()
	if s.ended {
		return err
	}
	s.ended = true
	s.span.SetAttributes(
		attribute.Int("llm.streaming.chunks_total", s.chunks),
		attribute.Int64("llm.streaming.duration_ms", time.Since(s.start).Milliseconds()),
	)
	observability.RecordError(s.span, err)
	s.span.End()
	return err
}
