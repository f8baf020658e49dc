// Package orchestration runs processes: groups of agents coordinated by
// kernel function strategies to answer one prompt.
package orchestration

import (
	"context"
	"sync"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/kernel"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
)

// Process outcomes reported to metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Process answers a prompt by coordinating agents.
type Process interface {
	// Name returns the name the process was created under.
	Name() string

	// Invoke buffers InvokeStreaming.
	Invoke(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.Response, error)

	// InvokeStreaming returns immediately. Work starts when the stream is
	// first read.
	InvokeStreaming(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error)
}

// AgentFactory builds agents from definitions.
type AgentFactory interface {
	Create(ctx context.Context, name string, def *definition.AgentDefinition, coll *definition.ComponentCollection) (agent.Agent, error)
}

// FunctionBuilder binds strategy definitions to kernels.
type FunctionBuilder interface {
	Function(ctx context.Context, def *definition.FunctionDefinition, coll *definition.ComponentCollection) (*kernel.Function, error)
}

// strategyFunction binds a strategy definition on first use and reuses the
// function for the life of the process. A failed bind is retried next time.
type strategyFunction struct {
	def       *definition.FunctionDefinition
	coll      *definition.ComponentCollection
	functions FunctionBuilder

	mu sync.Mutex
	fn *kernel.Function
}

func newStrategyFunction(def *definition.FunctionDefinition, coll *definition.ComponentCollection, functions FunctionBuilder) *strategyFunction {
	return &strategyFunction{def: def, coll: coll, functions: functions}
}

func (s *strategyFunction) get(ctx context.Context) (*kernel.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		return s.fn, nil
	}
	fn, err := s.functions.Function(ctx, s.def, s.coll)
	if err != nil {
		return nil, err
	}
	s.fn = fn
	return fn, nil
}

// invoke buffers a process stream.
func invoke(ctx context.Context, p Process, prompt string, opts ...agent.InvokeOption) (*chat.Response, error) {
	stream, err := p.InvokeStreaming(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}
