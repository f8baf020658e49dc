package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/kernel"
	"github.com/aixgo-dev/convergence/internal/resolver"
	"github.com/aixgo-dev/convergence/pkg/a2a"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/session"
)

// Factory builds agents from definitions.
type Factory struct {
	resolver  *resolver.Resolver
	assembler *kernel.Assembler
	store     session.ChatStore
	client    *a2a.Client
	logger    *zap.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithChatStore sets where hosted agents keep their histories.
func WithChatStore(store session.ChatStore) FactoryOption {
	return func(f *Factory) { f.store = store }
}

// WithA2AClient sets the client remote agents are built on. Channel headers
// are layered on top of the client's own.
func WithA2AClient(c *a2a.Client) FactoryOption {
	return func(f *Factory) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// NewFactory creates a factory. Histories default to an in-memory store.
func NewFactory(r *resolver.Resolver, assembler *kernel.Assembler, opts ...FactoryOption) *Factory {
	f := &Factory{
		resolver:  r,
		assembler: assembler,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.store == nil {
		f.store = session.NewMemoryStore()
	}
	if f.client == nil {
		f.client = a2a.NewClient(a2a.WithLogger(f.logger))
	}
	return f
}

// Create builds the agent named name. use and extends references are
// resolved against coll or the global repository first.
func (f *Factory) Create(ctx context.Context, name string, def *definition.AgentDefinition, coll *definition.ComponentCollection) (agent.Agent, error) {
	if def == nil {
		return nil, problem.InvalidConfiguration("agent %s has no definition", name)
	}
	def, err := f.resolver.ComposeAgent(ctx, def, coll)
	if err != nil {
		return nil, err
	}
	variant, err := def.Variant()
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	switch v := variant.(type) {
	case definition.Hosted:
		k, err := f.assembler.Build(ctx, v.Kernel, coll)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		f.logger.Debug("created hosted agent", zap.String("agent", name))
		return NewHostedAgent(name, v, k, f.store, f.logger), nil

	case definition.Remote:
		return f.remote(ctx, name, v)

	default:
		return nil, problem.UnsupportedOperation("agent %s: unsupported agent variant %T", name, variant)
	}
}

func (f *Factory) remote(ctx context.Context, name string, v definition.Remote) (agent.Agent, error) {
	switch v.Channel.Type {
	case definition.ChannelA2A:
	default:
		return nil, problem.UnsupportedOperation("agent %s: channel type %q is not supported", name, v.Channel.Type)
	}
	if v.Channel.Endpoint == "" {
		return nil, problem.InvalidConfiguration("agent %s: a2a channel requires an endpoint", name)
	}

	client := f.client.With(v.Channel.Headers)
	card, err := client.Discover(ctx, v.Channel.Endpoint)
	if err != nil {
		return nil, withAgent(name, err)
	}
	f.logger.Debug("created remote agent",
		zap.String("agent", name),
		zap.String("endpoint", v.Channel.Endpoint),
		zap.Bool("streaming", card.Capabilities.Streaming))
	return NewRemoteAgent(name, v.Description, v.Channel.Endpoint, card, client, f.logger), nil
}
