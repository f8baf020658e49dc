package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/plugin"
	"github.com/aixgo-dev/convergence/internal/resolver"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/embeddings"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/vectorstore"
	"github.com/aixgo-dev/convergence/pkg/vectorstore/firestore"
	"github.com/aixgo-dev/convergence/pkg/vectorstore/memory"
)

// Vector store types.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
)

const defaultCollection = "knowledge"

// EmbeddingFactory builds an embedding service.
type EmbeddingFactory func(ctx context.Context, def definition.EmbeddingDefinition) (embeddings.EmbeddingService, error)

// StoreFactory builds a vector store.
type StoreFactory func(ctx context.Context, def definition.StoreDefinition) (vectorstore.VectorStore, error)

// Assembler builds kernels from definitions.
type Assembler struct {
	resolver   *resolver.Resolver
	providers  *provider.Registry
	plugins    *plugin.Manager
	embeddings EmbeddingFactory
	stores     StoreFactory
	logger     *zap.Logger

	mu     sync.Mutex
	memory map[string]*memory.Store
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// WithProviders sets the provider registry.
func WithProviders(r *provider.Registry) Option {
	return func(a *Assembler) { a.providers = r }
}

// WithPlugins sets the plugin manager toolsets are loaded through.
func WithPlugins(m *plugin.Manager) Option {
	return func(a *Assembler) { a.plugins = m }
}

// WithEmbeddings overrides how embedding services are built.
func WithEmbeddings(f EmbeddingFactory) Option {
	return func(a *Assembler) { a.embeddings = f }
}

// WithStores overrides how vector stores are built.
func WithStores(f StoreFactory) Option {
	return func(a *Assembler) { a.stores = f }
}

// NewAssembler creates an assembler resolving references through r.
func NewAssembler(r *resolver.Resolver, opts ...Option) *Assembler {
	a := &Assembler{
		resolver:   r,
		embeddings: embeddings.New,
		logger:     zap.NewNop(),
		memory:     make(map[string]*memory.Store),
	}
	a.stores = a.defaultStore
	for _, opt := range opts {
		opt(a)
	}
	if a.providers == nil {
		a.providers = provider.NewRegistry()
	}
	if a.plugins == nil {
		a.plugins = plugin.NewManager(plugin.WithLogger(a.logger))
	}
	return a
}

// Build composes def and binds its capabilities.
func (a *Assembler) Build(ctx context.Context, def *definition.KernelDefinition, coll *definition.ComponentCollection) (*Kernel, error) {
	if def == nil {
		return nil, problem.InvalidConfiguration("kernel is not configured")
	}
	def, err := a.resolver.ComposeKernel(ctx, def, coll)
	if err != nil {
		return nil, err
	}

	k := &Kernel{plugins: make(map[string]plugin.Plugin)}
	if def.Reasoning != nil {
		p, err := a.providers.Create(ctx, def.Reasoning)
		if err != nil {
			return nil, err
		}
		k.chat = provider.WrapProvider(p)
		k.settings = def.Reasoning.Settings
	}

	if def.Knowledge != nil {
		k.knowledge, err = a.knowledge(ctx, def.Knowledge)
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(def.Toolsets))
	for name := range def.Toolsets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if def.Toolsets[name] == nil {
			return nil, problem.InvalidConfiguration("toolset %s has no definition", name)
		}
		ts, err := a.resolver.ComposeToolset(ctx, def.Toolsets[name], coll)
		if err != nil {
			return nil, fmt.Errorf("toolset %s: %w", name, err)
		}
		p, err := a.plugins.Load(ctx, name, ts)
		if err != nil {
			return nil, err
		}
		k.plugins[name] = p
	}

	a.logger.Debug("kernel assembled",
		zap.Bool("reasoning", k.chat != nil),
		zap.Bool("knowledge", k.knowledge != nil),
		zap.Int("toolsets", len(k.plugins)))
	return k, nil
}

func (a *Assembler) knowledge(ctx context.Context, def *definition.KnowledgeDefinition) (*Knowledge, error) {
	embedder, err := a.embeddings(ctx, def.Embedding)
	if err != nil {
		return nil, err
	}
	store, err := a.stores(ctx, def.Store)
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}
	return NewKnowledge(embedder, store, def.TopK, def.MinScore), nil
}

// defaultStore shares one in-memory store per collection so documents added
// through one kernel are visible to every kernel naming that collection.
func (a *Assembler) defaultStore(ctx context.Context, def definition.StoreDefinition) (vectorstore.VectorStore, error) {
	collection := def.Collection
	if collection == "" {
		collection = defaultCollection
	}

	switch def.Type {
	case StoreMemory, "":
		a.mu.Lock()
		defer a.mu.Unlock()
		s, ok := a.memory[collection]
		if !ok {
			s = memory.New(0)
			a.memory[collection] = s
		}
		return s, nil
	case StoreFirestore:
		if def.Project == "" {
			return nil, problem.InvalidConfiguration("firestore knowledge store requires project")
		}
		return firestore.New(ctx, firestore.Config{ProjectID: def.Project, Collection: collection})
	default:
		return nil, problem.UnsupportedOperation("knowledge store %q is not supported", def.Type)
	}
}

// Function builds the kernel of def and binds its template.
func (a *Assembler) Function(ctx context.Context, def *definition.FunctionDefinition, coll *definition.ComponentCollection) (*Function, error) {
	if def == nil {
		return nil, problem.InvalidConfiguration("function is not configured")
	}
	k, err := a.Build(ctx, def.Kernel, coll)
	if err != nil {
		return nil, err
	}
	return NewFunction(k, def)
}
