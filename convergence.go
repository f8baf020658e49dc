// Package convergence wires the orchestration engine: it owns the resource
// repository, chat history store, toolset plugins, model providers and the
// A2A client, and turns process references into ready processes.
//
//	settings, _ := config.Load("")
//	engine, err := convergence.New(ctx, settings)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	stream, err := engine.Invoke(ctx, "research.default", "Compare Go and Rust", agent.WithSessionID("s-1"))
package convergence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/agents"
	"github.com/aixgo-dev/convergence/internal/kernel"
	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/orchestration"
	"github.com/aixgo-dev/convergence/internal/plugin"
	"github.com/aixgo-dev/convergence/internal/resolver"
	"github.com/aixgo-dev/convergence/internal/workflow"
	"github.com/aixgo-dev/convergence/pkg/a2a"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/config"
	"github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/resource"
	"github.com/aixgo-dev/convergence/pkg/security"
	"github.com/aixgo-dev/convergence/pkg/session"
)

// Engine resolves and runs processes.
type Engine struct {
	settings *config.Settings
	logger   *zap.Logger

	repo      resource.Repository
	chats     session.ChatStore
	plugins   *plugin.Manager
	providers *provider.Registry
	client    *a2a.Client

	resolver  *resolver.Resolver
	assembler *kernel.Assembler
	agents    *agents.Factory
	processes *orchestration.Factory
	runs      *workflow.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRepository replaces the repository the settings select.
func WithRepository(repo resource.Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithChatStore replaces the chat store the settings select.
func WithChatStore(store session.ChatStore) Option {
	return func(e *Engine) { e.chats = store }
}

// WithProviders sets the provider registry, typically to register custom
// providers or test doubles.
func WithProviders(r *provider.Registry) Option {
	return func(e *Engine) { e.providers = r }
}

// WithPlugins sets the toolset plugin manager.
func WithPlugins(m *plugin.Manager) Option {
	return func(e *Engine) { e.plugins = m }
}

// WithA2AClient sets the client remote agents use.
func WithA2AClient(c *a2a.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New builds an engine from settings. A nil settings uses config.Default.
func New(ctx context.Context, settings *config.Settings, opts ...Option) (*Engine, error) {
	if settings == nil {
		settings = config.Default()
	}
	e := &Engine{settings: settings, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	if e.repo == nil {
		repo, err := newRepository(ctx, settings.Store)
		if err != nil {
			return nil, err
		}
		e.repo = repo
	}
	if e.chats == nil {
		store, err := session.New(settings.Chat)
		if err != nil {
			_ = e.repo.Close()
			return nil, fmt.Errorf("failed to create chat store: %w", err)
		}
		e.chats = store
	}
	if e.plugins == nil {
		e.plugins = plugin.NewManager(plugin.WithLogger(e.logger))
	}
	if e.providers == nil {
		e.providers = provider.NewRegistry()
	}
	if e.client == nil {
		e.client = newA2AClient(settings.A2A, e.logger)
	}

	e.resolver = resolver.New(e.repo, resolver.WithLogger(e.logger))
	e.assembler = kernel.NewAssembler(e.resolver,
		kernel.WithProviders(e.providers),
		kernel.WithPlugins(e.plugins),
		kernel.WithLogger(e.logger),
	)
	e.agents = agents.NewFactory(e.resolver, e.assembler,
		agents.WithChatStore(e.chats),
		agents.WithA2AClient(e.client),
		agents.WithLogger(e.logger),
	)
	e.processes = orchestration.NewFactory(e.agents, e.assembler, e.logger)
	e.runs = workflow.NewRecorder(e.repo, resource.DefaultNamespace, e.logger)

	e.logger.Info("engine ready",
		zap.String("store", settings.Store.Type),
		zap.String("chat", settings.Chat.Type),
	)
	return e, nil
}

func newRepository(ctx context.Context, cfg config.StoreConfig) (resource.Repository, error) {
	switch cfg.Type {
	case config.StoreMemory, "":
		return resource.NewMemoryRepository(), nil
	case config.StoreRedis:
		repo, err := resource.NewRedisRepository(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect resource store: %w", err)
		}
		return repo, nil
	case config.StoreFirestore:
		repo, err := resource.NewFirestoreRepository(ctx, cfg.Firestore)
		if err != nil {
			return nil, fmt.Errorf("failed to connect resource store: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func newA2AClient(cfg config.A2AConfig, logger *zap.Logger) *a2a.Client {
	policy := security.DefaultURLPolicy()
	policy.BlockPrivateIPs = !cfg.AllowPrivate

	opts := []a2a.Option{
		a2a.WithLogger(logger),
		a2a.WithURLValidator(security.NewURLValidator(policy)),
		a2a.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, a2a.WithRateLimit(cfg.RateLimit, cfg.Burst))
	}
	if cfg.MaxFailures > 0 {
		opts = append(opts, a2a.WithCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout))
	}
	return a2a.NewClient(opts...)
}

// Repository returns the resource repository.
func (e *Engine) Repository() resource.Repository {
	return e.repo
}

// ChatStore returns the store hosted agents keep histories in.
func (e *Engine) ChatStore() session.ChatStore {
	return e.chats
}

// Plugins returns the toolset plugin manager.
func (e *Engine) Plugins() *plugin.Manager {
	return e.plugins
}

// Runs returns the run recorder.
func (e *Engine) Runs() *workflow.Recorder {
	return e.runs
}

// Apply adds or replaces resources in the repository.
func (e *Engine) Apply(ctx context.Context, resources []*resource.Resource) error {
	return resource.Apply(ctx, e.repo, resources)
}

// qualify places a bare name in the default namespace.
func qualify(ref string) string {
	if strings.ContainsAny(ref, ".:") {
		return ref
	}
	return ref + "." + resource.DefaultNamespace
}

// Process resolves ref ("name" or "name.namespace") and builds the process.
// A process without its own max_concurrency gets the configured default.
func (e *Engine) Process(ctx context.Context, ref string) (orchestration.Process, error) {
	def, err := e.resolver.Process(ctx, qualify(ref))
	if err != nil {
		return nil, err
	}
	if def.MaxConcurrency == 0 && e.settings.Orchestration.MaxConcurrency > 0 {
		d := *def
		d.MaxConcurrency = e.settings.Orchestration.MaxConcurrency
		def = &d
	}
	return e.processes.Create(ref, def, nil)
}

// Agent resolves ref to a stored agent and builds it.
func (e *Engine) Agent(ctx context.Context, ref string) (agent.Agent, error) {
	def, err := e.resolver.Agent(ctx, qualify(ref), nil)
	if err != nil {
		return nil, err
	}
	return e.agents.Create(ctx, ref, def, nil)
}

// Toolset resolves ref to a stored toolset and loads its plugin.
func (e *Engine) Toolset(ctx context.Context, ref string) (plugin.Plugin, error) {
	ref = qualify(ref)
	def, err := e.resolver.Toolset(ctx, ref, nil)
	if err != nil {
		return nil, err
	}
	def, err = e.resolver.ComposeToolset(ctx, def, nil)
	if err != nil {
		return nil, err
	}
	target, err := resolver.Parse(ref)
	if err != nil {
		return nil, err
	}
	return e.plugins.Load(ctx, target.Name, def)
}

// Invoke resolves the process ref and streams its answer to prompt. The
// invocation is recorded as a Run whose ID is the stream ID.
func (e *Engine) Invoke(ctx context.Context, ref, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	p, err := e.Process(ctx, ref)
	if err != nil {
		return nil, err
	}
	stream, err := p.InvokeStreaming(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	return e.runs.Track(ctx, p.Name(), agent.Apply(opts...).SessionID, stream), nil
}

// HealthChecker returns a checker probing the engine's stores.
func (e *Engine) HealthChecker() *observability.HealthChecker {
	checker := observability.NewHealthChecker()
	checker.RegisterCheck(observability.StoreCheck("resources", func(ctx context.Context) error {
		_, err := e.repo.List(ctx, resource.KindProcess, resource.DefaultNamespace, nil)
		return err
	}))
	if p, ok := e.chats.(interface{ Ping(context.Context) error }); ok {
		checker.RegisterCheck(observability.StoreCheck("chat", p.Ping))
	}
	return checker
}

// Close releases the plugins and stores.
func (e *Engine) Close() error {
	return errors.Join(
		e.plugins.Close(),
		e.chats.Close(),
		e.repo.Close(),
	)
}
