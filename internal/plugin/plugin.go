// Package plugin loads toolsets (MCP servers and OpenAPI documents) into
// callable function sets for a kernel.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"go.uber.org/zap"
)

// Function describes one callable tool.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Plugin is a loaded toolset.
type Plugin interface {
	Name() string
	Functions() []Function
	Invoke(ctx context.Context, function string, args map[string]any) (string, error)
	Close() error
}

// Loader loads toolsets of one type.
type Loader interface {
	Load(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error) {
	return f(ctx, name, def)
}

// Manager loads toolsets through per-type loaders and caches the result by
// toolset name for its whole lifetime. Entries are never evicted. Two
// concurrent first loads of one name may both reach the loader; the first
// stored result wins and the other plugin is closed.
type Manager struct {
	loaders map[definition.ToolsetType]Loader
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]Plugin
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLoader overrides the loader for a toolset type.
func WithLoader(t definition.ToolsetType, loader Loader) Option {
	return func(m *Manager) { m.loaders[t] = loader }
}

// NewManager creates a manager with the MCP and OpenAPI loaders.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		loaders: map[definition.ToolsetType]Loader{
			definition.ToolsetMCP:     NewMCPLoader(),
			definition.ToolsetOpenAPI: NewOpenAPILoader(nil),
		},
		logger: zap.NewNop(),
		cache:  make(map[string]Plugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the cached plugin for name, loading it on first use.
func (m *Manager) Load(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error) {
	m.mu.RLock()
	p, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	if def == nil {
		return nil, problem.InvalidConfiguration("toolset %q has no definition", name)
	}
	loader, ok := m.loaders[def.Type]
	if !ok {
		return nil, problem.UnsupportedOperation("toolset type %q is not supported", def.Type)
	}

	p, err := loader.Load(ctx, name, def)
	if err != nil {
		observability.RecordToolsetLoad(string(def.Type), "failure")
		return nil, fmt.Errorf("failed to load toolset %s: %w", name, err)
	}
	observability.RecordToolsetLoad(string(def.Type), "success")
	m.logger.Info("toolset loaded",
		zap.String("toolset", name),
		zap.String("type", string(def.Type)),
		zap.Int("functions", len(p.Functions())))

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cache[name]; ok {
		_ = p.Close()
		return existing, nil
	}
	m.cache[name] = p
	return p, nil
}

// Loaded returns the names of cached toolsets, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cache))
	for name := range m.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every cached plugin.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, p := range m.cache {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close toolset %s: %w", name, err)
		}
	}
	m.cache = make(map[string]Plugin)
	return firstErr
}

func findFunction(functions []Function, name string) bool {
	for _, f := range functions {
		if f.Name == name {
			return true
		}
	}
	return false
}
