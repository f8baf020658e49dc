// Package resolver turns textual component references into concrete
// definitions. A bare name is looked up in the contextual collection carried
// with a process; a name.namespace reference is loaded from the resource
// repository. Compose follows use and extends chains to an inline definition.
package resolver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/resource"
)

// Resolver resolves references contextually or against a repository.
type Resolver struct {
	repo   resource.Repository
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a resolver. repo may be nil, in which case only contextual
// references resolve.
func New(repo resource.Repository, opts ...Option) *Resolver {
	r := &Resolver{repo: repo, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target is a parsed reference.
type Target struct {
	Global    bool
	Name      string
	Namespace string
}

// String returns the canonical form of the reference.
func (t Target) String() string {
	if t.Global {
		return t.Name + "." + t.Namespace
	}
	return t.Name
}

// Parse splits a reference. A reference with a colon-delimited prefix is
// global and only its trailing segment is kept. A dotted reference is global
// and must be exactly name.namespace. Anything else is contextual.
func Parse(ref string) (Target, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Target{}, problem.InvalidConfiguration("empty component reference")
	}

	global := false
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		global = true
		ref = ref[i+1:]
	}
	if !global && !strings.Contains(ref, ".") {
		return Target{Name: ref}, nil
	}

	parts := strings.Split(ref, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, problem.InvalidQualifiedName(ref)
	}
	return Target{Global: true, Name: parts[0], Namespace: parts[1]}, nil
}

type component[T any] interface {
	*T
	definition.Component
}

// kind binds a definition type to its collection lookup and resource kind.
type kind[T any, P component[T]] struct {
	label    string
	resource resource.Kind
	local    func(*definition.ComponentCollection, string) (P, bool)
	decode   func(definition.Tree) (P, error)
	notFound func(ref string) error
}

var (
	agents = kind[definition.AgentDefinition, *definition.AgentDefinition]{
		label:    "agent",
		resource: resource.KindAgent,
		local:    (*definition.ComponentCollection).Agent,
		decode:   definition.DecodeAgent,
		notFound: func(ref string) error { return problem.AgentNotFound(ref) },
	}
	kernels = kind[definition.KernelDefinition, *definition.KernelDefinition]{
		label:    "kernel",
		resource: resource.KindKernel,
		local:    (*definition.ComponentCollection).Kernel,
		decode:   definition.DecodeKernel,
		notFound: func(ref string) error { return problem.ComponentNotFound("kernel", ref) },
	}
	toolsets = kind[definition.ToolsetDefinition, *definition.ToolsetDefinition]{
		label:    "toolset",
		resource: resource.KindToolset,
		local:    (*definition.ComponentCollection).Toolset,
		decode:   definition.DecodeToolset,
		notFound: func(ref string) error { return problem.ComponentNotFound("toolset", ref) },
	}
	processes = kind[definition.ProcessDefinition, *definition.ProcessDefinition]{
		label:    "process",
		resource: resource.KindProcess,
		local: func(*definition.ComponentCollection, string) (*definition.ProcessDefinition, bool) {
			return nil, false
		},
		decode:   definition.DecodeProcess,
		notFound: func(ref string) error { return problem.ComponentNotFound("process", ref) },
	}
)

func resolve[T any, P component[T]](ctx context.Context, r *Resolver, k kind[T, P], ref string, coll *definition.ComponentCollection) (P, error) {
	target, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	if !target.Global {
		def, ok := k.local(coll, target.Name)
		if !ok {
			return nil, k.notFound(ref)
		}
		return def, nil
	}

	if r.repo == nil {
		return nil, problem.InvalidConfiguration("cannot resolve %s %q: no resource repository configured", k.label, ref)
	}
	res, err := r.repo.Get(ctx, k.resource, target.Name, target.Namespace)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return nil, k.notFound(target.String())
		}
		return nil, err
	}
	def, err := k.decode(res.Spec)
	if err != nil {
		return nil, problem.InvalidConfiguration("%s %s has an invalid definition", k.label, target).Wrap(err)
	}
	r.logger.Debug("resolved global component",
		zap.String("kind", k.label),
		zap.String("name", target.Name),
		zap.String("namespace", target.Namespace))
	return def, nil
}

// compose follows use and extends until it reaches an inline definition. seen
// holds the canonical references visited on this chain.
func compose[T any, P component[T]](ctx context.Context, r *Resolver, k kind[T, P], def P, coll *definition.ComponentCollection, seen map[string]bool) (P, error) {
	for {
		ref := def.Ref()
		if err := ref.Validate(); err != nil {
			return nil, err
		}

		switch {
		case ref.Use != "":
			if err := visit(seen, k.label, ref.Use); err != nil {
				return nil, err
			}
			next, err := resolve(ctx, r, k, ref.Use, coll)
			if err != nil {
				return nil, err
			}
			def = next

		case ref.Extends != "":
			if err := visit(seen, k.label, ref.Extends); err != nil {
				return nil, err
			}
			base, err := resolve(ctx, r, k, ref.Extends, coll)
			if err != nil {
				return nil, err
			}
			base, err = compose(ctx, r, k, base, coll, seen)
			if err != nil {
				return nil, err
			}
			merged, err := definition.Compose[T](base, def)
			if err != nil {
				return nil, problem.InvalidConfiguration("%s extending %q could not be merged", k.label, ref.Extends).Wrap(err)
			}
			return merged, nil

		default:
			return def, nil
		}
	}
}

func visit(seen map[string]bool, label, ref string) error {
	target, err := Parse(ref)
	if err != nil {
		return err
	}
	key := label + "/" + target.String()
	if seen[key] {
		return problem.InvalidConfiguration("reference cycle through %s %q", label, target)
	}
	seen[key] = true
	return nil
}

// Agent resolves an agent reference without following its own use or extends.
func (r *Resolver) Agent(ctx context.Context, ref string, coll *definition.ComponentCollection) (*definition.AgentDefinition, error) {
	return resolve(ctx, r, agents, ref, coll)
}

// Kernel resolves a kernel reference.
func (r *Resolver) Kernel(ctx context.Context, ref string, coll *definition.ComponentCollection) (*definition.KernelDefinition, error) {
	return resolve(ctx, r, kernels, ref, coll)
}

// Toolset resolves a toolset reference.
func (r *Resolver) Toolset(ctx context.Context, ref string, coll *definition.ComponentCollection) (*definition.ToolsetDefinition, error) {
	return resolve(ctx, r, toolsets, ref, coll)
}

// Process resolves a process reference. Processes are only stored globally.
func (r *Resolver) Process(ctx context.Context, ref string) (*definition.ProcessDefinition, error) {
	def, err := resolve(ctx, r, processes, ref, nil)
	if err != nil {
		return nil, err
	}
	return compose(ctx, r, processes, def, nil, make(map[string]bool))
}

// ComposeAgent follows the use and extends chain of def.
func (r *Resolver) ComposeAgent(ctx context.Context, def *definition.AgentDefinition, coll *definition.ComponentCollection) (*definition.AgentDefinition, error) {
	return compose(ctx, r, agents, def, coll, make(map[string]bool))
}

// ComposeKernel follows the use and extends chain of def.
func (r *Resolver) ComposeKernel(ctx context.Context, def *definition.KernelDefinition, coll *definition.ComponentCollection) (*definition.KernelDefinition, error) {
	return compose(ctx, r, kernels, def, coll, make(map[string]bool))
}

// ComposeToolset follows the use and extends chain of def.
func (r *Resolver) ComposeToolset(ctx context.Context, def *definition.ToolsetDefinition, coll *definition.ComponentCollection) (*definition.ToolsetDefinition, error) {
	return compose(ctx, r, toolsets, def, coll, make(map[string]bool))
}
