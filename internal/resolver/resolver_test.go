package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/resource"
)

type getCall struct {
	kind      resource.Kind
	name      string
	namespace string
}

// countingRepository records Get calls on top of a memory repository.
type countingRepository struct {
	*resource.MemoryRepository
	calls []getCall
}

func (c *countingRepository) Get(ctx context.Context, kind resource.Kind, name, namespace string) (*resource.Resource, error) {
	c.calls = append(c.calls, getCall{kind, name, namespace})
	return c.MemoryRepository.Get(ctx, kind, name, namespace)
}

func newRepo(t *testing.T, resources ...*resource.Resource) *countingRepository {
	t.Helper()
	repo := &countingRepository{MemoryRepository: resource.NewMemoryRepository()}
	require.NoError(t, resource.Apply(context.Background(), repo.MemoryRepository, resources))
	return repo
}

func TestParse(t *testing.T) {
	tests := []struct {
		ref     string
		want    Target
		wantErr error
	}{
		{ref: "foo", want: Target{Name: "foo"}},
		{ref: "foo.ns", want: Target{Global: true, Name: "foo", Namespace: "ns"}},
		{ref: "global:foo.ns", want: Target{Global: true, Name: "foo", Namespace: "ns"}},
		{ref: "a:b:foo.ns", want: Target{Global: true, Name: "foo", Namespace: "ns"}},
		{ref: "global:foo", wantErr: problem.ErrInvalidQualifiedName},
		{ref: "a.b.c", wantErr: problem.ErrInvalidQualifiedName},
		{ref: "foo.", wantErr: problem.ErrInvalidQualifiedName},
		{ref: ".ns", wantErr: problem.ErrInvalidQualifiedName},
		{ref: "", wantErr: problem.ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := Parse(tt.ref)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextualResolutionReturnsSameDefinition(t *testing.T) {
	foo := &definition.AgentDefinition{Description: "foo agent"}
	coll := &definition.ComponentCollection{Agents: map[string]*definition.AgentDefinition{"foo": foo}}
	repo := newRepo(t)
	r := New(repo)

	got, err := r.Agent(context.Background(), "foo", coll)
	require.NoError(t, err)
	assert.Same(t, foo, got)
	assert.Empty(t, repo.calls)
}

func TestContextualResolutionNotFound(t *testing.T) {
	r := New(newRepo(t))

	_, err := r.Agent(context.Background(), "foo", nil)
	assert.True(t, errors.Is(err, problem.ErrNotFound))

	_, err = r.Kernel(context.Background(), "gpt", &definition.ComponentCollection{})
	assert.True(t, errors.Is(err, problem.ErrNotFound))
}

func TestGlobalResolutionCallsRepositoryOnce(t *testing.T) {
	repo := newRepo(t, &resource.Resource{
		Kind:     resource.KindAgent,
		Metadata: resource.Metadata{Name: "foo", Namespace: "ns"},
		Spec:     definition.Tree{"type": "hosted", "description": "global foo"},
	})
	r := New(repo)

	got, err := r.Agent(context.Background(), "foo.ns", nil)
	require.NoError(t, err)
	assert.Equal(t, "global foo", got.Description)
	assert.Equal(t, []getCall{{resource.KindAgent, "foo", "ns"}}, repo.calls)
}

func TestGlobalResolutionPreferGlobalPrefix(t *testing.T) {
	repo := newRepo(t, &resource.Resource{
		Kind:     resource.KindKernel,
		Metadata: resource.Metadata{Name: "gpt", Namespace: "shared"},
		Spec:     definition.Tree{"reasoning": map[string]any{"provider": "openai"}},
	})
	coll := &definition.ComponentCollection{Kernels: map[string]*definition.KernelDefinition{
		"gpt": {Reasoning: &definition.ReasoningDefinition{Provider: definition.ProviderOllama}},
	}}
	r := New(repo)

	got, err := r.Kernel(context.Background(), "global:gpt.shared", coll)
	require.NoError(t, err)
	assert.Equal(t, definition.ProviderOpenAI, got.Reasoning.Provider)
	assert.Len(t, repo.calls, 1)
}

func TestGlobalResolutionMissing(t *testing.T) {
	r := New(newRepo(t))

	_, err := r.Toolset(context.Background(), "search.ns", nil)
	assert.True(t, errors.Is(err, problem.ErrNotFound))
	assert.Contains(t, err.Error(), "search.ns")
}

func TestGlobalResolutionWithoutRepository(t *testing.T) {
	_, err := New(nil).Agent(context.Background(), "foo.ns", nil)
	assert.True(t, errors.Is(err, problem.ErrInvalidConfiguration))
}

func TestComposeUse(t *testing.T) {
	base := &definition.AgentDefinition{Description: "base"}
	coll := &definition.ComponentCollection{Agents: map[string]*definition.AgentDefinition{
		"base":  base,
		"alias": {Reference: definition.Reference{Use: "base"}},
	}}
	r := New(nil)

	got, err := r.ComposeAgent(context.Background(), &definition.AgentDefinition{Reference: definition.Reference{Use: "alias"}}, coll)
	require.NoError(t, err)
	assert.Same(t, base, got)

	_, err = r.ComposeAgent(context.Background(), &definition.AgentDefinition{Reference: definition.Reference{Use: "missing"}}, coll)
	assert.True(t, errors.Is(err, problem.ErrNotFound))
}

func TestComposeExtendsChain(t *testing.T) {
	tree, err := definition.ParseYAML([]byte(`
kernels:
  root:
    reasoning: {provider: openai, model: gpt-4o, api_key: k}
  mid:
    extends: root
    reasoning: {model: gpt-4o-mini}
`))
	require.NoError(t, err)
	coll, err := definition.Decode[definition.ComponentCollection](tree)
	require.NoError(t, err)

	leaf, err := definition.DecodeKernel(definition.Tree{
		"extends":   "mid",
		"reasoning": map[string]any{"api_key": nil},
	})
	require.NoError(t, err)

	got, err := New(nil).ComposeKernel(context.Background(), leaf, coll)
	require.NoError(t, err)
	assert.True(t, got.IsInline())
	assert.Equal(t, definition.ProviderOpenAI, got.Reasoning.Provider)
	assert.Equal(t, "gpt-4o-mini", got.Reasoning.Model)
	assert.Empty(t, got.Reasoning.APIKey)
}

func TestComposeDetectsCycles(t *testing.T) {
	coll := &definition.ComponentCollection{Agents: map[string]*definition.AgentDefinition{
		"a": {Reference: definition.Reference{Use: "b"}},
		"b": {Reference: definition.Reference{Use: "a"}},
		"c": {Reference: definition.Reference{Extends: "d"}},
		"d": {Reference: definition.Reference{Extends: "c"}},
	}}
	r := New(nil)

	_, err := r.ComposeAgent(context.Background(), &definition.AgentDefinition{Reference: definition.Reference{Use: "a"}}, coll)
	require.Error(t, err)
	assert.True(t, errors.Is(err, problem.ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "cycle")

	_, err = r.ComposeAgent(context.Background(), &definition.AgentDefinition{Reference: definition.Reference{Extends: "c"}}, coll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestComposeRejectsUseWithExtends(t *testing.T) {
	def := &definition.AgentDefinition{Reference: definition.Reference{Use: "a", Extends: "b"}}
	_, err := New(nil).ComposeAgent(context.Background(), def, nil)
	assert.True(t, errors.Is(err, problem.ErrInvalidConfiguration))
}

func TestProcessResolvesGlobally(t *testing.T) {
	repo := newRepo(t,
		&resource.Resource{
			Kind:     resource.KindProcess,
			Metadata: resource.Metadata{Name: "base", Namespace: "team"},
			Spec:     definition.Tree{"type": "convergence", "agents": map[string]any{"w": map[string]any{"use": "w"}}, "max_concurrency": 4},
		},
		&resource.Resource{
			Kind:     resource.KindProcess,
			Metadata: resource.Metadata{Name: "research", Namespace: "team"},
			Spec:     definition.Tree{"extends": "base.team", "max_concurrency": 1},
		},
	)
	r := New(repo)

	got, err := r.Process(context.Background(), "research.team")
	require.NoError(t, err)
	assert.Equal(t, definition.ProcessConvergence, got.Type)
	assert.Equal(t, 1, got.MaxConcurrency)
	assert.Contains(t, got.Agents, "w")

	_, err = r.Process(context.Background(), "research")
	assert.True(t, errors.Is(err, problem.ErrNotFound))
}
