package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/kernel"
	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/resolver"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// stubAgent replies with fixed chunks, or fails with err.
type stubAgent struct {
	name  string
	desc  string
	reply []string
	err   error
	delay time.Duration

	mu       sync.Mutex
	prompts  []string
	sessions []string
	active   *atomic.Int32
	peak     *atomic.Int32
}

func (s *stubAgent) Name() string               { return s.name }
func (s *stubAgent) Description() string        { return s.desc }
func (s *stubAgent) Skills() []definition.Skill { return nil }

func (s *stubAgent) Invoke(ctx context.Context, msg string, opts ...agent.InvokeOption) (*chat.Response, error) {
	stream, err := s.InvokeStreaming(ctx, msg, opts...)
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}

func (s *stubAgent) InvokeStreaming(ctx context.Context, msg string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, msg)
	s.sessions = append(s.sessions, agent.Apply(opts...).SessionID)
	s.mu.Unlock()

	if s.active != nil {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}

	contents := make([]*chat.StreamingContent, len(s.reply))
	for i, r := range s.reply {
		contents[i] = &chat.StreamingContent{Content: r, Role: chat.RoleAssistant, AgentName: s.name}
	}
	return chat.NewResponseStream(chat.Of(ctx, contents...)), nil
}

func (s *stubAgent) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// stubFactory hands out prebuilt agents by name.
type stubFactory struct {
	agents  map[string]*stubAgent
	mu      sync.Mutex
	created []string
}

func newStubFactory(agents ...*stubAgent) *stubFactory {
	f := &stubFactory{agents: make(map[string]*stubAgent)}
	for _, a := range agents {
		f.agents[a.name] = a
	}
	return f
}

func (f *stubFactory) Create(_ context.Context, name string, _ *definition.AgentDefinition, _ *definition.ComponentCollection) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	a, ok := f.agents[name]
	if !ok {
		return nil, problem.AgentNotFound(name)
	}
	return a, nil
}

func agentDefs(names ...string) map[string]*definition.AgentDefinition {
	defs := make(map[string]*definition.AgentDefinition, len(names))
	for _, n := range names {
		defs[n] = &definition.AgentDefinition{}
	}
	return defs
}

// newFunctions returns a builder whose strategies all run on mock.
func newFunctions(mock *provider.MockProvider) FunctionBuilder {
	registry := provider.NewRegistry()
	registry.Register(definition.ProviderOpenAI, func(context.Context, *definition.ReasoningDefinition) (provider.Provider, error) {
		return mock, nil
	})
	return kernel.NewAssembler(resolver.New(nil), kernel.WithProviders(registry))
}

// countingFunctions counts how often strategy functions are bound.
type countingFunctions struct {
	FunctionBuilder
	built atomic.Int32
}

func (c *countingFunctions) Function(ctx context.Context, def *definition.FunctionDefinition, coll *definition.ComponentCollection) (*kernel.Function, error) {
	c.built.Add(1)
	return c.FunctionBuilder.Function(ctx, def, coll)
}

func strategy(template string, vars ...string) *definition.FunctionDefinition {
	return &definition.FunctionDefinition{
		Kernel: &definition.KernelDefinition{
			Reasoning: &definition.ReasoningDefinition{Provider: definition.ProviderOpenAI, Model: "m"},
		},
		Template:       template,
		InputVariables: vars,
	}
}

func drain(t *testing.T, stream *chat.ResponseStream) []*chat.StreamingContent {
	t.Helper()
	var out []*chat.StreamingContent
	for c, err := range stream.All() {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestConvergenceUniformFanOut(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"from a"}}
	b := &stubAgent{name: "b", reply: []string{"from b"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("b", "a")}
	p := NewConvergence("p", def, nil, newStubFactory(a, b), nil, nil)

	resp, err := p.Invoke(context.Background(), "question", agent.WithSessionID("s1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"question"}, a.Prompts())
	assert.Equal(t, []string{"question"}, b.Prompts())
	assert.Equal(t, []string{"s1"}, a.sessions)
	assert.Contains(t, resp.Text(), "from a")
	assert.Contains(t, resp.Text(), "from b")
	assert.Less(t, strings.Index(resp.Text(), "from a"), strings.Index(resp.Text(), "from b"))
}

func TestConvergenceResolvesInNameOrder(t *testing.T) {
	factory := newStubFactory(&stubAgent{name: "a"}, &stubAgent{name: "b"}, &stubAgent{name: "c"})
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("c", "a", "b")}

	_, err := NewConvergence("p", def, nil, factory, nil, nil).Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, factory.created)
}

func TestConvergenceResolutionFailureAborts(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("a", "missing")}

	_, err := NewConvergence("p", def, nil, newStubFactory(a), nil, nil).Invoke(context.Background(), "q")
	assert.ErrorIs(t, err, problem.ErrNotFound)
	assert.Empty(t, a.Prompts())
}

func TestConvergenceDecomposition(t *testing.T) {
	a := &stubAgent{name: "a", desc: "Does A", reply: []string{"A done"}}
	b := &stubAgent{name: "b", reply: []string{"B done"}}
	mock := provider.NewMockProvider("mock").AddResponse(`{"a": "sub-task for a", "ghost": "ignored"}`)
	def := &definition.ProcessDefinition{
		Type:   definition.ProcessConvergence,
		Agents: agentDefs("a", "b"),
		Strategy: definition.Strategy{
			Decomposition: strategy("Split {{.prompt}} across:\n{{.agents}}", "prompt", "agents"),
		},
	}

	resp, err := NewConvergence("p", def, nil, newStubFactory(a, b), newFunctions(mock), nil).
		Invoke(context.Background(), "the job")
	require.NoError(t, err)

	assert.Equal(t, []string{"sub-task for a"}, a.Prompts())
	assert.Empty(t, b.Prompts())
	assert.Contains(t, resp.Text(), "A done")

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Split the job across:\n- a: Does A\n- b: A general-purpose agent.", reqs[0].Messages[0].Content)
}

func TestConvergenceDecompositionParseFailure(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	mock := provider.NewMockProvider("mock").AddResponse("```json\n{\"a\": \"x\"}\n```")
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessConvergence,
		Agents:   agentDefs("a"),
		Strategy: definition.Strategy{Decomposition: strategy("{{.prompt}}", "prompt")},
	}

	_, err := NewConvergence("p", def, nil, newStubFactory(a), newFunctions(mock), nil).
		Invoke(context.Background(), "q")
	assert.ErrorIs(t, err, problem.ErrInvalidOperation)
	assert.Empty(t, a.Prompts())
}

func TestConvergenceDecompositionRejectsNonObjects(t *testing.T) {
	for _, output := range []string{"null", " null\n", `["a"]`, `"a"`, `{"a": 1}`} {
		t.Run(output, func(t *testing.T) {
			a := &stubAgent{name: "a", reply: []string{"x"}}
			mock := provider.NewMockProvider("mock").AddResponse(output)
			def := &definition.ProcessDefinition{
				Type:     definition.ProcessConvergence,
				Agents:   agentDefs("a"),
				Strategy: definition.Strategy{Decomposition: strategy("{{.prompt}}", "prompt")},
			}

			resp, err := NewConvergence("p", def, nil, newStubFactory(a), newFunctions(mock), nil).
				Invoke(context.Background(), "q")
			assert.ErrorIs(t, err, problem.ErrInvalidOperation)
			assert.Nil(t, resp)
			assert.Empty(t, a.Prompts())
		})
	}
}

func TestConvergenceEmptyDecompositionInvokesNoAgent(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	mock := provider.NewMockProvider("mock").AddResponse("{}")
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessConvergence,
		Agents:   agentDefs("a"),
		Strategy: definition.Strategy{Decomposition: strategy("{{.prompt}}", "prompt")},
	}

	_, err := NewConvergence("p", def, nil, newStubFactory(a), newFunctions(mock), nil).
		Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, a.Prompts())
}

func TestConvergenceBindsStrategiesOnce(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	mock := provider.NewMockProvider("mock")
	mock.Respond = func(req provider.CompletionRequest) (string, error) {
		if strings.HasPrefix(req.Messages[0].Content, "split") {
			return `{"a": "sub"}`, nil
		}
		return "merged", nil
	}
	def := &definition.ProcessDefinition{
		Type:   definition.ProcessConvergence,
		Agents: agentDefs("a"),
		Strategy: definition.Strategy{
			Decomposition: strategy("split {{.prompt}}", "prompt"),
			Synthesis:     strategy("merge {{.inputs}}", "inputs"),
		},
	}
	functions := &countingFunctions{FunctionBuilder: newFunctions(mock)}
	p := NewConvergence("p", def, nil, newStubFactory(a), functions, nil)

	for range 3 {
		resp, err := p.Invoke(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, "merged", resp.Text())
	}
	assert.Equal(t, int32(2), functions.built.Load())
	assert.Len(t, a.Prompts(), 3)
}

func TestConvergenceFallbackSequence(t *testing.T) {
	failing := &stubAgent{name: "A", err: errors.New("x")}
	ok := &stubAgent{name: "B", reply: []string{"hello"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("A", "B")}

	stream, err := NewConvergence("p", def, nil, newStubFactory(failing, ok), nil, nil).
		InvokeStreaming(context.Background(), "q")
	require.NoError(t, err)

	items := drain(t, stream)
	require.Len(t, items, 3)
	assert.Equal(t, chat.RoleSystem, items[0].Role)
	assert.Equal(t, "⚠️ Agent 'A' failed: x", items[0].Content)
	assert.Equal(t, chat.RoleSystem, items[1].Role)
	assert.Equal(t, "🤖 Response from agent 'B':", items[1].Content)
	assert.Equal(t, "hello", items[2].Content)
	assert.Equal(t, "B", items[2].Metadata[chat.MetadataAgent])
}

func TestFallbackSkipsEmptyResponses(t *testing.T) {
	out := Fallback([]AgentResponse{{AgentName: "quiet", Success: true, StatusCode: 200}})
	assert.Empty(t, out)
}

func TestConvergenceSynthesisUsesSuccessfulResponses(t *testing.T) {
	failing := &stubAgent{name: "a", err: errors.New("down")}
	ok := &stubAgent{name: "b", reply: []string{"hel", "lo"}}
	mock := provider.NewMockProvider("mock").AddResponse("final ", "answer")
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessConvergence,
		Agents:   agentDefs("a", "b"),
		Strategy: definition.Strategy{Synthesis: strategy("Merge for {{.prompt}}:\n{{.inputs}}", "prompt", "inputs")},
	}

	resp, err := NewConvergence("p", def, nil, newStubFactory(failing, ok), newFunctions(mock), nil).
		Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Text())

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Merge for q:\n- b: hello", reqs[0].Messages[0].Content)
}

func TestConvergenceIsLazy(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("a")}

	stream, err := NewConvergence("p", def, nil, newStubFactory(a), nil, nil).
		InvokeStreaming(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, a.Prompts())

	drain(t, stream)
	assert.Len(t, a.Prompts(), 1)

	for _, err := range stream.All() {
		assert.ErrorIs(t, err, chat.ErrStreamConsumed)
	}
}

func TestConvergenceCancellationStopsContent(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"one", "two"}}
	b := &stubAgent{name: "b", reply: []string{"three"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessConvergence, Agents: agentDefs("a", "b")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := NewConvergence("p", def, nil, newStubFactory(a, b), nil, nil).InvokeStreaming(ctx, "q")
	require.NoError(t, err)

	var items int
	var last error
	for c, err := range stream.All() {
		if err != nil {
			last = err
			continue
		}
		require.NotNil(t, c)
		items++
		cancel()
	}
	assert.Equal(t, 1, items)
	assert.ErrorIs(t, last, context.Canceled)
}

func TestFanOutOrderAndIsolation(t *testing.T) {
	slow := &stubAgent{name: "slow", reply: []string{"s"}, delay: 30 * time.Millisecond}
	broken := &stubAgent{name: "broken", err: errors.New("boom")}
	fast := &stubAgent{name: "fast", reply: []string{"f"}}

	responses := FanOut(context.Background(), []Task{
		{Agent: slow, Prompt: "1"},
		{Agent: broken, Prompt: "2"},
		{Agent: fast, Prompt: "3"},
	}, "", 0, nil)

	require.Len(t, responses, 3)
	assert.Equal(t, "slow", responses[0].AgentName)
	assert.True(t, responses[0].Success)
	assert.Equal(t, 200, responses[0].StatusCode)
	assert.Equal(t, "s", responses[0].Text())

	assert.Equal(t, "broken", responses[1].AgentName)
	assert.False(t, responses[1].Success)
	assert.Equal(t, 500, responses[1].StatusCode)
	assert.EqualError(t, responses[1].Err, "boom")
	assert.Empty(t, responses[1].Messages)

	assert.Equal(t, "f", responses[2].Text())
}

func TestFanOutLimit(t *testing.T) {
	var active, peak atomic.Int32
	var tasks []Task
	for _, name := range []string{"a", "b", "c", "d"} {
		tasks = append(tasks, Task{
			Agent:  &stubAgent{name: name, reply: []string{name}, delay: 10 * time.Millisecond, active: &active, peak: &peak},
			Prompt: "q",
		})
	}

	responses := FanOut(context.Background(), tasks, "", 2, nil)
	require.Len(t, responses, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, r := range responses {
		assert.Equal(t, tasks[i].Agent.Name(), r.AgentName)
	}
}

func TestCollaborationRoundRobin(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"A1"}}
	b := &stubAgent{name: "b", reply: []string{"B1"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessCollaboration, Agents: agentDefs("b", "a"), MaxTurns: 3}

	stream, err := NewCollaboration("chat", def, nil, newStubFactory(a, b), nil, nil).
		InvokeStreaming(context.Background(), "topic")
	require.NoError(t, err)
	items := drain(t, stream)

	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Metadata[chat.MetadataAgent])
	assert.Equal(t, "b", items[1].Metadata[chat.MetadataAgent])
	assert.Equal(t, "a", items[2].AgentName)

	assert.Equal(t, []string{"topic", "- a: A1\n- b: B1\n\ntopic"}, a.Prompts())
	assert.Equal(t, []string{"- a: A1\n\ntopic"}, b.Prompts())
}

func TestCollaborationDefaultTurns(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessCollaboration, Agents: agentDefs("a")}

	_, err := NewCollaboration("chat", def, nil, newStubFactory(a), nil, nil).Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, a.Prompts(), definition.DefaultMaxTurns)
}

func TestCollaborationTermination(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"x"}}
	mock := provider.NewMockProvider("mock").AddResponse("no").AddResponse("YES, done")
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessCollaboration,
		Agents:   agentDefs("a"),
		MaxTurns: 10,
		Strategy: definition.Strategy{Termination: strategy("Done? {{.history}}", "history")},
	}

	_, err := NewCollaboration("chat", def, nil, newStubFactory(a), newFunctions(mock), nil).
		Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, a.Prompts(), 2)
}

func TestCollaborationBindsStrategiesOnce(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"A"}}
	b := &stubAgent{name: "b", reply: []string{"B"}}
	mock := provider.NewMockProvider("mock")
	mock.Respond = func(req provider.CompletionRequest) (string, error) {
		if strings.HasPrefix(req.Messages[0].Content, "Pick") {
			return "b", nil
		}
		return "no", nil
	}
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessCollaboration,
		Agents:   agentDefs("a", "b"),
		MaxTurns: 4,
		Strategy: definition.Strategy{
			Selection:   strategy("Pick one of {{.agents}}", "agents"),
			Termination: strategy("Done? {{.history}}", "history"),
		},
	}
	functions := &countingFunctions{FunctionBuilder: newFunctions(mock)}

	_, err := NewCollaboration("chat", def, nil, newStubFactory(a, b), functions, nil).
		Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, b.Prompts(), 4)
	assert.Equal(t, int32(2), functions.built.Load())
}

func TestCollaborationSelection(t *testing.T) {
	a := &stubAgent{name: "a", reply: []string{"A"}}
	b := &stubAgent{name: "b", reply: []string{"B"}}
	mock := provider.NewMockProvider("mock").AddResponse(" b\n").AddResponse("nobody")
	def := &definition.ProcessDefinition{
		Type:     definition.ProcessCollaboration,
		Agents:   agentDefs("a", "b"),
		MaxTurns: 2,
		Strategy: definition.Strategy{Selection: strategy("Pick one of {{.agents}}", "agents")},
	}

	resp, err := NewCollaboration("chat", def, nil, newStubFactory(a, b), newFunctions(mock), nil).
		Invoke(context.Background(), "q")
	require.NoError(t, err)

	// Turn 1 picks b; turn 2 names nobody and rotates to b as well.
	assert.Empty(t, a.Prompts())
	assert.Len(t, b.Prompts(), 2)
	assert.Equal(t, "BB", resp.Text())
}

func TestCollaborationFailedTurnContinues(t *testing.T) {
	a := &stubAgent{name: "a", err: errors.New("offline")}
	b := &stubAgent{name: "b", reply: []string{"here"}}
	def := &definition.ProcessDefinition{Type: definition.ProcessCollaboration, Agents: agentDefs("a", "b"), MaxTurns: 2}

	stream, err := NewCollaboration("chat", def, nil, newStubFactory(a, b), nil, nil).
		InvokeStreaming(context.Background(), "q")
	require.NoError(t, err)
	items := drain(t, stream)

	require.Len(t, items, 2)
	assert.Equal(t, chat.RoleSystem, items[0].Role)
	assert.Equal(t, "⚠️ Agent 'a' failed: offline", items[0].Content)
	assert.Equal(t, "here", items[1].Content)
	assert.Equal(t, []string{"- a: \n\nq"}, b.Prompts())
}

func TestFactory(t *testing.T) {
	f := NewFactory(newStubFactory(), nil, nil)

	p, err := f.Create("c", &definition.ProcessDefinition{Type: definition.ProcessConvergence}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Convergence{}, p)
	assert.Equal(t, "c", p.Name())

	p, err = f.Create("g", &definition.ProcessDefinition{Type: definition.ProcessCollaboration}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Collaboration{}, p)

	_, err = f.Create("x", &definition.ProcessDefinition{Type: "pipeline"}, nil)
	assert.ErrorIs(t, err, problem.ErrUnsupportedOperation)

	_, err = f.Create("nil", nil, nil)
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)
}
