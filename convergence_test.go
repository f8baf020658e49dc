package convergence

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/workflow"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/config"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/resource"
)

const definitions = `
kind: Kernel
metadata:
  name: gpt
spec:
  reasoning:
    provider: openai
    model: test-model
---
kind: Agent
metadata:
  name: writer
spec:
  description: Writes drafts
  instructions: You are the writer.
  kernel:
    use: gpt.default
---
kind: Process
metadata:
  name: research
spec:
  type: convergence
  agents:
    writer:
      use: writer.default
    critic:
      description: Finds flaws
      instructions: You are the critic.
      kernel:
        use: gpt.default
`

// echoProvider answers with the first word of the agent's instructions
// after "the", so replies do not depend on call order.
func echoProvider() *provider.MockProvider {
	mock := provider.NewMockProvider("mock")
	mock.Respond = func(req provider.CompletionRequest) (string, error) {
		for _, m := range req.Messages {
			if m.Role == "system" {
				_, role, _ := strings.Cut(m.Content, "the ")
				return strings.TrimSuffix(role, "."), nil
			}
		}
		return "?", nil
	}
	return mock
}

func newTestEngine(t *testing.T, settings *config.Settings, mock *provider.MockProvider) *Engine {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(definition.ProviderOpenAI, func(context.Context, *definition.ReasoningDefinition) (provider.Provider, error) {
		return mock, nil
	})

	e, err := New(context.Background(), settings, WithProviders(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	resources, err := resource.Load([]byte(definitions))
	require.NoError(t, err)
	require.NoError(t, e.Apply(context.Background(), resources))
	return e
}

func TestEngineInvoke(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, echoProvider())

	stream, err := e.Invoke(ctx, "research", "Review the plan", agent.WithSessionID("s-1"))
	require.NoError(t, err)
	resp, err := stream.Collect()
	require.NoError(t, err)

	var contents []string
	for _, m := range resp.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{
		"🤖 Response from agent 'critic':",
		"critic",
		"🤖 Response from agent 'writer':",
		"writer",
	}, contents)
	assert.Equal(t, chat.RoleSystem, resp.Messages[0].Role)

	run, err := e.Runs().Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, run.Status)
	assert.Equal(t, "research", run.Process)
	assert.Equal(t, "s-1", run.SessionID)

	history, err := e.ChatStore().Get(ctx, "writer", "s-1")
	require.NoError(t, err)
	require.NotNil(t, history)
	assert.Equal(t, 3, history.Len())
}

func TestEngineAppliesDefaultConcurrency(t *testing.T) {
	settings := config.Default()
	settings.Orchestration.MaxConcurrency = 1
	mock := provider.NewMockProvider("mock").AddResponse("first").AddResponse("second")
	e := newTestEngine(t, settings, mock)

	p, err := e.Process(context.Background(), "research.default")
	require.NoError(t, err)
	assert.Equal(t, "research.default", p.Name())

	resp, err := p.Invoke(context.Background(), "go")
	require.NoError(t, err)

	// One slot runs the agents in name order: critic, then writer.
	assert.Contains(t, resp.Text(), "critic':first")
	assert.Contains(t, resp.Text(), "writer':second")
}

func TestEngineAgent(t *testing.T) {
	e := newTestEngine(t, nil, echoProvider())

	a, err := e.Agent(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, "Writes drafts", a.Description())

	resp, err := a.Invoke(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "writer", resp.Text())
}

func TestEngineProcessNotFound(t *testing.T) {
	e := newTestEngine(t, nil, echoProvider())

	_, err := e.Process(context.Background(), "missing")
	assert.ErrorIs(t, err, problem.ErrNotFound)

	_, err = e.Invoke(context.Background(), "a.b.c", "x")
	assert.ErrorIs(t, err, problem.ErrInvalidQualifiedName)
}

func TestEngineUnknownStore(t *testing.T) {
	settings := config.Default()
	settings.Store.Type = "etcd"
	_, err := New(context.Background(), settings)
	assert.Error(t, err)
}

func TestEngineHealth(t *testing.T) {
	e := newTestEngine(t, nil, echoProvider())
	report := e.HealthChecker().Check(context.Background())
	assert.Equal(t, observability.HealthStatusHealthy, report.Status)
}
