package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	metrics "github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// Template arguments passed to strategy functions.
const (
	ArgPrompt  = "prompt"
	ArgAgents  = "agents"
	ArgInputs  = "inputs"
	ArgHistory = "history"
)

// Convergence splits a prompt across its agents, runs them concurrently and
// merges their answers.
//
// With a decomposition strategy the prompt is rewritten into one sub-prompt
// per agent; the strategy must answer with a JSON object mapping agent names
// to sub-prompts. Names that are not agents of the process are ignored.
// Without one, every agent receives the prompt unchanged.
//
// With a synthesis strategy its output is the answer. Otherwise each agent's
// messages are replayed under a header, and failures are reported inline.
type Convergence struct {
	name   string
	def    *definition.ProcessDefinition
	coll   *definition.ComponentCollection
	agents AgentFactory
	logger *zap.Logger

	decomposition *strategyFunction
	synthesis     *strategyFunction
}

// NewConvergence creates a convergence process. coll is the contextual
// collection agent and kernel references resolve against.
func NewConvergence(name string, def *definition.ProcessDefinition, coll *definition.ComponentCollection, agents AgentFactory, functions FunctionBuilder, logger *zap.Logger) *Convergence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Convergence{
		name:          name,
		def:           def,
		coll:          coll,
		agents:        agents,
		logger:        logger.With(zap.String("process", name)),
		decomposition: newStrategyFunction(def.Strategy.Decomposition, coll, functions),
		synthesis:     newStrategyFunction(def.Strategy.Synthesis, coll, functions),
	}
}

// Name returns the process name.
func (c *Convergence) Name() string { return c.name }

// Invoke buffers InvokeStreaming.
func (c *Convergence) Invoke(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.Response, error) {
	return invoke(ctx, c, prompt, opts...)
}

// InvokeStreaming returns a stream whose first read resolves the agents,
// decomposes the prompt and runs the fan-out. Later reads drain synthesis.
// Once ctx is done the stream ends with ctx.Err().
func (c *Convergence) InvokeStreaming(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	o := agent.Apply(opts...)

	return chat.NewResponseStream(func(yield func(*chat.StreamingContent, error) bool) {
		ctx, span := observability.StartSpan(ctx, "orchestration.convergence."+c.name,
			trace.WithAttributes(
				attribute.String("orchestration.pattern", string(definition.ProcessConvergence)),
				attribute.Int("orchestration.agent_count", len(c.def.Agents)),
				attribute.Bool("orchestration.decomposition", c.def.Strategy.Decomposition != nil),
				attribute.Bool("orchestration.synthesis", c.def.Strategy.Synthesis != nil),
			))
		defer span.End()

		err := c.run(ctx, prompt, o.SessionID, yield)
		if err != nil {
			observability.RecordError(span, err)
			metrics.RecordProcessInvocation(c.name, OutcomeFailed)
			yield(nil, err)
			return
		}
		metrics.RecordProcessInvocation(c.name, OutcomeSucceeded)
	}), nil
}

// run drives the pipeline. A nil error means the stream was drained or the
// reader stopped early.
func (c *Convergence) run(ctx context.Context, prompt, sessionID string, yield func(*chat.StreamingContent, error) bool) error {
	resolved, err := resolveAgents(ctx, c.agents, c.def.Agents, c.coll)
	if err != nil {
		return err
	}

	prompts, err := c.decompose(ctx, prompt, resolved)
	if err != nil {
		return err
	}

	tasks := c.tasks(resolved, prompts)
	responses := FanOut(ctx, tasks, sessionID, c.def.MaxConcurrency, c.logger)

	synthesis, err := c.synthesize(ctx, prompt, responses)
	if err != nil {
		return err
	}
	return forward(ctx, synthesis, yield)
}

// resolveAgents creates every agent of defs in name order. The first failure
// aborts.
func resolveAgents(ctx context.Context, factory AgentFactory, defs map[string]*definition.AgentDefinition, coll *definition.ComponentCollection) ([]agent.Agent, error) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]agent.Agent, 0, len(names))
	for _, name := range names {
		a, err := factory.Create(ctx, name, defs[name], coll)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve agent %s: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func summaries(agents []agent.Agent) string {
	lines := make([]string, len(agents))
	for i, a := range agents {
		lines[i] = agent.Summary(a)
	}
	return strings.Join(lines, "\n")
}

// decompose maps agent names to the prompt each should receive.
func (c *Convergence) decompose(ctx context.Context, prompt string, resolved []agent.Agent) (map[string]string, error) {
	strategy := c.def.Strategy.Decomposition
	if strategy == nil {
		prompts := make(map[string]string, len(resolved))
		for _, a := range resolved {
			prompts[a.Name()] = prompt
		}
		return prompts, nil
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.decompose")
	defer span.End()

	fn, err := c.decomposition.get(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("decomposition strategy: %w", err)
	}
	output, err := chat.Text(fn.InvokeStreaming(ctx, map[string]any{
		ArgPrompt: prompt,
		ArgAgents: summaries(resolved),
	}))
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	prompts, err := parseDecomposition(output)
	if err != nil {
		metrics.RecordDecompositionFailure()
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("orchestration.task_count", len(prompts)))
	return prompts, nil
}

// parseDecomposition accepts only a JSON object of agent name to prompt.
func parseDecomposition(output string) (map[string]string, error) {
	var prompts map[string]string
	if err := json.Unmarshal([]byte(output), &prompts); err != nil {
		return nil, problem.DecompositionParseError(output, err)
	}
	if prompts == nil {
		return nil, problem.DecompositionParseError(output, errors.New("output is null"))
	}
	return prompts, nil
}

// tasks pairs resolved agents with their prompts in agent order.
func (c *Convergence) tasks(resolved []agent.Agent, prompts map[string]string) []Task {
	known := make(map[string]bool, len(resolved))
	tasks := make([]Task, 0, len(prompts))
	for _, a := range resolved {
		known[a.Name()] = true
		if p, ok := prompts[a.Name()]; ok {
			tasks = append(tasks, Task{Agent: a, Prompt: p})
		}
	}
	for name := range prompts {
		if !known[name] {
			c.logger.Debug("skipping decomposed task for unknown agent", zap.String("agent", name))
		}
	}
	return tasks
}

func (c *Convergence) synthesize(ctx context.Context, prompt string, responses []AgentResponse) (iter.Seq2[*chat.StreamingContent, error], error) {
	strategy := c.def.Strategy.Synthesis
	if strategy == nil {
		return chat.Of(ctx, Fallback(responses)...), nil
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.synthesize",
		trace.WithAttributes(attribute.Int("orchestration.response_count", len(responses))))

	fn, err := c.synthesis.get(ctx)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("synthesis strategy: %w", err)
	}

	var inputs []string
	for i := range responses {
		if responses[i].Success {
			inputs = append(inputs, "- "+responses[i].AgentName+": "+responses[i].Text())
		}
	}
	seq := fn.InvokeStreaming(ctx, map[string]any{
		ArgPrompt: prompt,
		ArgInputs: strings.Join(inputs, "\n"),
	})
	return func(yield func(*chat.StreamingContent, error) bool) {
		defer span.End()
		for item, err := range seq {
			if err != nil {
				observability.RecordError(span, err)
			}
			if !yield(item, err) {
				return
			}
		}
	}, nil
}

// Fallback renders responses without a synthesis strategy: a system chunk
// for each failure, and for each success a system header followed by the
// agent's messages tagged with its name.
func Fallback(responses []AgentResponse) []*chat.StreamingContent {
	var out []*chat.StreamingContent
	for _, r := range responses {
		if !r.Success {
			out = append(out, &chat.StreamingContent{
				Role:    chat.RoleSystem,
				Content: fmt.Sprintf("⚠️ Agent '%s' failed: %v", r.AgentName, r.Err),
			})
			continue
		}
		if len(r.Messages) == 0 {
			continue
		}
		out = append(out, &chat.StreamingContent{
			Role:    chat.RoleSystem,
			Content: fmt.Sprintf("🤖 Response from agent '%s':", r.AgentName),
		})
		for _, m := range r.Messages {
			out = append(out, chat.Tagged(m, r.AgentName))
		}
	}
	return out
}

// forward passes seq to yield until either side stops. It returns the first
// error of seq, or ctx.Err() once ctx is done.
func forward(ctx context.Context, seq iter.Seq2[*chat.StreamingContent, error], yield func(*chat.StreamingContent, error) bool) error {
	for item, err := range seq {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !yield(item, nil) {
			return nil
		}
	}
	return ctx.Err()
}
