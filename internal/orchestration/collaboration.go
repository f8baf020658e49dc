package orchestration

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	metrics "github.com/aixgo-dev/convergence/pkg/observability"
)

// Collaboration is a turn-based group chat. Each turn one agent answers the
// transcript so far; the selection strategy picks the speaker, round-robin
// otherwise. The chat ends after MaxTurns turns or when the termination
// strategy answers yes.
type Collaboration struct {
	name   string
	def    *definition.ProcessDefinition
	coll   *definition.ComponentCollection
	agents AgentFactory
	logger *zap.Logger

	selection   *strategyFunction
	termination *strategyFunction
}

// NewCollaboration creates a collaboration process.
func NewCollaboration(name string, def *definition.ProcessDefinition, coll *definition.ComponentCollection, agents AgentFactory, functions FunctionBuilder, logger *zap.Logger) *Collaboration {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collaboration{
		name:        name,
		def:         def,
		coll:        coll,
		agents:      agents,
		logger:      logger.With(zap.String("process", name)),
		selection:   newStrategyFunction(def.Strategy.Selection, coll, functions),
		termination: newStrategyFunction(def.Strategy.Termination, coll, functions),
	}
}

// Name returns the process name.
func (c *Collaboration) Name() string { return c.name }

// Invoke buffers InvokeStreaming.
func (c *Collaboration) Invoke(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.Response, error) {
	return invoke(ctx, c, prompt, opts...)
}

// InvokeStreaming streams every turn's output tagged with its speaker.
func (c *Collaboration) InvokeStreaming(ctx context.Context, prompt string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	o := agent.Apply(opts...)

	return chat.NewResponseStream(func(yield func(*chat.StreamingContent, error) bool) {
		ctx, span := observability.StartSpan(ctx, "orchestration.collaboration."+c.name,
			trace.WithAttributes(
				attribute.String("orchestration.pattern", string(definition.ProcessCollaboration)),
				attribute.Int("orchestration.agent_count", len(c.def.Agents)),
				attribute.Int("orchestration.max_turns", c.maxTurns()),
			))
		defer span.End()

		if err := c.run(ctx, prompt, o.SessionID, yield); err != nil {
			observability.RecordError(span, err)
			metrics.RecordProcessInvocation(c.name, OutcomeFailed)
			yield(nil, err)
			return
		}
		metrics.RecordProcessInvocation(c.name, OutcomeSucceeded)
	}), nil
}

func (c *Collaboration) maxTurns() int {
	if c.def.MaxTurns > 0 {
		return c.def.MaxTurns
	}
	return definition.DefaultMaxTurns
}

// turn is one entry of the transcript.
type turn struct {
	agent string
	text  string
}

func transcript(turns []turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = "- " + t.agent + ": " + t.text
	}
	return strings.Join(lines, "\n")
}

func (c *Collaboration) run(ctx context.Context, prompt, sessionID string, yield func(*chat.StreamingContent, error) bool) error {
	resolved, err := resolveAgents(ctx, c.agents, c.def.Agents, c.coll)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		return nil
	}

	var turns []turn
	for i := 0; i < c.maxTurns(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		speaker, err := c.selectAgent(ctx, prompt, resolved, turns, i)
		if err != nil {
			return err
		}

		text, stopped, err := c.speak(ctx, speaker, c.input(prompt, turns), sessionID, yield)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
		turns = append(turns, turn{agent: speaker.Name(), text: text})

		done, err := c.terminate(ctx, prompt, turns)
		if err != nil {
			return err
		}
		if done {
			c.logger.Debug("collaboration terminated", zap.Int("turns", len(turns)))
			return nil
		}
	}
	return nil
}

func (c *Collaboration) input(prompt string, turns []turn) string {
	if len(turns) == 0 {
		return prompt
	}
	return transcript(turns) + "\n\n" + prompt
}

// speak streams one turn. A failed turn is reported as a system chunk and
// does not end the chat. stopped is set when the reader stopped reading.
func (c *Collaboration) speak(ctx context.Context, speaker agent.Agent, input, sessionID string, yield func(*chat.StreamingContent, error) bool) (text string, stopped bool, err error) {
	name := speaker.Name()
	ctx, span := observability.StartSpan(ctx, "orchestration.agent."+name,
		trace.WithAttributes(attribute.String("orchestration.agent", name)))
	defer span.End()

	var sb strings.Builder
	fail := func(cause error) (string, bool, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		observability.RecordError(span, cause)
		c.logger.Warn("agent turn failed", zap.String("agent", name), zap.Error(cause))
		msg := &chat.StreamingContent{Role: chat.RoleSystem, Content: fmt.Sprintf("⚠️ Agent '%s' failed: %v", name, cause)}
		return sb.String(), !yield(msg, nil), nil
	}

	stream, err := speaker.InvokeStreaming(ctx, input, agent.WithSessionID(sessionID))
	if err != nil {
		return fail(err)
	}
	for item, err := range stream.All() {
		if err != nil {
			return fail(err)
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		sb.WriteString(item.Content)
		tagged := chat.Tagged(&chat.Message{Role: item.Role, Content: item.Content, Metadata: item.Metadata}, name)
		if !yield(tagged, nil) {
			return sb.String(), true, nil
		}
	}
	return sb.String(), false, nil
}

// selectAgent asks the selection strategy for the next speaker. Without a
// strategy, or when it names no known agent, speakers rotate in name order.
func (c *Collaboration) selectAgent(ctx context.Context, prompt string, resolved []agent.Agent, turns []turn, i int) (agent.Agent, error) {
	next := resolved[i%len(resolved)]
	if c.def.Strategy.Selection == nil {
		return next, nil
	}

	fn, err := c.selection.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("selection strategy: %w", err)
	}
	output, err := chat.Text(fn.InvokeStreaming(ctx, map[string]any{
		ArgPrompt:  prompt,
		ArgAgents:  summaries(resolved),
		ArgHistory: transcript(turns),
	}))
	if err != nil {
		return nil, err
	}

	choice := strings.Trim(strings.TrimSpace(output), `"'`)
	for _, a := range resolved {
		if a.Name() == choice {
			return a, nil
		}
	}
	c.logger.Debug("selection named no known agent, rotating",
		zap.String("selection", choice),
		zap.String("agent", next.Name()))
	return next, nil
}

// terminate reports whether the termination strategy considers the chat done.
func (c *Collaboration) terminate(ctx context.Context, prompt string, turns []turn) (bool, error) {
	if c.def.Strategy.Termination == nil {
		return false, nil
	}
	fn, err := c.termination.get(ctx)
	if err != nil {
		return false, fmt.Errorf("termination strategy: %w", err)
	}
	output, err := chat.Text(fn.InvokeStreaming(ctx, map[string]any{
		ArgPrompt:  prompt,
		ArgHistory: transcript(turns),
	}))
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(output), "yes"), nil
}
