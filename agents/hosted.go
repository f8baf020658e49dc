package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/kernel"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/session"
)

// HostedAgent answers with a locally assembled kernel. Conversation history
// is kept in a ChatStore under the agent name and session ID.
type HostedAgent struct {
	name         string
	description  string
	instructions string
	skills       []definition.Skill
	kernel       *kernel.Kernel
	store        session.ChatStore
	logger       *zap.Logger
}

// NewHostedAgent creates a hosted agent. A nil store keeps histories in memory.
func NewHostedAgent(name string, def definition.Hosted, k *kernel.Kernel, store session.ChatStore, logger *zap.Logger) *HostedAgent {
	if store == nil {
		store = session.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostedAgent{
		name:         name,
		description:  def.Description,
		instructions: def.Instructions,
		skills:       def.Skills,
		kernel:       k,
		store:        store,
		logger:       logger,
	}
}

func (a *HostedAgent) Name() string               { return a.name }
func (a *HostedAgent) Description() string        { return a.description }
func (a *HostedAgent) Skills() []definition.Skill { return a.skills }

// Kernel returns the kernel the agent runs on.
func (a *HostedAgent) Kernel() *kernel.Kernel { return a.kernel }

// Invoke buffers InvokeStreaming.
func (a *HostedAgent) Invoke(ctx context.Context, message string, opts ...agent.InvokeOption) (*chat.Response, error) {
	stream, err := a.InvokeStreaming(ctx, message, opts...)
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}

// InvokeStreaming appends message to the session history and streams the
// model's reply. The reply is saved as an assistant turn once the stream has
// been drained; nothing is saved without a session ID.
func (a *HostedAgent) InvokeStreaming(ctx context.Context, message string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	if _, ok := a.kernel.ChatCompletion(); !ok {
		return nil, problem.UnsupportedOperation("agent %s: kernel has no chat completion capability", a.name)
	}
	o := agent.Apply(opts...)

	return chat.NewResponseStream(func(yield func(*chat.StreamingContent, error) bool) {
		history, err := a.history(ctx, o.SessionID)
		if err != nil {
			yield(nil, err)
			return
		}
		history.AddUser(message)

		request, err := a.request(ctx, history, message)
		if err != nil {
			yield(nil, err)
			return
		}

		var reply strings.Builder
		for c, err := range a.kernel.Stream(ctx, request, nil) {
			if err != nil {
				yield(nil, err)
				return
			}
			reply.WriteString(c.Content)
			c.AgentName = a.name
			if !yield(c, nil) {
				return
			}
		}

		if o.SessionID == "" {
			return
		}
		history.AddAssistant(reply.String())
		if err := a.store.Set(ctx, a.name, o.SessionID, history); err != nil {
			yield(nil, err)
		}
	}), nil
}

func (a *HostedAgent) history(ctx context.Context, sessionID string) (*chat.History, error) {
	var history *chat.History
	if sessionID != "" {
		h, err := a.store.Get(ctx, a.name, sessionID)
		if err != nil {
			return nil, err
		}
		history = h
	}
	if history == nil {
		history = chat.NewHistory()
	}
	if history.Len() == 0 && a.instructions != "" {
		history.AddSystem(a.instructions)
	}
	return history, nil
}

// request is the history with retrieved context inserted before the last
// user turn. Retrieved context is not persisted.
func (a *HostedAgent) request(ctx context.Context, history *chat.History, query string) ([]chat.Message, error) {
	knowledge := a.kernel.Knowledge()
	if knowledge == nil {
		return history.Messages, nil
	}

	retrieved, err := knowledge.Context(ctx, query)
	if err != nil {
		return nil, err
	}
	if retrieved == "" {
		return history.Messages, nil
	}
	a.logger.Debug("injecting retrieved context", zap.String("agent", a.name), zap.Int("length", len(retrieved)))

	n := len(history.Messages)
	out := make([]chat.Message, 0, n+1)
	out = append(out, history.Messages[:n-1]...)
	out = append(out, chat.Message{Role: chat.RoleSystem, Content: retrieved})
	return append(out, history.Messages[n-1]), nil
}
