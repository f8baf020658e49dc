package agent

import (
	"context"
	"strings"

	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
)

// DefaultDescription is used for agents that do not describe themselves.
const DefaultDescription = "A general-purpose agent."

// Agent is the interface that all agents must implement.
type Agent interface {
	// Name returns the name the agent was created under.
	Name() string

	// Description says what the agent is good at. It may be empty.
	Description() string

	// Skills lists advertised capabilities.
	Skills() []definition.Skill

	// Invoke buffers InvokeStreaming into complete messages.
	Invoke(ctx context.Context, message string, opts ...InvokeOption) (*chat.Response, error)

	// InvokeStreaming answers message as a lazily evaluated stream.
	InvokeStreaming(ctx context.Context, message string, opts ...InvokeOption) (*chat.ResponseStream, error)
}

// InvokeOptions are per-call settings.
type InvokeOptions struct {
	// SessionID selects the conversation history. Empty means a fresh,
	// unpersisted conversation.
	SessionID string
}

// InvokeOption configures a call.
type InvokeOption func(*InvokeOptions)

// WithSessionID continues the conversation stored under id.
func WithSessionID(id string) InvokeOption {
	return func(o *InvokeOptions) { o.SessionID = id }
}

// Apply folds opts into InvokeOptions.
func Apply(opts ...InvokeOption) InvokeOptions {
	var o InvokeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Summary renders a "- name: description" line for a decomposition prompt,
// followed by one indented line per skill.
func Summary(a Agent) string {
	desc := strings.TrimSpace(a.Description())
	if desc == "" {
		desc = DefaultDescription
	}

	var sb strings.Builder
	sb.WriteString("- ")
	sb.WriteString(a.Name())
	sb.WriteString(": ")
	sb.WriteString(desc)
	for _, s := range a.Skills() {
		sb.WriteString("\n  - ")
		sb.WriteString(s.Name)
		if s.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Description)
		}
	}
	return sb.String()
}
