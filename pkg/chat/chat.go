// Package chat holds the message, history and streaming response types that
// flow between kernels, agents and processes.
package chat

import (
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MetadataAgent is the metadata key tagging content with the agent that produced it.
const MetadataAgent = "agent"

// Message is a complete chat message.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	AgentName string         `json:"agent_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StreamingContent is one fragment of a streamed answer.
type StreamingContent struct {
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	AgentName string         `json:"agent_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WithMetadata sets a metadata key and returns the content for chaining.
func (c *StreamingContent) WithMetadata(key string, value any) *StreamingContent {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// Tagged returns a copy of m as streaming content tagged with the agent name.
func Tagged(m *Message, agentName string) *StreamingContent {
	c := &StreamingContent{
		Content:   m.Content,
		Role:      m.Role,
		AgentName: agentName,
		Metadata:  make(map[string]any, len(m.Metadata)+1),
	}
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	c.Metadata[MetadataAgent] = agentName
	return c
}

// History is an ordered conversation.
type History struct {
	Messages []Message `json:"messages"`
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{Messages: make([]Message, 0)}
}

// Len returns the number of messages.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Messages)
}

// Add appends a message with the given role.
func (h *History) Add(role Role, content string) {
	h.Messages = append(h.Messages, Message{Role: role, Content: content})
}

// AddSystem appends a system message.
func (h *History) AddSystem(content string) { h.Add(RoleSystem, content) }

// AddUser appends a user message.
func (h *History) AddUser(content string) { h.Add(RoleUser, content) }

// AddAssistant appends an assistant message.
func (h *History) AddAssistant(content string) { h.Add(RoleAssistant, content) }

// Clone returns a deep copy of the history. A nil history clones to an empty one.
func (h *History) Clone() *History {
	if h == nil {
		return NewHistory()
	}
	c := &History{Messages: make([]Message, len(h.Messages))}
	copy(c.Messages, h.Messages)
	return c
}

// Response is a fully buffered answer.
type Response struct {
	ID       string     `json:"id"`
	Messages []*Message `json:"messages"`
}

// Text concatenates the content of all messages.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content)
	}
	return sb.String()
}
